package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"flashpool/core"
	"flashpool/core/state"
	"flashpool/native/flashloan"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Stable error codes clients can branch on.
const (
	CodeInsufficientLiquidity   = "insufficient_liquidity"
	CodeUnknownPosition         = "unknown_position"
	CodeUnknownObligation       = "unknown_obligation"
	CodeInsufficientRepayment   = "insufficient_repayment"
	CodeMarginViolation         = "margin_violation"
	CodeDivisionByZero          = "division_by_zero"
	CodeAccountingInconsistency = "accounting_inconsistency"
	CodeInsufficientBalance     = "insufficient_balance"
	CodeUnsettledObligation     = "unsettled_obligation"
	CodeForbidden               = "forbidden"
	CodeInvalidRequest          = "invalid_request"
	CodeUnavailable             = "unavailable"
	CodeInternal                = "internal"
)

var errorTable = []struct {
	target error
	status int
	code   string
}{
	{flashloan.ErrUnknownPosition, http.StatusNotFound, CodeUnknownPosition},
	{flashloan.ErrUnknownObligation, http.StatusUnprocessableEntity, CodeUnknownObligation},
	{core.ErrUnknownLabel, http.StatusUnprocessableEntity, CodeUnknownObligation},
	{flashloan.ErrInsufficientLiquidity, http.StatusUnprocessableEntity, CodeInsufficientLiquidity},
	{flashloan.ErrInsufficientRepayment, http.StatusUnprocessableEntity, CodeInsufficientRepayment},
	{flashloan.ErrMarginViolation, http.StatusUnprocessableEntity, CodeMarginViolation},
	{flashloan.ErrDivisionByZero, http.StatusUnprocessableEntity, CodeDivisionByZero},
	{flashloan.ErrInsufficientBalance, http.StatusUnprocessableEntity, CodeInsufficientBalance},
	{state.ErrUnsettledObligation, http.StatusUnprocessableEntity, CodeUnsettledObligation},
	{core.ErrDuplicateLabel, http.StatusUnprocessableEntity, CodeInvalidRequest},
	{flashloan.ErrAccountingInconsistency, http.StatusInternalServerError, CodeAccountingInconsistency},
	{core.ErrForbidden, http.StatusForbidden, CodeForbidden},
	{flashloan.ErrNotCertificateHolder, http.StatusForbidden, CodeForbidden},
	{core.ErrInvalidInstruction, http.StatusBadRequest, CodeInvalidRequest},
	{flashloan.ErrInvalidAmount, http.StatusBadRequest, CodeInvalidRequest},
	{flashloan.ErrInvalidPercentage, http.StatusBadRequest, CodeInvalidRequest},
	{context.Canceled, http.StatusServiceUnavailable, CodeUnavailable},
	{context.DeadlineExceeded, http.StatusServiceUnavailable, CodeUnavailable},
}

func classify(err error) (int, string) {
	for _, entry := range errorTable {
		if errors.Is(err, entry.target) {
			return entry.status, entry.code
		}
	}
	return http.StatusInternalServerError, CodeInternal
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("code", code), slog.Any("error", err))
		if code == CodeInternal {
			message = "internal error"
		}
	}
	writeJSON(w, status, errorBody{Error: message, Code: code})
}
