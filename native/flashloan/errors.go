package flashloan

import "errors"

// Failures surfaced to callers. Every one of them aborts the enclosing
// operation; none is recoverable within the same call.
var (
	ErrInsufficientLiquidity   = errors.New("flashloan engine: insufficient liquidity")
	ErrUnknownPosition         = errors.New("flashloan engine: unknown position")
	ErrUnknownObligation       = errors.New("flashloan engine: unknown obligation")
	ErrInsufficientRepayment   = errors.New("flashloan engine: insufficient repayment")
	ErrMarginViolation         = errors.New("flashloan engine: borrower fee below lender rewards")
	ErrDivisionByZero          = errors.New("flashloan engine: no claims outstanding")
	ErrAccountingInconsistency = errors.New("flashloan engine: accounting inconsistency")
	ErrInvalidAmount           = errors.New("flashloan engine: amount must be positive")
	ErrInvalidPercentage       = errors.New("flashloan engine: percentage out of range")
	ErrNotCertificateHolder    = errors.New("flashloan engine: caller does not hold certificate")
	ErrInsufficientBalance     = errors.New("flashloan engine: insufficient balance")
)

var (
	errNilState       = errors.New("flashloan engine: state not configured")
	errNilPool        = errors.New("flashloan engine: pool not initialised")
	errPoolExists     = errors.New("flashloan engine: pool already initialised")
	errNoCertificates = errors.New("flashloan engine: no certificates presented")
)
