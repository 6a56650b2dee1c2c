package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/shopspring/decimal"

	"flashpool/crypto"
	"flashpool/native/flashloan"
)

// Decimals are stored in their canonical string form so that the encoding is
// exact at any scale.
type storedPool struct {
	VaultBalance     string
	TotalClaims      string
	PendingRewards   string
	BorrowerFeePct   string
	LenderRewardPct  string
	NextPositionID   uint64
	NextObligationID uint64
}

func newStoredPool(p *flashloan.Pool) *storedPool {
	return &storedPool{
		VaultBalance:     p.VaultBalance.String(),
		TotalClaims:      p.TotalClaims.String(),
		PendingRewards:   p.PendingRewards.String(),
		BorrowerFeePct:   p.BorrowerFeePct.String(),
		LenderRewardPct:  p.LenderRewardPct.String(),
		NextPositionID:   p.NextPositionID,
		NextObligationID: p.NextObligationID,
	}
}

func (s *storedPool) toPool() (*flashloan.Pool, error) {
	fields := []string{s.VaultBalance, s.TotalClaims, s.PendingRewards, s.BorrowerFeePct, s.LenderRewardPct}
	parsed := make([]decimal.Decimal, len(fields))
	for i, raw := range fields {
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("state: decode pool field %d: %w", i, err)
		}
		parsed[i] = value
	}
	return &flashloan.Pool{
		VaultBalance:     parsed[0],
		TotalClaims:      parsed[1],
		PendingRewards:   parsed[2],
		BorrowerFeePct:   parsed[3],
		LenderRewardPct:  parsed[4],
		NextPositionID:   s.NextPositionID,
		NextObligationID: s.NextObligationID,
	}, nil
}

type storedPosition struct {
	ID             uint64
	Owner          []byte
	InitialDeposit string
	OpenedAt       uint64
	ImageURL       string
	CurrentAmount  string
}

func newStoredPosition(p *flashloan.Position) *storedPosition {
	openedAt := uint64(0)
	if p.OpenedAt > 0 {
		openedAt = uint64(p.OpenedAt)
	}
	return &storedPosition{
		ID:             p.ID,
		Owner:          append([]byte(nil), p.Owner.Bytes()...),
		InitialDeposit: p.InitialDeposit,
		OpenedAt:       openedAt,
		ImageURL:       p.ImageURL,
		CurrentAmount:  p.CurrentAmount.String(),
	}
}

func (s *storedPosition) toPosition() (*flashloan.Position, error) {
	owner, err := crypto.NewAddress(crypto.PoolPrefix, s.Owner)
	if err != nil {
		return nil, fmt.Errorf("state: decode position %d owner: %w", s.ID, err)
	}
	amount, err := decimal.NewFromString(s.CurrentAmount)
	if err != nil {
		return nil, fmt.Errorf("state: decode position %d amount: %w", s.ID, err)
	}
	return &flashloan.Position{
		ID:             s.ID,
		Owner:          owner,
		InitialDeposit: s.InitialDeposit,
		OpenedAt:       int64(s.OpenedAt),
		ImageURL:       s.ImageURL,
		CurrentAmount:  amount,
	}, nil
}

func decodeDecimal(data []byte) (decimal.Decimal, error) {
	var raw string
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(raw)
}
