package flashloan

import (
	"github.com/shopspring/decimal"

	"flashpool/crypto"
)

// Pool captures the global accounting state of the flash-loan pool. It is
// owned by the engine; no other component writes it.
type Pool struct {
	// VaultBalance is the treasury's liquidity.
	VaultBalance decimal.Decimal
	// TotalClaims is the sum of every live position's current amount.
	TotalClaims decimal.Decimal
	// PendingRewards are lender rewards accrued from repaid loans that have
	// not been distributed yet.
	PendingRewards decimal.Decimal
	// BorrowerFeePct is charged on loan principal at repayment.
	BorrowerFeePct decimal.Decimal
	// LenderRewardPct is the share of principal credited to pending rewards
	// at repayment. Never above BorrowerFeePct.
	LenderRewardPct decimal.Decimal
	// NextPositionID is the id the next lender position receives. Ids start
	// at 1 and are never reused.
	NextPositionID uint64
	// NextObligationID is the id the next loan obligation receives.
	NextObligationID uint64
}

// Clone returns a copy of the pool.
func (p *Pool) Clone() *Pool {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// OwnerSpread is the protocol revenue available to the treasurer.
func (p *Pool) OwnerSpread() decimal.Decimal {
	if p == nil {
		return zero
	}
	return p.VaultBalance.Sub(p.TotalClaims).Sub(p.PendingRewards)
}

// Position is a lender certificate: a uniquely identified claim whose current
// amount grows with distributed rewards and shrinks with partial exits.
type Position struct {
	ID uint64
	// Owner is the party currently holding the certificate.
	Owner          crypto.Address
	InitialDeposit string
	// OpenedAt is a unix timestamp rounded down to the minute.
	OpenedAt      int64
	ImageURL      string
	CurrentAmount decimal.Decimal
}

// Clone returns a copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// Obligation marks an outstanding, unsettled loan. It can only be produced by
// the engine and must be handed back through ReturnLoan before the enclosing
// operation commits.
type Obligation struct {
	id        uint64
	principal decimal.Decimal
	settled   bool
}

// ID returns the obligation identity assigned at issuance.
func (o *Obligation) ID() uint64 {
	if o == nil {
		return 0
	}
	return o.id
}

// Principal returns the borrowed amount.
func (o *Obligation) Principal() decimal.Decimal {
	if o == nil {
		return zero
	}
	return o.principal
}

// Settled reports whether the obligation was consumed by a repayment.
func (o *Obligation) Settled() bool { return o != nil && o.settled }
