package flashloan

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ObligationLedger issues and settles loan obligations. Each issuance draws a
// fresh id from the pool so several loans may be in flight at once.
type ObligationLedger struct {
	state engineState
	pool  *Pool
}

// NewObligationLedger binds the ledger to the state backend and pool counters.
func NewObligationLedger(state engineState, pool *Pool) *ObligationLedger {
	return &ObligationLedger{state: state, pool: pool}
}

// Issue records an outstanding obligation for principal.
func (l *ObligationLedger) Issue(principal decimal.Decimal) (*Obligation, error) {
	if !principal.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if l.pool.NextObligationID == 0 {
		l.pool.NextObligationID = 1
	}
	id := l.pool.NextObligationID
	if err := l.state.PutObligation(id, principal); err != nil {
		return nil, err
	}
	l.pool.NextObligationID++
	return &Obligation{id: id, principal: principal}, nil
}

// Principal validates that ob is genuine and unconsumed and returns the
// recorded principal without consuming it.
func (l *ObligationLedger) Principal(ob *Obligation) (decimal.Decimal, error) {
	if ob == nil || ob.settled || ob.id == 0 {
		return zero, ErrUnknownObligation
	}
	recorded, ok, err := l.state.GetObligation(ob.id)
	if err != nil {
		return zero, err
	}
	if !ok || !recorded.Equal(ob.principal) {
		return zero, fmt.Errorf("%w: %d", ErrUnknownObligation, ob.id)
	}
	return recorded, nil
}

// Settle consumes ob and returns its principal.
func (l *ObligationLedger) Settle(ob *Obligation) (decimal.Decimal, error) {
	principal, err := l.Principal(ob)
	if err != nil {
		return zero, err
	}
	if err := l.state.DeleteObligation(ob.id); err != nil {
		return zero, err
	}
	ob.settled = true
	return principal, nil
}
