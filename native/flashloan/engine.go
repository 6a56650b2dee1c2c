package flashloan

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"flashpool/core/events"
	"flashpool/core/types"
	"flashpool/crypto"
)

// engineState is the persistence surface the engine needs. Missing records
// read as nil (or false) without an error.
type engineState interface {
	GetPool() (*Pool, error)
	PutPool(pool *Pool) error
	GetPosition(id uint64) (*Position, error)
	PutPosition(position *Position) error
	DeletePosition(id uint64) error
	GetObligation(id uint64) (decimal.Decimal, bool, error)
	PutObligation(id uint64, principal decimal.Decimal) error
	DeleteObligation(id uint64) error
	Balance(addr crypto.Address) (decimal.Decimal, error)
	SetBalance(addr crypto.Address, amount decimal.Decimal) error
}

// Engine is the accounting core of the pool. It owns the treasury, the
// position registry and the obligation ledger; callers are assumed to be
// authorised for restricted operations before they reach it.
type Engine struct {
	state    engineState
	emitter  events.Emitter
	nowFn    func() time.Time
	imageURL string
}

// NewEngine constructs an engine with a no-op emitter and the wall clock.
func NewEngine() *Engine {
	return &Engine{
		emitter:  events.NoopEmitter{},
		nowFn:    time.Now,
		imageURL: DefaultImageURL,
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used for state changes.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the clock used to stamp new certificates.
func (e *Engine) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		e.nowFn = time.Now
		return
	}
	e.nowFn = fn
}

// SetImageURL sets the display image attached to new certificates.
func (e *Engine) SetImageURL(url string) {
	url = strings.TrimSpace(url)
	if url == "" {
		url = DefaultImageURL
	}
	e.imageURL = url
}

func (e *Engine) emit(evt *types.Event) {
	if e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(flashloanEvent{evt: evt})
}

func (e *Engine) loadPool() (*Pool, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	pool, err := e.state.GetPool()
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return nil, errNilPool
	}
	return pool.Clone(), nil
}

// InitPool creates the pool record and credits the genesis allocations. It
// fails when the pool already exists.
func (e *Engine) InitPool(params Params) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	existing, err := e.state.GetPool()
	if err != nil {
		return err
	}
	if existing != nil {
		return errPoolExists
	}
	if params.BorrowerFeePct.LessThan(params.LenderRewardPct) {
		return fmt.Errorf("%w: fee %s < reward %s", ErrMarginViolation, params.BorrowerFeePct, params.LenderRewardPct)
	}
	for _, alloc := range params.Alloc {
		balance, err := e.state.Balance(alloc.Address)
		if err != nil {
			return err
		}
		if err := e.state.SetBalance(alloc.Address, balance.Add(alloc.Amount)); err != nil {
			return err
		}
	}
	pool := &Pool{
		VaultBalance:     zero,
		TotalClaims:      zero,
		PendingRewards:   zero,
		BorrowerFeePct:   params.BorrowerFeePct,
		LenderRewardPct:  params.LenderRewardPct,
		NextPositionID:   1,
		NextObligationID: 1,
	}
	if err := e.state.PutPool(pool); err != nil {
		return err
	}
	e.emit(NewFeesUpdatedEvent(pool))
	return nil
}

// AddFunds moves amount from the lender's balance into the treasury and mints
// a certificate for it.
func (e *Engine) AddFunds(lender crypto.Address, amount decimal.Decimal) (*Position, error) {
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if err := e.takeFrom(lender, amount); err != nil {
		return nil, err
	}
	NewTreasury(pool).Credit(amount)
	openedAt := e.nowFn().UTC().Truncate(time.Minute).Unix()
	position, err := NewRegistry(e.state, pool).Open(lender, amount, openedAt, e.imageURL)
	if err != nil {
		return nil, err
	}
	pool.TotalClaims = pool.TotalClaims.Add(amount)
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	e.emit(NewPositionOpenedEvent(position))
	return position, nil
}

// surrender resolves the presented certificate ids, rejecting duplicates and
// certificates not held by holder.
func (e *Engine) surrender(registry *Registry, holder crypto.Address, ids []uint64) ([]*Position, error) {
	if len(ids) == 0 {
		return nil, errNoCertificates
	}
	seen := make(map[uint64]struct{}, len(ids))
	positions := make([]*Position, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %d presented twice", ErrUnknownPosition, id)
		}
		seen[id] = struct{}{}
		position, err := registry.Get(id)
		if err != nil {
			return nil, err
		}
		if !position.Owner.Equal(holder) {
			return nil, fmt.Errorf("%w: %d", ErrNotCertificateHolder, id)
		}
		positions = append(positions, position)
	}
	return positions, nil
}

// WithdrawFunds burns the presented certificates and pays their current
// amounts to the holder.
func (e *Engine) WithdrawFunds(holder crypto.Address, ids ...uint64) (decimal.Decimal, error) {
	pool, err := e.loadPool()
	if err != nil {
		return zero, err
	}
	registry := NewRegistry(e.state, pool)
	positions, err := e.surrender(registry, holder, ids)
	if err != nil {
		return zero, err
	}
	payout := zero
	for _, position := range positions {
		payout = payout.Add(position.CurrentAmount)
	}
	if payout.GreaterThan(pool.TotalClaims) {
		return zero, fmt.Errorf("%w: payout %s exceeds total claims %s", ErrAccountingInconsistency, payout, pool.TotalClaims)
	}
	if err := NewTreasury(pool).Debit(payout); err != nil {
		return zero, err
	}
	pool.TotalClaims = pool.TotalClaims.Sub(payout)
	for _, position := range positions {
		if err := registry.Close(position.ID); err != nil {
			return zero, err
		}
	}
	if err := e.payTo(holder, payout); err != nil {
		return zero, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return zero, err
	}
	for _, position := range positions {
		e.emit(NewPositionClosedEvent(position, position.CurrentAmount))
	}
	return payout, nil
}

// PartialWithdraw pays pct percent of each presented certificate to the holder
// and returns the diminished certificates, which stay live.
func (e *Engine) PartialWithdraw(holder crypto.Address, ids []uint64, pct decimal.Decimal) (decimal.Decimal, []*Position, error) {
	pool, err := e.loadPool()
	if err != nil {
		return zero, nil, err
	}
	if !validPercentage(pct) {
		return zero, nil, fmt.Errorf("%w: %s", ErrInvalidPercentage, pct)
	}
	registry := NewRegistry(e.state, pool)
	positions, err := e.surrender(registry, holder, ids)
	if err != nil {
		return zero, nil, err
	}
	shares := make([]decimal.Decimal, len(positions))
	payout := zero
	for i, position := range positions {
		shares[i] = percentOf(position.CurrentAmount, pct)
		payout = payout.Add(shares[i])
	}
	if payout.GreaterThan(pool.TotalClaims) {
		return zero, nil, fmt.Errorf("%w: payout %s exceeds total claims %s", ErrAccountingInconsistency, payout, pool.TotalClaims)
	}
	if err := NewTreasury(pool).Debit(payout); err != nil {
		return zero, nil, err
	}
	pool.TotalClaims = pool.TotalClaims.Sub(payout)
	for i, position := range positions {
		position.CurrentAmount = position.CurrentAmount.Sub(shares[i])
		if err := registry.Set(position.ID, position.CurrentAmount); err != nil {
			return zero, nil, err
		}
	}
	if err := e.payTo(holder, payout); err != nil {
		return zero, nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return zero, nil, err
	}
	for i, position := range positions {
		e.emit(NewPositionReducedEvent(position, shares[i]))
	}
	return payout, positions, nil
}

// GetLoan lends amount to the borrower and returns the obligation that must be
// handed back to ReturnLoan before the enclosing operation completes.
func (e *Engine) GetLoan(borrower crypto.Address, amount decimal.Decimal) (*Obligation, error) {
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if err := NewTreasury(pool).Debit(amount); err != nil {
		return nil, err
	}
	ob, err := NewObligationLedger(e.state, pool).Issue(amount)
	if err != nil {
		return nil, err
	}
	if err := e.payTo(borrower, amount); err != nil {
		return nil, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return nil, err
	}
	e.emit(NewLoanIssuedEvent(ob, borrower.String()))
	return ob, nil
}

// ReturnLoan settles ob with repayment taken from the borrower's balance. The
// whole repayment goes to the treasury; overpayment is not refunded.
func (e *Engine) ReturnLoan(borrower crypto.Address, repayment decimal.Decimal, ob *Obligation) error {
	pool, err := e.loadPool()
	if err != nil {
		return err
	}
	ledger := NewObligationLedger(e.state, pool)
	principal, err := ledger.Principal(ob)
	if err != nil {
		return err
	}
	due := repaymentDue(principal, pool.BorrowerFeePct)
	if repayment.LessThan(due) {
		return fmt.Errorf("%w: repaid %s, due %s", ErrInsufficientRepayment, repayment, due)
	}
	if err := e.takeFrom(borrower, repayment); err != nil {
		return err
	}
	if _, err := ledger.Settle(ob); err != nil {
		return err
	}
	reward := percentOf(principal, pool.LenderRewardPct)
	pool.PendingRewards = pool.PendingRewards.Add(reward)
	NewTreasury(pool).Credit(repayment)
	if err := e.state.PutPool(pool); err != nil {
		return err
	}
	e.emit(NewLoanRepaidEvent(ob, borrower.String(), repayment, reward))
	return nil
}

// SetBorrowerFee updates the fee charged on repayment. It may not fall below
// the lender reward percentage.
func (e *Engine) SetBorrowerFee(pct decimal.Decimal) error {
	pool, err := e.loadPool()
	if err != nil {
		return err
	}
	if pct.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidPercentage, pct)
	}
	if pct.LessThan(pool.LenderRewardPct) {
		return fmt.Errorf("%w: fee %s < reward %s", ErrMarginViolation, pct, pool.LenderRewardPct)
	}
	pool.BorrowerFeePct = pct
	if err := e.state.PutPool(pool); err != nil {
		return err
	}
	e.emit(NewFeesUpdatedEvent(pool))
	return nil
}

// SetLenderRewards updates the share of principal accrued to lenders. It may
// not exceed the borrower fee percentage.
func (e *Engine) SetLenderRewards(pct decimal.Decimal) error {
	pool, err := e.loadPool()
	if err != nil {
		return err
	}
	if pct.IsNegative() {
		return fmt.Errorf("%w: %s", ErrInvalidPercentage, pct)
	}
	if pool.BorrowerFeePct.LessThan(pct) {
		return fmt.Errorf("%w: fee %s < reward %s", ErrMarginViolation, pool.BorrowerFeePct, pct)
	}
	pool.LenderRewardPct = pct
	if err := e.state.PutPool(pool); err != nil {
		return err
	}
	e.emit(NewFeesUpdatedEvent(pool))
	return nil
}

// WithdrawOwnerRewards pays the accumulated spread to the treasurer.
func (e *Engine) WithdrawOwnerRewards(treasurer crypto.Address) (decimal.Decimal, error) {
	pool, err := e.loadPool()
	if err != nil {
		return zero, err
	}
	spread := pool.OwnerSpread()
	if spread.IsNegative() {
		return zero, fmt.Errorf("%w: vault %s below claims %s plus pending %s",
			ErrAccountingInconsistency, pool.VaultBalance, pool.TotalClaims, pool.PendingRewards)
	}
	if err := NewTreasury(pool).Debit(spread); err != nil {
		return zero, err
	}
	if err := e.payTo(treasurer, spread); err != nil {
		return zero, err
	}
	if err := e.state.PutPool(pool); err != nil {
		return zero, err
	}
	e.emit(NewOwnerWithdrawnEvent(treasurer.String(), spread))
	return spread, nil
}

// DistributeRewards folds pending rewards into every live position pro rata
// and returns the reward per coin. Truncation dust stays pending so that the
// sum of positions always equals total claims.
func (e *Engine) DistributeRewards() (decimal.Decimal, error) {
	pool, err := e.loadPool()
	if err != nil {
		return zero, err
	}
	if !pool.TotalClaims.IsPositive() {
		return zero, ErrDivisionByZero
	}
	rewardPerCoin := quo(pool.PendingRewards, pool.TotalClaims)
	factor := one.Add(rewardPerCoin)
	registry := NewRegistry(e.state, pool)
	distributed := zero
	live := 0
	err = registry.ForEachLive(func(position *Position) (bool, error) {
		grown := truncate(position.CurrentAmount.Mul(factor))
		distributed = distributed.Add(grown.Sub(position.CurrentAmount))
		live++
		position.CurrentAmount = grown
		return true, e.state.PutPosition(position)
	})
	if err != nil {
		return zero, err
	}
	if distributed.GreaterThan(pool.PendingRewards) {
		return zero, fmt.Errorf("%w: distributed %s exceeds pending %s", ErrAccountingInconsistency, distributed, pool.PendingRewards)
	}
	pool.TotalClaims = pool.TotalClaims.Add(distributed)
	pool.PendingRewards = pool.PendingRewards.Sub(distributed)
	if err := e.state.PutPool(pool); err != nil {
		return zero, err
	}
	e.emit(NewRewardsDistributedEvent(rewardPerCoin, distributed, live))
	return rewardPerCoin, nil
}

// TransferPosition hands the presented certificates from one holder to another.
func (e *Engine) TransferPosition(from, to crypto.Address, ids ...uint64) error {
	pool, err := e.loadPool()
	if err != nil {
		return err
	}
	if to.IsZero() {
		return fmt.Errorf("flashloan engine: transfer recipient required")
	}
	positions, err := e.surrender(NewRegistry(e.state, pool), from, ids)
	if err != nil {
		return err
	}
	for _, position := range positions {
		position.Owner = to
		if err := e.state.PutPosition(position); err != nil {
			return err
		}
	}
	for _, position := range positions {
		e.emit(NewPositionTransferredEvent(position, from.String()))
	}
	return nil
}

// Transfer moves ledger funds between two accounts. Borrowers use it to spend
// loan proceeds within the operation that took the loan.
func (e *Engine) Transfer(from, to crypto.Address, amount decimal.Decimal) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if err := e.takeFrom(from, amount); err != nil {
		return err
	}
	return e.payTo(to, amount)
}

// Pool returns a copy of the pool aggregates.
func (e *Engine) Pool() (*Pool, error) { return e.loadPool() }

// Position returns the live certificate stored at id.
func (e *Engine) Position(id uint64) (*Position, error) {
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	return NewRegistry(e.state, pool).Get(id)
}

// Positions lists the live certificates held by owner in id order.
func (e *Engine) Positions(owner crypto.Address) ([]*Position, error) {
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	var held []*Position
	err = NewRegistry(e.state, pool).ForEachLive(func(position *Position) (bool, error) {
		if position.Owner.Equal(owner) {
			held = append(held, position)
		}
		return true, nil
	})
	return held, err
}

// Balance returns the ledger balance of addr.
func (e *Engine) Balance(addr crypto.Address) (decimal.Decimal, error) {
	if e == nil || e.state == nil {
		return zero, errNilState
	}
	return e.state.Balance(addr)
}

func (e *Engine) takeFrom(addr crypto.Address, amount decimal.Decimal) error {
	balance, err := e.state.Balance(addr)
	if err != nil {
		return err
	}
	if balance.LessThan(amount) {
		return fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientBalance, addr, balance, amount)
	}
	return e.state.SetBalance(addr, balance.Sub(amount))
}

func (e *Engine) payTo(addr crypto.Address, amount decimal.Decimal) error {
	if amount.IsZero() {
		return nil
	}
	balance, err := e.state.Balance(addr)
	if err != nil {
		return err
	}
	return e.state.SetBalance(addr, balance.Add(amount))
}
