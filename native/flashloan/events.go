package flashloan

import (
	"strconv"

	"github.com/shopspring/decimal"

	"flashpool/core/types"
)

const (
	EventTypePositionOpened      = "flashloan.position.opened"
	EventTypePositionClosed      = "flashloan.position.closed"
	EventTypePositionReduced     = "flashloan.position.reduced"
	EventTypePositionTransferred = "flashloan.position.transferred"
	EventTypeLoanIssued          = "flashloan.loan.issued"
	EventTypeLoanRepaid          = "flashloan.loan.repaid"
	EventTypeRewardsDistributed  = "flashloan.rewards.distributed"
	EventTypeFeesUpdated         = "flashloan.fees.updated"
	EventTypeOwnerWithdrawn      = "flashloan.owner.withdrawn"
)

type flashloanEvent struct {
	evt *types.Event
}

func (e flashloanEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e flashloanEvent) Event() *types.Event { return e.evt }

func formatID(id uint64) string { return strconv.FormatUint(id, 10) }

func newPositionEvent(eventType string, p *Position, extra map[string]string) *types.Event {
	attrs := map[string]string{
		"id":             formatID(p.ID),
		"owner":          p.Owner.String(),
		"current_amount": p.CurrentAmount.String(),
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

// NewPositionOpenedEvent describes a deposit that minted a certificate.
func NewPositionOpenedEvent(p *Position) *types.Event {
	return newPositionEvent(EventTypePositionOpened, p, map[string]string{
		"initial_deposit": p.InitialDeposit,
		"opened_at":       strconv.FormatInt(p.OpenedAt, 10),
	})
}

// NewPositionClosedEvent describes a certificate burned by a full withdrawal.
func NewPositionClosedEvent(p *Position, payout decimal.Decimal) *types.Event {
	return newPositionEvent(EventTypePositionClosed, p, map[string]string{"payout": payout.String()})
}

// NewPositionReducedEvent describes a partial withdrawal from a certificate.
func NewPositionReducedEvent(p *Position, share decimal.Decimal) *types.Event {
	return newPositionEvent(EventTypePositionReduced, p, map[string]string{"share": share.String()})
}

// NewPositionTransferredEvent describes a certificate changing hands.
func NewPositionTransferredEvent(p *Position, from string) *types.Event {
	return newPositionEvent(EventTypePositionTransferred, p, map[string]string{"from": from})
}

// NewLoanIssuedEvent describes a loan handed to a borrower.
func NewLoanIssuedEvent(ob *Obligation, borrower string) *types.Event {
	return &types.Event{Type: EventTypeLoanIssued, Attributes: map[string]string{
		"obligation": formatID(ob.ID()),
		"borrower":   borrower,
		"principal":  ob.Principal().String(),
	}}
}

// NewLoanRepaidEvent describes a settled loan.
func NewLoanRepaidEvent(ob *Obligation, borrower string, repayment, reward decimal.Decimal) *types.Event {
	return &types.Event{Type: EventTypeLoanRepaid, Attributes: map[string]string{
		"obligation": formatID(ob.ID()),
		"borrower":   borrower,
		"principal":  ob.Principal().String(),
		"repayment":  repayment.String(),
		"reward":     reward.String(),
	}}
}

// NewRewardsDistributedEvent describes a distribution round.
func NewRewardsDistributedEvent(rewardPerCoin, distributed decimal.Decimal, positions int) *types.Event {
	return &types.Event{Type: EventTypeRewardsDistributed, Attributes: map[string]string{
		"reward_per_coin": rewardPerCoin.String(),
		"distributed":     distributed.String(),
		"positions":       strconv.Itoa(positions),
	}}
}

// NewFeesUpdatedEvent describes a change of either percentage knob.
func NewFeesUpdatedEvent(pool *Pool) *types.Event {
	return &types.Event{Type: EventTypeFeesUpdated, Attributes: map[string]string{
		"borrower_fee_pct":  pool.BorrowerFeePct.String(),
		"lender_reward_pct": pool.LenderRewardPct.String(),
	}}
}

// NewOwnerWithdrawnEvent describes a treasurer sweep.
func NewOwnerWithdrawnEvent(treasurer string, amount decimal.Decimal) *types.Event {
	return &types.Event{Type: EventTypeOwnerWithdrawn, Attributes: map[string]string{
		"treasurer": treasurer,
		"amount":    amount.String(),
	}}
}
