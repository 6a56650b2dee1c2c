package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flashpool/core/events"
	"flashpool/core/state"
	"flashpool/core/types"
	"flashpool/crypto"
	"flashpool/native/flashloan"
)

var (
	// ErrForbidden is returned when the caller lacks the role an instruction
	// requires.
	ErrForbidden = errors.New("executor: caller lacks required role")
	// ErrUnknownLabel is returned by return_loan when no loan was taken under
	// the label.
	ErrUnknownLabel = errors.New("executor: unknown loan label")
	// ErrDuplicateLabel is returned when get_loan reuses a live label.
	ErrDuplicateLabel = errors.New("executor: loan label already in use")
	// ErrInvalidInstruction wraps malformed instruction arguments.
	ErrInvalidInstruction = errors.New("executor: invalid instruction")
)

// Caller identifies the party running a manifest and the roles the
// authorisation layer granted it.
type Caller struct {
	Address crypto.Address
	Roles   []types.Role
}

// HasRole reports whether the caller was granted role.
func (c Caller) HasRole(role types.Role) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Executor runs manifests one at a time against the pool state. Each manifest
// executes inside a single state transaction that is committed only when
// every instruction succeeded and every loan taken was repaid.
type Executor struct {
	mu       sync.Mutex
	manager  *state.Manager
	emitter  events.Emitter
	nowFn    func() time.Time
	imageURL string
	logger   *slog.Logger
}

// NewExecutor constructs an executor backed by manager.
func NewExecutor(manager *state.Manager) *Executor {
	return &Executor{
		manager:  manager,
		emitter:  events.NoopEmitter{},
		nowFn:    time.Now,
		imageURL: flashloan.DefaultImageURL,
		logger:   slog.Default(),
	}
}

// SetEmitter configures where committed events are published.
func (x *Executor) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	x.emitter = emitter
}

// SetNowFunc overrides the clock handed to the engine.
func (x *Executor) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		fn = time.Now
	}
	x.nowFn = fn
}

// SetImageURL sets the image attached to new certificates.
func (x *Executor) SetImageURL(url string) { x.imageURL = url }

// SetLogger replaces the executor logger.
func (x *Executor) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	x.logger = logger
}

func (x *Executor) newEngine(tx *state.Tx, emitter events.Emitter) *flashloan.Engine {
	engine := flashloan.NewEngine()
	engine.SetState(tx)
	engine.SetEmitter(emitter)
	engine.SetNowFunc(x.nowFn)
	engine.SetImageURL(x.imageURL)
	return engine
}

// Genesis creates the pool from params when it does not exist yet. It
// reports whether the pool was created.
func (x *Executor) Genesis(params flashloan.Params) (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	tx := x.manager.Begin()
	defer tx.Discard()
	existing, err := tx.GetPool()
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	buffer := &events.Buffer{}
	if err := x.newEngine(tx, buffer).InitPool(params); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	buffer.Flush(x.emitter)
	x.logger.Info("pool initialised",
		slog.String("asset", params.Asset),
		slog.String("borrower_fee_pct", params.BorrowerFeePct.String()),
		slog.String("lender_reward_pct", params.LenderRewardPct.String()),
		slog.Int("allocations", len(params.Alloc)))
	return true, nil
}

// Execute runs manifest on behalf of caller. On any failure the state is left
// exactly as it was before the call.
func (x *Executor) Execute(ctx context.Context, caller Caller, manifest *types.Manifest) (*types.Receipt, error) {
	if err := manifest.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	if caller.Address.IsZero() {
		return nil, fmt.Errorf("executor: caller address required")
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tx := x.manager.Begin()
	defer tx.Discard()
	buffer := &events.Buffer{}
	run := &manifestRun{
		caller: caller,
		engine: x.newEngine(tx, buffer),
		loans:  make(map[string]*flashloan.Obligation),
	}

	outputs := make([]types.Output, 0, len(manifest.Instructions))
	for i, ins := range manifest.Instructions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if role := ins.Kind.RequiredRole(); role != "" && !caller.HasRole(role) {
			return nil, fmt.Errorf("instruction %d (%s): %w: %s", i, ins.Kind, ErrForbidden, role)
		}
		out, err := run.apply(ins)
		if err != nil {
			x.logger.Debug("manifest aborted",
				slog.String("caller", caller.Address.String()),
				slog.Int("instruction", i),
				slog.String("kind", string(ins.Kind)),
				slog.Any("error", err))
			return nil, fmt.Errorf("instruction %d (%s): %w", i, ins.Kind, err)
		}
		out.Index = i
		out.Kind = ins.Kind
		outputs = append(outputs, out)
	}
	if len(run.loans) > 0 {
		labels := make([]string, 0, len(run.loans))
		for label := range run.loans {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		return nil, fmt.Errorf("%w: loans %s not returned", state.ErrUnsettledObligation, strings.Join(labels, ","))
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	emitted := buffer.Events()
	receipt := &types.Receipt{
		ID:      uuid.NewString(),
		Caller:  caller.Address.String(),
		Outputs: outputs,
		Events:  make([]types.Event, 0, len(emitted)),
	}
	for _, evt := range emitted {
		if payload := evt.Event(); payload != nil {
			receipt.Events = append(receipt.Events, *payload.Clone())
		}
	}
	digest, err := types.EventDigest(receipt.Events)
	if err != nil {
		return nil, err
	}
	receipt.Digest = digest
	buffer.Flush(x.emitter)
	return receipt, nil
}

// Pool returns the committed pool aggregates.
func (x *Executor) Pool() (*flashloan.Pool, error) {
	var pool *flashloan.Pool
	err := x.view(func(engine *flashloan.Engine) error {
		var err error
		pool, err = engine.Pool()
		return err
	})
	return pool, err
}

// Position returns the committed certificate at id.
func (x *Executor) Position(id uint64) (*flashloan.Position, error) {
	var position *flashloan.Position
	err := x.view(func(engine *flashloan.Engine) error {
		var err error
		position, err = engine.Position(id)
		return err
	})
	return position, err
}

// Positions lists the committed certificates held by owner.
func (x *Executor) Positions(owner crypto.Address) ([]*flashloan.Position, error) {
	var positions []*flashloan.Position
	err := x.view(func(engine *flashloan.Engine) error {
		var err error
		positions, err = engine.Positions(owner)
		return err
	})
	return positions, err
}

// Balance returns the committed ledger balance of addr.
func (x *Executor) Balance(addr crypto.Address) (decimal.Decimal, error) {
	balance := decimal.Zero
	err := x.view(func(engine *flashloan.Engine) error {
		var err error
		balance, err = engine.Balance(addr)
		return err
	})
	return balance, err
}

func (x *Executor) view(fn func(engine *flashloan.Engine) error) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.manager.View(func(tx *state.Tx) error {
		return fn(x.newEngine(tx, events.NoopEmitter{}))
	})
}

// manifestRun holds the per-manifest scope: loan obligations are bound to
// labels here and never leave it.
type manifestRun struct {
	caller Caller
	engine *flashloan.Engine
	loans  map[string]*flashloan.Obligation
}

func (r *manifestRun) apply(ins types.Instruction) (types.Output, error) {
	who := r.caller.Address
	switch ins.Kind {
	case types.InstructionAddFunds:
		amount, err := parseAmount(ins.Amount)
		if err != nil {
			return types.Output{}, err
		}
		position, err := r.engine.AddFunds(who, amount)
		if err != nil {
			return types.Output{}, err
		}
		return types.Output{Amount: amount.String(), Positions: []uint64{position.ID}}, nil

	case types.InstructionWithdrawFunds:
		payout, err := r.engine.WithdrawFunds(who, ins.Positions...)
		if err != nil {
			return types.Output{}, err
		}
		return types.Output{Amount: payout.String(), Positions: ins.Positions}, nil

	case types.InstructionPartialWithdraw:
		pct, err := parseAmount(ins.Percentage)
		if err != nil {
			return types.Output{}, err
		}
		payout, certs, err := r.engine.PartialWithdraw(who, ins.Positions, pct)
		if err != nil {
			return types.Output{}, err
		}
		ids := make([]uint64, len(certs))
		for i, cert := range certs {
			ids[i] = cert.ID
		}
		return types.Output{Amount: payout.String(), Positions: ids}, nil

	case types.InstructionGetLoan:
		label := strings.TrimSpace(ins.Label)
		if _, live := r.loans[label]; live {
			return types.Output{}, fmt.Errorf("%w: %s", ErrDuplicateLabel, label)
		}
		amount, err := parseAmount(ins.Amount)
		if err != nil {
			return types.Output{}, err
		}
		ob, err := r.engine.GetLoan(who, amount)
		if err != nil {
			return types.Output{}, err
		}
		r.loans[label] = ob
		return types.Output{Amount: amount.String(), Obligation: ob.ID()}, nil

	case types.InstructionReturnLoan:
		label := strings.TrimSpace(ins.Label)
		ob, ok := r.loans[label]
		if !ok {
			return types.Output{}, fmt.Errorf("%w: %s", ErrUnknownLabel, label)
		}
		amount, err := parseAmount(ins.Amount)
		if err != nil {
			return types.Output{}, err
		}
		if err := r.engine.ReturnLoan(who, amount, ob); err != nil {
			return types.Output{}, err
		}
		delete(r.loans, label)
		return types.Output{Amount: amount.String(), Obligation: ob.ID()}, nil

	case types.InstructionTransfer:
		if strings.TrimSpace(ins.Label) != "" {
			return types.Output{}, fmt.Errorf("%w: loan obligations cannot be transferred", ErrInvalidInstruction)
		}
		to, err := parseRecipient(ins.To)
		if err != nil {
			return types.Output{}, err
		}
		amount, err := parseAmount(ins.Amount)
		if err != nil {
			return types.Output{}, err
		}
		if err := r.engine.Transfer(who, to, amount); err != nil {
			return types.Output{}, err
		}
		return types.Output{Amount: amount.String()}, nil

	case types.InstructionTransferPosition:
		to, err := parseRecipient(ins.To)
		if err != nil {
			return types.Output{}, err
		}
		if err := r.engine.TransferPosition(who, to, ins.Positions...); err != nil {
			return types.Output{}, err
		}
		return types.Output{Positions: ins.Positions}, nil

	case types.InstructionSetBorrowerFee:
		pct, err := parseAmount(ins.Percentage)
		if err != nil {
			return types.Output{}, err
		}
		return types.Output{}, r.engine.SetBorrowerFee(pct)

	case types.InstructionSetLenderRewards:
		pct, err := parseAmount(ins.Percentage)
		if err != nil {
			return types.Output{}, err
		}
		return types.Output{}, r.engine.SetLenderRewards(pct)

	case types.InstructionWithdrawOwnerRewards:
		payout, err := r.engine.WithdrawOwnerRewards(who)
		if err != nil {
			return types.Output{}, err
		}
		return types.Output{Amount: payout.String()}, nil

	case types.InstructionDistributeRewards:
		rewardPerCoin, err := r.engine.DistributeRewards()
		if err != nil {
			return types.Output{}, err
		}
		return types.Output{RewardPerCoin: rewardPerCoin.String()}, nil
	}
	return types.Output{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInstruction, ins.Kind)
}

func parseAmount(raw string) (decimal.Decimal, error) {
	value, err := flashloan.ParseAmount(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	return value, nil
}

func parseRecipient(raw string) (crypto.Address, error) {
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: recipient: %v", ErrInvalidInstruction, err)
	}
	return addr, nil
}
