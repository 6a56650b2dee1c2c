package flashloan

import (
	"fmt"

	"github.com/shopspring/decimal"

	"flashpool/crypto"
)

// Registry is the set of lender positions. Ids come from the pool's
// NextPositionID counter and are never reclaimed; closed ids read as absent.
type Registry struct {
	state engineState
	pool  *Pool
}

// NewRegistry binds a registry to the state backend and the pool counters.
func NewRegistry(state engineState, pool *Pool) *Registry {
	return &Registry{state: state, pool: pool}
}

// Open stores a new position for amount and advances the id counter.
func (r *Registry) Open(owner crypto.Address, amount decimal.Decimal, openedAt int64, imageURL string) (*Position, error) {
	if r.pool.NextPositionID == 0 {
		r.pool.NextPositionID = 1
	}
	position := &Position{
		ID:             r.pool.NextPositionID,
		Owner:          owner,
		InitialDeposit: amount.String(),
		OpenedAt:       openedAt,
		ImageURL:       imageURL,
		CurrentAmount:  amount,
	}
	if err := r.state.PutPosition(position); err != nil {
		return nil, err
	}
	r.pool.NextPositionID++
	return position.Clone(), nil
}

// Close removes the live record for id.
func (r *Registry) Close(id uint64) error {
	if _, err := r.Get(id); err != nil {
		return err
	}
	return r.state.DeletePosition(id)
}

// Get returns the live position stored at id.
func (r *Registry) Get(id uint64) (*Position, error) {
	if id == 0 || id >= r.pool.NextPositionID {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	position, err := r.state.GetPosition(id)
	if err != nil {
		return nil, err
	}
	if position == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPosition, id)
	}
	return position, nil
}

// Set overwrites the current amount of a live position.
func (r *Registry) Set(id uint64, amount decimal.Decimal) error {
	position, err := r.Get(id)
	if err != nil {
		return err
	}
	position.CurrentAmount = amount
	return r.state.PutPosition(position)
}

// ForEachLive visits live positions in ascending id order. It walks the whole
// historical id space, so its cost follows the number of positions ever
// opened rather than the number currently live. Returning false from fn stops
// the walk.
func (r *Registry) ForEachLive(fn func(*Position) (bool, error)) error {
	for id := uint64(1); id < r.pool.NextPositionID; id++ {
		position, err := r.state.GetPosition(id)
		if err != nil {
			return err
		}
		if position == nil {
			continue
		}
		more, err := fn(position)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}
