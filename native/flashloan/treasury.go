package flashloan

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Treasury is the single-asset custody account holding the pool's liquidity.
// It mutates the vault balance of the pool it wraps and nothing else.
type Treasury struct {
	pool *Pool
}

// NewTreasury binds a treasury to the pool's vault balance.
func NewTreasury(pool *Pool) *Treasury { return &Treasury{pool: pool} }

// Balance returns the current liquidity.
func (t *Treasury) Balance() decimal.Decimal { return t.pool.VaultBalance }

// Credit increases the vault balance.
func (t *Treasury) Credit(amount decimal.Decimal) {
	t.pool.VaultBalance = t.pool.VaultBalance.Add(amount)
}

// Debit decreases the vault balance or fails when it cannot cover amount.
func (t *Treasury) Debit(amount decimal.Decimal) error {
	if amount.GreaterThan(t.pool.VaultBalance) {
		return fmt.Errorf("%w: need %s, vault holds %s", ErrInsufficientLiquidity, amount, t.pool.VaultBalance)
	}
	t.pool.VaultBalance = t.pool.VaultBalance.Sub(amount)
	return nil
}
