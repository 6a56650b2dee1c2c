package state

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"flashpool/crypto"
	"flashpool/native/flashloan"
	"flashpool/storage"
)

func testAddress(suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[len(raw)-1] = suffix
	return crypto.MustNewAddress(crypto.PoolPrefix, raw)
}

func TestTxRoundTripsRecords(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	owner := testAddress(0x01)

	tx := manager.Begin()
	pool := &flashloan.Pool{
		VaultBalance:     decimal.RequireFromString("1002.5"),
		TotalClaims:      decimal.RequireFromString("1000"),
		PendingRewards:   decimal.RequireFromString("2.5"),
		BorrowerFeePct:   decimal.RequireFromString("1"),
		LenderRewardPct:  decimal.RequireFromString("0.5"),
		NextPositionID:   2,
		NextObligationID: 4,
	}
	require.NoError(t, tx.PutPool(pool))
	require.NoError(t, tx.PutPosition(&flashloan.Position{
		ID:             1,
		Owner:          owner,
		InitialDeposit: "1000",
		OpenedAt:       1710000000,
		ImageURL:       flashloan.DefaultImageURL,
		CurrentAmount:  decimal.RequireFromString("1000"),
	}))
	require.NoError(t, tx.SetBalance(owner, decimal.RequireFromString("0.000000000000000001")))
	require.NoError(t, tx.Commit())

	require.NoError(t, manager.View(func(tx *Tx) error {
		got, err := tx.GetPool()
		require.NoError(t, err)
		require.True(t, got.PendingRewards.Equal(pool.PendingRewards))
		require.Equal(t, uint64(4), got.NextObligationID)

		position, err := tx.GetPosition(1)
		require.NoError(t, err)
		require.True(t, position.Owner.Equal(owner))
		require.Equal(t, int64(1710000000), position.OpenedAt)

		missing, err := tx.GetPosition(2)
		require.NoError(t, err)
		require.Nil(t, missing)

		balance, err := tx.Balance(owner)
		require.NoError(t, err)
		require.Equal(t, "0.000000000000000001", balance.String())
		return nil
	}))
}

func TestCommitRejectsUnsettledObligation(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	owner := testAddress(0x02)

	tx := manager.Begin()
	require.NoError(t, tx.SetBalance(owner, decimal.NewFromInt(10)))
	require.NoError(t, tx.PutObligation(1, decimal.NewFromInt(5)))
	err := tx.Commit()
	require.True(t, errors.Is(err, ErrUnsettledObligation))

	require.NoError(t, manager.View(func(tx *Tx) error {
		balance, err := tx.Balance(owner)
		require.NoError(t, err)
		require.True(t, balance.IsZero())
		return nil
	}))
}

func TestDiscardDropsWrites(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	owner := testAddress(0x03)

	tx := manager.Begin()
	require.NoError(t, tx.SetBalance(owner, decimal.NewFromInt(7)))
	tx.Discard()
	tx.Discard()
	require.ErrorIs(t, tx.SetBalance(owner, decimal.NewFromInt(1)), ErrTxClosed)

	tx = manager.Begin()
	balance, err := tx.Balance(owner)
	require.NoError(t, err)
	require.True(t, balance.IsZero())
	tx.Discard()
}

func TestOverlayDeletesShadowStorage(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	owner := testAddress(0x04)

	tx := manager.Begin()
	require.NoError(t, tx.PutPosition(&flashloan.Position{ID: 3, Owner: owner, CurrentAmount: decimal.NewFromInt(1)}))
	require.NoError(t, tx.SetBalance(owner, decimal.NewFromInt(2)))
	require.NoError(t, tx.Commit())

	tx = manager.Begin()
	require.NoError(t, tx.DeletePosition(3))
	require.NoError(t, tx.SetBalance(owner, decimal.Zero))
	position, err := tx.GetPosition(3)
	require.NoError(t, err)
	require.Nil(t, position)
	require.NoError(t, tx.Commit())

	require.NoError(t, manager.View(func(tx *Tx) error {
		position, err := tx.GetPosition(3)
		require.NoError(t, err)
		require.Nil(t, position)
		require.Len(t, tx.OutstandingObligations(), 0)
		return nil
	}))
}

func TestSetBalanceRejectsNegative(t *testing.T) {
	manager := NewManager(storage.NewMemDB())
	tx := manager.Begin()
	defer tx.Discard()
	require.Error(t, tx.SetBalance(testAddress(0x05), decimal.NewFromInt(-1)))
	require.Error(t, tx.SetBalance(crypto.Address{}, decimal.NewFromInt(1)))
}
