package state

import (
	"encoding/hex"
	"strconv"
)

var (
	poolKeyBytes      = []byte("flashloan/pool")
	positionKeyPrefix = "flashloan/positions/"
	balanceKeyPrefix  = "accounts/balance/"
)

// PoolKey returns the storage key of the pool aggregates.
func PoolKey() []byte { return append([]byte(nil), poolKeyBytes...) }

// PositionKey returns the storage key of the certificate with the given id.
func PositionKey(id uint64) []byte {
	return []byte(positionKeyPrefix + strconv.FormatUint(id, 10))
}

// BalanceKey returns the storage key of an account's ledger balance.
func BalanceKey(addr []byte) []byte {
	return []byte(balanceKeyPrefix + hex.EncodeToString(addr))
}
