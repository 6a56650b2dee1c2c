package state

import "testing"

func TestStorageNamespaces(t *testing.T) {
	if got := string(PoolKey()); got != "flashloan/pool" {
		t.Fatalf("unexpected pool key: %s", got)
	}
	if got := string(PositionKey(42)); got != "flashloan/positions/42" {
		t.Fatalf("unexpected position key: %s", got)
	}
	if got := string(BalanceKey([]byte{0x01, 0x02, 0x03})); got != "accounts/balance/010203" {
		t.Fatalf("unexpected balance key: %s", got)
	}
}
