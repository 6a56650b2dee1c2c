package state

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/shopspring/decimal"

	"flashpool/crypto"
	"flashpool/native/flashloan"
	"flashpool/storage"
)

var (
	// ErrUnsettledObligation rejects a commit while a loan obligation is
	// still outstanding. The whole transaction is discarded.
	ErrUnsettledObligation = errors.New("state: unsettled loan obligation at commit")
	// ErrTxClosed is returned when a committed or discarded transaction is
	// used again.
	ErrTxClosed = errors.New("state: transaction closed")
)

// Manager owns the pool's persistent state. Mutations happen through Tx
// overlays; only one transaction may be open at a time.
type Manager struct {
	db storage.Database
	mu sync.Mutex
}

// NewManager creates a state manager on top of db.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Begin opens a transaction overlay. The caller must Commit or Discard it
// before another transaction can begin.
func (m *Manager) Begin() *Tx {
	m.mu.Lock()
	return &Tx{
		manager:     m,
		writes:      make(map[string][]byte),
		deletes:     make(map[string]struct{}),
		obligations: make(map[uint64]decimal.Decimal),
	}
}

// View runs fn against a read-only snapshot of the committed state.
func (m *Manager) View(fn func(tx *Tx) error) error {
	tx := m.Begin()
	defer tx.Discard()
	return fn(tx)
}

// Tx buffers reads and writes of a single top-level operation. Loan
// obligations live only in the overlay and are never persisted.
type Tx struct {
	manager     *Manager
	writes      map[string][]byte
	deletes     map[string]struct{}
	obligations map[uint64]decimal.Decimal
	closed      bool
}

func (tx *Tx) get(key []byte) ([]byte, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	k := string(key)
	if value, ok := tx.writes[k]; ok {
		return value, nil
	}
	if _, ok := tx.deletes[k]; ok {
		return nil, nil
	}
	value, err := tx.manager.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return value, err
}

func (tx *Tx) put(key []byte, value interface{}) error {
	if tx.closed {
		return ErrTxClosed
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	k := string(key)
	delete(tx.deletes, k)
	tx.writes[k] = encoded
	return nil
}

func (tx *Tx) delete(key []byte) error {
	if tx.closed {
		return ErrTxClosed
	}
	k := string(key)
	delete(tx.writes, k)
	tx.deletes[k] = struct{}{}
	return nil
}

// GetPool returns the pool aggregates, or nil before genesis.
func (tx *Tx) GetPool() (*flashloan.Pool, error) {
	data, err := tx.get(PoolKey())
	if err != nil || data == nil {
		return nil, err
	}
	var stored storedPool
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("state: decode pool: %w", err)
	}
	return stored.toPool()
}

// PutPool stores the pool aggregates.
func (tx *Tx) PutPool(pool *flashloan.Pool) error {
	if pool == nil {
		return fmt.Errorf("state: nil pool")
	}
	return tx.put(PoolKey(), newStoredPool(pool))
}

// GetPosition returns the live certificate at id, or nil when absent.
func (tx *Tx) GetPosition(id uint64) (*flashloan.Position, error) {
	data, err := tx.get(PositionKey(id))
	if err != nil || data == nil {
		return nil, err
	}
	var stored storedPosition
	if err := rlp.DecodeBytes(data, &stored); err != nil {
		return nil, fmt.Errorf("state: decode position %d: %w", id, err)
	}
	return stored.toPosition()
}

// PutPosition stores a certificate under its id.
func (tx *Tx) PutPosition(position *flashloan.Position) error {
	if position == nil {
		return fmt.Errorf("state: nil position")
	}
	return tx.put(PositionKey(position.ID), newStoredPosition(position))
}

// DeletePosition removes the certificate at id.
func (tx *Tx) DeletePosition(id uint64) error {
	return tx.delete(PositionKey(id))
}

// GetObligation reports the principal of an outstanding obligation.
func (tx *Tx) GetObligation(id uint64) (decimal.Decimal, bool, error) {
	if tx.closed {
		return decimal.Zero, false, ErrTxClosed
	}
	principal, ok := tx.obligations[id]
	return principal, ok, nil
}

// PutObligation records an outstanding obligation for this transaction.
func (tx *Tx) PutObligation(id uint64, principal decimal.Decimal) error {
	if tx.closed {
		return ErrTxClosed
	}
	tx.obligations[id] = principal
	return nil
}

// DeleteObligation marks the obligation as settled.
func (tx *Tx) DeleteObligation(id uint64) error {
	if tx.closed {
		return ErrTxClosed
	}
	delete(tx.obligations, id)
	return nil
}

// OutstandingObligations returns the ids of unsettled obligations in
// ascending order.
func (tx *Tx) OutstandingObligations() []uint64 {
	ids := make([]uint64, 0, len(tx.obligations))
	for id := range tx.obligations {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Balance returns the ledger balance of addr; unknown accounts hold zero.
func (tx *Tx) Balance(addr crypto.Address) (decimal.Decimal, error) {
	data, err := tx.get(BalanceKey(addr.Bytes()))
	if err != nil || data == nil {
		return decimal.Zero, err
	}
	return decodeDecimal(data)
}

// SetBalance stores the ledger balance of addr. Zero balances are removed.
func (tx *Tx) SetBalance(addr crypto.Address, amount decimal.Decimal) error {
	if addr.IsZero() {
		return fmt.Errorf("state: address must not be empty")
	}
	if amount.IsNegative() {
		return fmt.Errorf("state: negative balance not allowed")
	}
	key := BalanceKey(addr.Bytes())
	if amount.IsZero() {
		return tx.delete(key)
	}
	return tx.put(key, amount.String())
}

// Commit writes the overlay as a single batch. It fails, discarding the
// overlay, while any obligation remains unsettled.
func (tx *Tx) Commit() error {
	if tx.closed {
		return ErrTxClosed
	}
	defer tx.Discard()
	if outstanding := tx.OutstandingObligations(); len(outstanding) > 0 {
		return fmt.Errorf("%w: %v", ErrUnsettledObligation, outstanding)
	}
	batch := tx.manager.db.NewBatch()
	keys := make([]string, 0, len(tx.writes))
	for k := range tx.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		batch.Put([]byte(k), tx.writes[k])
	}
	for k := range tx.deletes {
		batch.Delete([]byte(k))
	}
	if batch.Len() == 0 {
		return nil
	}
	return batch.Write()
}

// Discard drops every buffered change and releases the manager. It is safe to
// call more than once.
func (tx *Tx) Discard() {
	if tx.closed {
		return
	}
	tx.closed = true
	tx.writes = nil
	tx.deletes = nil
	tx.obligations = nil
	tx.manager.mu.Unlock()
}
