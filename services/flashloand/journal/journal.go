package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"flashpool/core/events"
	"flashpool/core/types"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultListLimit = 100
	maxListLimit     = 1000
)

// Open connects to the journal database and migrates its schema. An empty
// sqlite dsn opens a private in-memory database.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite:
		if strings.TrimSpace(dsn) == "" {
			dsn = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
		}
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		if strings.TrimSpace(dsn) == "" {
			return nil, errors.New("journal: postgres dsn required")
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("journal: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	return db, nil
}

// Journal persists committed pool events. It implements events.Emitter so it
// can sit next to the live stream in the executor's fan-out.
type Journal struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

func New(db *gorm.DB, log *slog.Logger) *Journal {
	if log == nil {
		log = slog.Default()
	}
	return &Journal{db: db, logger: log, nowFn: time.Now}
}

// DB exposes the underlying connection for the idempotency store.
func (j *Journal) DB() *gorm.DB { return j.db }

// Emit implements events.Emitter. Persistence failures are logged; committed
// state is never rolled back because the journal lagged.
func (j *Journal) Emit(evt events.Event) {
	if j == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	if err := j.Append(*payload); err != nil {
		j.logger.Error("journal append failed",
			slog.String("type", payload.Type),
			slog.Any("error", err))
	}
}

// Append stores evt and returns once it is durable.
func (j *Journal) Append(evt types.Event) error {
	attrs := evt.Attributes
	if attrs == nil {
		attrs = map[string]string{}
	}
	encoded, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	record := EventRecord{
		Type:       evt.Type,
		Attributes: string(encoded),
		CreatedAt:  j.nowFn().UTC(),
	}
	return j.db.Create(&record).Error
}

// Entry is a decoded journal record.
type Entry struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// List returns up to limit events, newest first. An empty eventType matches
// every type.
func (j *Journal) List(ctx context.Context, eventType string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := j.db.WithContext(ctx).Order("sequence DESC").Limit(limit)
	if trimmed := strings.TrimSpace(eventType); trimmed != "" {
		query = query.Where("type = ?", trimmed)
	}
	var records []EventRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(records))
	for _, record := range records {
		entry := Entry{Sequence: record.Sequence, Type: record.Type, CreatedAt: record.CreatedAt}
		if record.Attributes != "" {
			if err := json.Unmarshal([]byte(record.Attributes), &entry.Attributes); err != nil {
				return nil, fmt.Errorf("journal: decode event %d: %w", record.Sequence, err)
			}
		}
		out = append(out, entry)
	}
	return out, nil
}
