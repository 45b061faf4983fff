// Package eventlog persists committed pool events for indexers and the
// events query endpoint.
package eventlog

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

	"cipherpool/core/events"
	"cipherpool/core/types"
)

const defaultListLimit = 100

var ErrPathRequired = errors.New("eventlog: dsn must be configured")

// Record is one persisted event.
type Record struct {
	Seq        uint64    `gorm:"primaryKey;autoIncrement"`
	EventID    uuid.UUID `gorm:"type:uuid;uniqueIndex"`
	Type       string    `gorm:"size:64;index"`
	Pool       string    `gorm:"size:66;index"`
	Attributes string    `gorm:"type:text"`
	RecordedAt time.Time `gorm:"index"`
}

// Event decodes the stored attributes back into an event.
func (r Record) Event() (*types.Event, error) {
	attrs := make(map[string]string)
	if strings.TrimSpace(r.Attributes) != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &attrs); err != nil {
			return nil, fmt.Errorf("eventlog: decode attributes: %w", err)
		}
	}
	return &types.Event{Type: r.Type, Attributes: attrs}, nil
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Type     string
	Pool     string
	AfterSeq uint64
	Limit    int
}

// Log is an events.Emitter writing each event as a row.
type Log struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// Open connects to the event store. Postgres URLs select the postgres
// driver; anything else is treated as a sqlite path.
func Open(dsn string) (*Log, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	var dialector gorm.Dialector
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		dialector = postgres.Open(trimmed)
	} else {
		dialector = sqlite.Open(trimmed)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("eventlog: open database: %w", err)
	}
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}
	return &Log{db: db, logger: slog.Default(), nowFn: time.Now}, nil
}

// SetLogger overrides the logger used to report write failures.
func (l *Log) SetLogger(logger *slog.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// Close releases the underlying connection pool.
func (l *Log) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append stores an event and returns its sequence number.
func (l *Log) Append(ctx context.Context, evt *types.Event) (uint64, error) {
	if l == nil || l.db == nil {
		return 0, fmt.Errorf("eventlog: not configured")
	}
	if evt == nil || strings.TrimSpace(evt.Type) == "" {
		return 0, fmt.Errorf("eventlog: event type required")
	}
	raw, err := json.Marshal(evt.Attributes)
	if err != nil {
		return 0, fmt.Errorf("eventlog: encode attributes: %w", err)
	}
	rec := Record{
		EventID:    uuid.New(),
		Type:       evt.Type,
		Pool:       evt.Attributes["pool"],
		Attributes: string(raw),
		RecordedAt: l.nowFn().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return 0, fmt.Errorf("eventlog: insert: %w", err)
	}
	return rec.Seq, nil
}

// Emit implements events.Emitter. Write failures are logged and dropped so
// the state transition that produced the event is never affected.
func (l *Log) Emit(evt events.Event) {
	if l == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	if _, err := l.Append(context.Background(), payload); err != nil {
		l.logger.Error("eventlog: append failed", "type", payload.Type, "error", err)
	}
}

// List returns events in sequence order.
func (l *Log) List(ctx context.Context, filter Filter) ([]Record, error) {
	if l == nil || l.db == nil {
		return nil, fmt.Errorf("eventlog: not configured")
	}
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = defaultListLimit
	}
	query := l.db.WithContext(ctx).Model(&Record{}).Where("seq > ?", filter.AfterSeq)
	if t := strings.TrimSpace(filter.Type); t != "" {
		query = query.Where("type = ?", t)
	}
	if p := strings.TrimSpace(filter.Pool); p != "" {
		query = query.Where("pool = ?", p)
	}
	var out []Record
	if err := query.Order("seq asc").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("eventlog: query: %w", err)
	}
	return out, nil
}
