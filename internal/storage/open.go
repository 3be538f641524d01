package storage

import (
	"context"
	"errors"
	logx "pewwatch/pkg/logx"
	"strings"
	"time"
)

// Store is the persistence API used by core/services.
//
// Binding mutations are atomic per key; UpsertBinding preserves AttachedBy/
// AttachedAt of an existing record, UpdateCheckpoint touches only the
// checkpoint columns.
type Store interface {
	UpsertBinding(ctx context.Context, b BindingRecord) error
	UpdateCheckpoint(ctx context.Context, sourceKind string, chatID int64, threadID int, kind, doc string, at time.Time) error
	DeleteBinding(ctx context.Context, sourceKind string, chatID int64, threadID int) error
	DeleteBindingsForChat(ctx context.Context, chatID int64) (int, error)
	ListBindings(ctx context.Context) ([]BindingRecord, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
