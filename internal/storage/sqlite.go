//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	logx "pewwatch/pkg/logx"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, pruneEvery: 500}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertBinding(ctx context.Context, b BindingRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(b.SourceKind) == "" {
		return errors.New("binding source kind is empty")
	}
	now := time.Now()
	if b.AttachedAt.IsZero() {
		b.AttachedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bindings(source_kind, chat_id, thread_id, meta, checkpoint_kind, checkpoint_doc, checkpoint_time, attached_by, attached_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(source_kind, chat_id, thread_id) DO UPDATE SET
		   meta=excluded.meta,
		   checkpoint_kind=excluded.checkpoint_kind,
		   checkpoint_doc=excluded.checkpoint_doc,
		   checkpoint_time=excluded.checkpoint_time,
		   updated_at=excluded.updated_at`,
		b.SourceKind, b.ChatID, b.ThreadID, nullStr(b.Meta),
		nullStr(b.CheckpointKind), nullStr(b.CheckpointDoc), nullTime(b.CheckpointTime),
		b.AttachedBy, b.AttachedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) UpdateCheckpoint(ctx context.Context, sourceKind string, chatID int64, threadID int, kind, doc string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE bindings SET checkpoint_kind=?, checkpoint_doc=?, checkpoint_time=?, updated_at=?
		 WHERE source_kind=? AND chat_id=? AND thread_id=?`,
		nullStr(kind), nullStr(doc), nullTime(at), time.Now().Format(time.RFC3339Nano),
		sourceKind, chatID, threadID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteBinding(ctx context.Context, sourceKind string, chatID int64, threadID int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM bindings WHERE source_kind=? AND chat_id=? AND thread_id=?`,
		sourceKind, chatID, threadID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) DeleteBindingsForChat(ctx context.Context, chatID int64) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM bindings WHERE chat_id=?`, chatID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *sqliteStore) ListBindings(ctx context.Context) ([]BindingRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_kind, chat_id, thread_id, meta, checkpoint_kind, checkpoint_doc, checkpoint_time, attached_by, attached_at, updated_at
		 FROM bindings ORDER BY source_kind, chat_id, thread_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BindingRecord
	for rows.Next() {
		var b BindingRecord
		var meta, cpKind, cpDoc, cpTime sql.NullString
		var attachedBy sql.NullInt64
		var attachedAt, updatedAt string
		if err := rows.Scan(&b.SourceKind, &b.ChatID, &b.ThreadID, &meta, &cpKind, &cpDoc, &cpTime, &attachedBy, &attachedAt, &updatedAt); err != nil {
			return nil, err
		}
		b.Meta = meta.String
		b.CheckpointKind = cpKind.String
		b.CheckpointDoc = cpDoc.String
		if cpTime.Valid && cpTime.String != "" {
			t, err := time.Parse(time.RFC3339Nano, cpTime.String)
			if err != nil {
				return nil, fmt.Errorf("bindings: bad checkpoint_time %q: %w", cpTime.String, err)
			}
			b.CheckpointTime = t
		}
		b.AttachedBy = attachedBy.Int64
		if t, err := time.Parse(time.RFC3339Nano, attachedAt); err == nil {
			b.AttachedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
			b.UpdatedAt = t
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, thread_id, plugin, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID, e.ThreadID,
		e.Plugin, e.Action, e.Target, e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, ms,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_ = s.pruneExpired(pctx)
		cancel()
	}
	return err
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if s == nil || s.db == nil {
		return time.Time{}, false, ErrDisabled
	}
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *sqliteStore) pruneExpired(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `DELETE FROM dedup WHERE until < ?`, now)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
