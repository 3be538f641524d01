package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	logx "pewwatch/pkg/logx"
	"sort"
	"strings"
	"sync"
	"time"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.bindings.json       (full snapshot, atomically replaced)
//   - <prefix>.audit.jsonl         (append-only JSON Lines)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
//
// Bindings mutate rarely (attach/detach plus one checkpoint write per pass),
// so every mutation rewrites the snapshot via temp-file + rename.
// The dedup journal is periodically compacted into its snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	bindingsPath string
	bindings     map[string]BindingRecord

	auditFile *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	dedupWrites int
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func bindingKey(sourceKind string, chatID int64, threadID int) string {
	return fmt.Sprintf("%s\x00%d\x00%d", sourceKind, chatID, threadID)
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	bindingsPath := prefix + ".bindings.json"
	auditPath := prefix + ".audit.jsonl"
	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"

	bindings, err := loadBindingsSnapshot(bindingsPath)
	if err != nil {
		return nil, fmt.Errorf("load bindings: %w", err)
	}

	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load dedup from snapshot + journal.
	dedup := map[string]int64{}
	_ = loadDedupSnapshot(snapPath, dedup)
	_ = replayDedupJournal(journalPath, dedup)
	pruneExpiredDedup(dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		bindingsPath:      bindingsPath,
		bindings:          bindings,
		auditFile:         af,
		dedupSnapshotPath: snapPath,
		dedupJournalFile:  jf,
		dedup:             dedup,
		dedupWrites:       0,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.auditFile != nil {
		err1 = s.auditFile.Close()
		s.auditFile = nil
	}
	if s.dedupJournalFile != nil {
		err2 = s.dedupJournalFile.Close()
		s.dedupJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// ---- bindings ----

func (s *fileStore) UpsertBinding(ctx context.Context, b BindingRecord) error {
	_ = ctx
	if strings.TrimSpace(b.SourceKind) == "" {
		return errors.New("binding source kind is empty")
	}
	now := time.Now()
	if b.AttachedAt.IsZero() {
		b.AttachedAt = now
	}
	b.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bindings == nil {
		s.bindings = map[string]BindingRecord{}
	}
	key := bindingKey(b.SourceKind, b.ChatID, b.ThreadID)
	if old, ok := s.bindings[key]; ok {
		// Re-attach keeps the original attachment identity.
		b.AttachedBy = old.AttachedBy
		b.AttachedAt = old.AttachedAt
	}
	s.bindings[key] = b
	return s.writeBindingsLocked()
}

func (s *fileStore) UpdateCheckpoint(ctx context.Context, sourceKind string, chatID int64, threadID int, kind, doc string, at time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bindingKey(sourceKind, chatID, threadID)
	b, ok := s.bindings[key]
	if !ok {
		return ErrNotFound
	}
	b.CheckpointKind = kind
	b.CheckpointDoc = doc
	b.CheckpointTime = at
	b.UpdatedAt = time.Now()
	s.bindings[key] = b
	return s.writeBindingsLocked()
}

func (s *fileStore) DeleteBinding(ctx context.Context, sourceKind string, chatID int64, threadID int) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bindingKey(sourceKind, chatID, threadID)
	if _, ok := s.bindings[key]; !ok {
		return ErrNotFound
	}
	delete(s.bindings, key)
	return s.writeBindingsLocked()
}

func (s *fileStore) DeleteBindingsForChat(ctx context.Context, chatID int64) (int, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, b := range s.bindings {
		if b.ChatID == chatID {
			delete(s.bindings, k)
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return n, s.writeBindingsLocked()
}

func (s *fileStore) ListBindings(ctx context.Context) ([]BindingRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BindingRecord, 0, len(s.bindings))
	for _, b := range s.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceKind != out[j].SourceKind {
			return out[i].SourceKind < out[j].SourceKind
		}
		if out[i].ChatID != out[j].ChatID {
			return out[i].ChatID < out[j].ChatID
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out, nil
}

func (s *fileStore) writeBindingsLocked() error {
	list := make([]BindingRecord, 0, len(s.bindings))
	for _, b := range s.bindings {
		list = append(list, b)
	}
	sort.Slice(list, func(i, j int) bool {
		return bindingKey(list[i].SourceKind, list[i].ChatID, list[i].ThreadID) <
			bindingKey(list[j].SourceKind, list[j].ChatID, list[j].ThreadID)
	})

	tmp := s.bindingsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(list); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.bindingsPath)
}

func loadBindingsSnapshot(path string) (map[string]BindingRecord, error) {
	out := map[string]BindingRecord{}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	defer f.Close()
	var list []BindingRecord
	if err := json.NewDecoder(f).Decode(&list); err != nil {
		return nil, err
	}
	for _, b := range list {
		if strings.TrimSpace(b.SourceKind) == "" {
			continue
		}
		out[bindingKey(b.SourceKind, b.ChatID, b.ThreadID)] = b
	}
	return out, nil
}

// ---- audit ----

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	enc := json.NewEncoder(s.auditFile)
	if err := enc.Encode(e); err != nil {
		return err
	}
	return nil
}

// ---- dedup ----

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	if s.dedup == nil {
		s.dedup = map[string]int64{}
	}
	s.dedup[key] = ms

	// Append journal record.
	enc := json.NewEncoder(s.dedupJournalFile)
	if err := enc.Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedup == nil {
		return time.Time{}, false, nil
	}
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	if s.dedup == nil {
		return nil
	}
	pruneExpiredDedup(s.dedup)

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return s.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
