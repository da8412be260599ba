package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

// fileStore keeps one JSON document per batch.
//
// Files:
//   - <dir>/<target>/<date>.json  (batch document, atomic rewrite)
//   - <dir>/dedup.snapshot.json   (notifier dedup deadlines)
type fileStore struct {
	dir string
	log logx.Logger

	// mu serializes read-modify-write cycles; one process owns the directory.
	mu sync.Mutex

	dedupPath string
	dedup     map[string]int64 // unix milli
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storeErr("open", err)
	}
	s := &fileStore{
		dir:       dir,
		log:       log,
		dedupPath: filepath.Join(dir, "dedup.snapshot.json"),
		dedup:     map[string]int64{},
	}
	if err := loadDedupSnapshot(s.dedupPath, s.dedup); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("dedup snapshot unreadable; starting empty", logx.Err(err))
	}
	pruneExpiredDedup(s.dedup)
	return s, nil
}

func (s *fileStore) batchPath(key domain.BatchKey) string {
	return filepath.Join(s.dir, string(key.Target), key.Date+".json")
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) CreateBatch(ctx context.Context, b *domain.Batch) error {
	_ = ctx
	if err := b.Validate(); err != nil {
		return storeErr("create", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.readLocked(b.Key())
	switch {
	case err == nil && len(cur.Jobs) > 0:
		return fmt.Errorf("batch %s: %w", b.Key(), domain.ErrBatchExists)
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return err
	}
	b.Summarize()
	return storeErr("create", writeAtomic(s.batchPath(b.Key()), b))
}

func (s *fileStore) LoadBatch(ctx context.Context, key domain.BatchKey) (*domain.Batch, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(key)
}

func (s *fileStore) LatestBatch(ctx context.Context, target domain.Target) (*domain.Batch, error) {
	keys, err := s.ListBatches(ctx, target)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("batches for %s: %w", target, domain.ErrNotFound)
	}
	return s.LoadBatch(ctx, keys[0])
}

func (s *fileStore) ListBatches(ctx context.Context, target domain.Target) ([]domain.BatchKey, error) {
	_ = ctx
	entries, err := os.ReadDir(filepath.Join(s.dir, string(target)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("list", err)
	}
	var out []domain.BatchKey
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		date := strings.TrimSuffix(name, ".json")
		if _, err := time.Parse(domain.DateLayout, date); err != nil {
			continue
		}
		out = append(out, domain.BatchKey{Target: target, Date: date})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return out, nil
}

func (s *fileStore) UpdateJob(ctx context.Context, key domain.BatchKey, job domain.Job) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.readLocked(key)
	if err != nil {
		return storeErr("update", err)
	}
	i := b.Index(job.ID)
	if i < 0 {
		return storeErr("update", fmt.Errorf("job %s in batch %s: %w", job.ID, key, domain.ErrNotFound))
	}
	cur := b.Jobs[i]
	cur.Status, cur.UpdatedAt, cur.Error = job.Status, job.UpdatedAt, job.Error
	if err := cur.Validate(); err != nil {
		return storeErr("update", err)
	}
	b.Jobs[i] = cur
	b.Summarize()
	return storeErr("update", writeAtomic(s.batchPath(key), b))
}

// readLocked loads and validates a batch document.
func (s *fileStore) readLocked(key domain.BatchKey) (*domain.Batch, error) {
	raw, err := os.ReadFile(s.batchPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("batch %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("load", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("batch %s: %w", key, domain.ErrNotFound)
	}
	var b domain.Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, storeErr("load", fmt.Errorf("%w: batch %s: %v", domain.ErrSchema, key, err))
	}
	if b.Target != key.Target || b.Date != key.Date {
		return nil, storeErr("load", fmt.Errorf("%w: file %s holds batch %s", domain.ErrSchema, s.batchPath(key), b.Key()))
	}
	if err := b.Validate(); err != nil {
		return nil, storeErr("load", err)
	}
	b.Summarize()
	return &b, nil
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dedup[key] = until.UnixMilli()
	pruneExpiredDedup(s.dedup)
	return storeErr("dedup", writeAtomic(s.dedupPath, s.dedup))
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// writeAtomic replaces path with the JSON encoding of v (tmp file, fsync, rename).
func writeAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(b, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var m map[string]int64
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
