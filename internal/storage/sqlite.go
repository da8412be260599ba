package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const tsLayout = time.RFC3339Nano

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
		return nil, storeErr("open", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, storeErr("open", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &sqliteStore{db: db, log: log, pruneEvery: 200}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, storeErr("migrate", err)
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

func (s *sqliteStore) CreateBatch(ctx context.Context, b *domain.Batch) error {
	if err := b.Validate(); err != nil {
		return storeErr("create", err)
	}
	accounts, err := json.Marshal(b.Accounts)
	if err != nil {
		return storeErr("create", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("create", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE target = ? AND date = ?`, string(b.Target), b.Date,
	).Scan(&n); err != nil {
		return storeErr("create", err)
	}
	if n > 0 {
		return fmt.Errorf("batch %s: %w", b.Key(), domain.ErrBatchExists)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO batches(target, date, generated_at, accounts) VALUES(?,?,?,?)
		 ON CONFLICT(target, date) DO UPDATE SET generated_at=excluded.generated_at, accounts=excluded.accounts`,
		string(b.Target), b.Date, b.GeneratedAt.Format(tsLayout), string(accounts),
	); err != nil {
		return storeErr("create", err)
	}
	for i, j := range b.Jobs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO jobs(id, target, date, seq, account_id, asset_id, title, scheduled_at, status, created_at, updated_at, error)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
			j.ID, string(j.Target), b.Date, i, j.AccountID, j.AssetID, j.Title,
			j.ScheduledAt.Format(tsLayout), string(j.Status),
			j.CreatedAt.Format(tsLayout), j.UpdatedAt.Format(tsLayout), j.Error,
		); err != nil {
			return storeErr("create", fmt.Errorf("job %s: %w", j.ID, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("create", err)
	}
	b.Summarize()
	return nil
}

func (s *sqliteStore) LoadBatch(ctx context.Context, key domain.BatchKey) (*domain.Batch, error) {
	var generated, accounts string
	err := s.db.QueryRowContext(ctx,
		`SELECT generated_at, accounts FROM batches WHERE target = ? AND date = ?`,
		string(key.Target), key.Date,
	).Scan(&generated, &accounts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", key, domain.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("load", err)
	}

	b := &domain.Batch{Target: key.Target, Date: key.Date}
	if b.GeneratedAt, err = parseTS(generated); err != nil {
		return nil, storeErr("load", fmt.Errorf("%w: batch %s generated_at: %v", domain.ErrSchema, key, err))
	}
	if err := json.Unmarshal([]byte(accounts), &b.Accounts); err != nil {
		return nil, storeErr("load", fmt.Errorf("%w: batch %s accounts: %v", domain.ErrSchema, key, err))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target, account_id, asset_id, title, scheduled_at, status, created_at, updated_at, error
		 FROM jobs WHERE target = ? AND date = ? ORDER BY seq`,
		string(key.Target), key.Date,
	)
	if err != nil {
		return nil, storeErr("load", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			j                          domain.Job
			target, status             string
			scheduled, created, update string
		)
		if err := rows.Scan(&j.ID, &target, &j.AccountID, &j.AssetID, &j.Title,
			&scheduled, &status, &created, &update, &j.Error); err != nil {
			return nil, storeErr("load", err)
		}
		j.Target, j.Status = domain.Target(target), domain.JobStatus(status)
		for _, f := range []struct {
			dst *time.Time
			raw string
		}{{&j.ScheduledAt, scheduled}, {&j.CreatedAt, created}, {&j.UpdatedAt, update}} {
			if *f.dst, err = parseTS(f.raw); err != nil {
				return nil, storeErr("load", fmt.Errorf("%w: job %s: %v", domain.ErrSchema, j.ID, err))
			}
		}
		b.Jobs = append(b.Jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("load", err)
	}
	if err := b.Validate(); err != nil {
		return nil, storeErr("load", err)
	}
	b.Summarize()
	return b, nil
}

func (s *sqliteStore) LatestBatch(ctx context.Context, target domain.Target) (*domain.Batch, error) {
	var date string
	err := s.db.QueryRowContext(ctx,
		`SELECT date FROM batches WHERE target = ? ORDER BY date DESC LIMIT 1`, string(target),
	).Scan(&date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batches for %s: %w", target, domain.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("load", err)
	}
	return s.LoadBatch(ctx, domain.BatchKey{Target: target, Date: date})
}

func (s *sqliteStore) ListBatches(ctx context.Context, target domain.Target) ([]domain.BatchKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date FROM batches WHERE target = ? ORDER BY date DESC`, string(target))
	if err != nil {
		return nil, storeErr("list", err)
	}
	defer rows.Close()
	var out []domain.BatchKey
	for rows.Next() {
		var date string
		if err := rows.Scan(&date); err != nil {
			return nil, storeErr("list", err)
		}
		out = append(out, domain.BatchKey{Target: target, Date: date})
	}
	return out, storeErr("list", rows.Err())
}

func (s *sqliteStore) UpdateJob(ctx context.Context, key domain.BatchKey, job domain.Job) error {
	if !job.Status.Valid() || (job.Status == domain.JobFailed && job.Error == "") {
		return storeErr("update", fmt.Errorf("%w: job %s status %q error %q", domain.ErrSchema, job.ID, job.Status, job.Error))
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ?, error = ? WHERE id = ? AND target = ? AND date = ?`,
		string(job.Status), job.UpdatedAt.Format(tsLayout), job.Error, job.ID, string(key.Target), key.Date,
	)
	if err != nil {
		return storeErr("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update", err)
	}
	if n == 0 {
		return storeErr("update", fmt.Errorf("job %s in batch %s: %w", job.ID, key, domain.ErrNotFound))
	}
	return nil
}

func (s *sqliteStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup(key, until) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET until=excluded.until`,
		key, until.UnixMilli(),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		if _, perr := s.db.ExecContext(pctx, `DELETE FROM dedup WHERE until < ?`, time.Now().UnixMilli()); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return storeErr("dedup", err)
}

func (s *sqliteStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	if key == "" {
		return time.Time{}, false, nil
	}
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM dedup WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, storeErr("dedup", err)
	}
	return time.UnixMilli(ms), true, nil
}

func parseTS(raw string) (time.Time, error) {
	return time.Parse(tsLayout, raw)
}
