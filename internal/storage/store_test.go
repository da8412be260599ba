package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

func openDrivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{}
	for driver, path := range map[string]string{
		"file":   filepath.Join(dir, "batches"),
		"sqlite": filepath.Join(dir, "postpilot.db"),
	} {
		st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("open %s: %v", driver, err)
		}
		t.Cleanup(func() { _ = st.Close() })
		out[driver] = st
	}
	return out
}

func sampleBatch(date string) *domain.Batch {
	day, _ := time.Parse(domain.DateLayout, date)
	at := day.Add(-12 * time.Hour)
	b := &domain.Batch{
		Target:      domain.TargetDouyin,
		Date:        date,
		GeneratedAt: at,
		Accounts: []domain.Account{
			{ID: "001", Name: "a", Status: domain.AccountActive, SessionRef: "douyin_state_001.json"},
			{ID: "002", Name: "b", Status: domain.AccountActive, SessionRef: "douyin_state_002.json"},
		},
	}
	for i, acc := range []string{"001", "001", "002"} {
		b.Jobs = append(b.Jobs, domain.Job{
			ID:          domain.JobID(domain.TargetDouyin, day, i+1),
			Target:      domain.TargetDouyin,
			AccountID:   acc,
			AssetID:     "v00" + string(rune('1'+i)),
			Title:       "clip",
			ScheduledAt: day.Add(time.Duration(8+2*i) * time.Hour),
			Status:      domain.JobPending,
			CreatedAt:   at,
			UpdatedAt:   at,
		})
	}
	return b
}

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for driver, st := range openDrivers(t) {
		driver, st := driver, st
		t.Run(driver, func(t *testing.T) {
			b := sampleBatch("2024-03-01")
			if err := st.CreateBatch(ctx, b); err != nil {
				t.Fatalf("CreateBatch: %v", err)
			}
			got, err := st.LoadBatch(ctx, b.Key())
			if err != nil {
				t.Fatalf("LoadBatch: %v", err)
			}
			if len(got.Jobs) != 3 || got.Summary.Pending != 3 || got.Summary.Accounts != 2 {
				t.Fatalf("loaded batch = %+v", got.Summary)
			}
			for i := range b.Jobs {
				if got.Jobs[i].ID != b.Jobs[i].ID || !got.Jobs[i].ScheduledAt.Equal(b.Jobs[i].ScheduledAt) {
					t.Fatalf("job %d = %+v, want %+v", i, got.Jobs[i], b.Jobs[i])
				}
			}

			j, err := got.Jobs[1].Transition(domain.JobFailed, time.Now(), "upload rejected")
			if err != nil {
				t.Fatal(err)
			}
			if err := st.UpdateJob(ctx, b.Key(), j); err != nil {
				t.Fatalf("UpdateJob: %v", err)
			}
			got, err = st.LoadBatch(ctx, b.Key())
			if err != nil {
				t.Fatalf("reload: %v", err)
			}
			if got.Jobs[1].Status != domain.JobFailed || got.Jobs[1].Error != "upload rejected" {
				t.Fatalf("update not persisted: %+v", got.Jobs[1])
			}
			if got.Jobs[0].Status != domain.JobPending || got.Summary.Failed != 1 {
				t.Fatalf("unrelated job changed or summary stale: %+v", got.Summary)
			}

			err = st.CreateBatch(ctx, sampleBatch("2024-03-01"))
			if !errors.Is(err, domain.ErrBatchExists) {
				t.Fatalf("second CreateBatch = %v, want ErrBatchExists", err)
			}

			missing := domain.BatchKey{Target: domain.TargetDouyin, Date: "2030-01-01"}
			if _, err := st.LoadBatch(ctx, missing); !errors.Is(err, domain.ErrNotFound) || domain.IsStoreError(err) {
				t.Fatalf("LoadBatch missing = %v", err)
			}
			ghost := j
			ghost.ID = "task_douyin_20240301_099"
			if err := st.UpdateJob(ctx, b.Key(), ghost); !domain.IsStoreError(err) {
				t.Fatalf("UpdateJob unknown job = %v, want StoreError", err)
			}
		})
	}
}

func TestStoreLatestBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for driver, st := range openDrivers(t) {
		driver, st := driver, st
		t.Run(driver, func(t *testing.T) {
			if _, err := st.LatestBatch(ctx, domain.TargetDouyin); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("LatestBatch empty = %v", err)
			}
			for _, d := range []string{"2024-03-02", "2024-03-05", "2024-03-03"} {
				if err := st.CreateBatch(ctx, sampleBatch(d)); err != nil {
					t.Fatalf("CreateBatch %s: %v", d, err)
				}
			}
			got, err := st.LatestBatch(ctx, domain.TargetDouyin)
			if err != nil {
				t.Fatalf("LatestBatch: %v", err)
			}
			if got.Date != "2024-03-05" {
				t.Fatalf("latest = %s", got.Date)
			}
			keys, err := st.ListBatches(ctx, domain.TargetDouyin)
			if err != nil || len(keys) != 3 || keys[2].Date != "2024-03-02" {
				t.Fatalf("ListBatches = %v, %v", keys, err)
			}
		})
	}
}

func TestStoreDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for driver, st := range openDrivers(t) {
		driver, st := driver, st
		t.Run(driver, func(t *testing.T) {
			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			if err := st.PutDedup(ctx, "batch.finished:douyin", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "batch.finished:douyin")
			if err != nil || !ok || !got.Equal(until) {
				t.Fatalf("GetDedup = %v %v %v", got, ok, err)
			}
			if _, ok, _ := st.GetDedup(ctx, "other"); ok {
				t.Fatal("unexpected dedup hit")
			}
		})
	}
}

func TestFileStoreRejectsCorruptBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: dir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	if err := os.MkdirAll(filepath.Join(dir, "douyin"), 0o755); err != nil {
		t.Fatal(err)
	}
	doc := `{"target":"douyin","date":"2024-03-01","jobs":[{"id":"x","target":"douyin","asset_id":"v001","scheduled_at":"2024-03-01T08:00:00Z","status":"stuck"}]}`
	if err := os.WriteFile(filepath.Join(dir, "douyin", "2024-03-01.json"), []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err = st.LoadBatch(ctx, domain.BatchKey{Target: domain.TargetDouyin, Date: "2024-03-01"})
	if !errors.Is(err, domain.ErrSchema) || !domain.IsStoreError(err) {
		t.Fatalf("LoadBatch corrupt = %v, want StoreError wrapping ErrSchema", err)
	}
}
