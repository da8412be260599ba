package domain

import (
	"errors"
	"testing"
	"time"
)

func TestJobTransitions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from JobStatus
		to   JobStatus
		ok   bool
	}{
		{from: JobPending, to: JobProcessing, ok: true},
		{from: JobPending, to: JobFailed, ok: true},
		{from: JobPending, to: JobCompleted, ok: false},
		{from: JobProcessing, to: JobPublishing, ok: true},
		{from: JobProcessing, to: JobCompleted, ok: true},
		{from: JobProcessing, to: JobFailed, ok: true},
		{from: JobPublishing, to: JobCompleted, ok: true},
		{from: JobPublishing, to: JobProcessing, ok: false},
		{from: JobFailed, to: JobProcessing, ok: true},
		{from: JobCompleted, to: JobProcessing, ok: false},
		{from: JobCompleted, to: JobFailed, ok: false},
		{from: JobCompleted, to: JobPending, ok: false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestTransitionRecordsAndClearsError(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	j := Job{ID: "task_douyin_20240101_001", Status: JobPending}

	j, err := j.Transition(JobProcessing, t0, "")
	if err != nil {
		t.Fatalf("to processing: %v", err)
	}
	j, err = j.Transition(JobFailed, t0.Add(time.Minute), "upload timed out")
	if err != nil {
		t.Fatalf("to failed: %v", err)
	}
	if j.Error != "upload timed out" || !j.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("unexpected failed job: %+v", j)
	}
	j, err = j.Transition(JobProcessing, t0.Add(2*time.Minute), "")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if j.Error != "" {
		t.Fatalf("error not cleared on retry: %q", j.Error)
	}
	j, err = j.Transition(JobCompleted, t0.Add(3*time.Minute), "")
	if err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if _, err := j.Transition(JobProcessing, t0.Add(4*time.Minute), ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("completed job moved again: %v", err)
	}
}

func TestTransitionDoesNotMutateReceiver(t *testing.T) {
	t.Parallel()
	j := Job{ID: "a", Status: JobPending}
	if _, err := j.Transition(JobProcessing, time.Now(), ""); err != nil {
		t.Fatal(err)
	}
	if j.Status != JobPending {
		t.Fatalf("receiver mutated: %s", j.Status)
	}
}

func TestJobID(t *testing.T) {
	t.Parallel()
	d := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	if got := JobID(TargetWechat, d, 7); got != "task_wechat_20240309_007" {
		t.Fatalf("JobID = %s", got)
	}
}

func TestBatchSummaryAndValidate(t *testing.T) {
	t.Parallel()
	at := time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)
	b := &Batch{
		Target:   TargetDouyin,
		Date:     "2024-01-01",
		Accounts: []Account{{ID: "001", Status: AccountActive}},
		Jobs: []Job{
			{ID: "1", Target: TargetDouyin, AssetID: "v001", ScheduledAt: at, Status: JobPending},
			{ID: "2", Target: TargetDouyin, AssetID: "v002", ScheduledAt: at, Status: JobCompleted},
			{ID: "3", Target: TargetDouyin, AssetID: "v003", ScheduledAt: at, Status: JobFailed, Error: "boom"},
		},
	}
	s := b.Summarize()
	if s.Total != 3 || s.Pending != 1 || s.Completed != 1 || s.Failed != 1 || s.Runnable() != 2 {
		t.Fatalf("unexpected summary: %+v", s)
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	b.Jobs[0].Status = "queued"
	if err := b.Validate(); !errors.Is(err, ErrSchema) {
		t.Fatalf("expected schema error, got %v", err)
	}
	b.Jobs[0].Status = JobPending
	b.Jobs[2].Error = ""
	if err := b.Validate(); !errors.Is(err, ErrSchema) {
		t.Fatalf("failed job without error should be rejected, got %v", err)
	}
}

func TestAssetMarkPublishedIdempotent(t *testing.T) {
	t.Parallel()
	a := Asset{ID: "v001"}
	first := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if !a.MarkPublished(TargetDouyin, first) {
		t.Fatal("first mark should change the asset")
	}
	if a.MarkPublished(TargetDouyin, first.Add(time.Hour)) {
		t.Fatal("second mark should be a no-op")
	}
	if !a.IsPublished(TargetDouyin) || a.IsPublished(TargetWechat) {
		t.Fatalf("unexpected published map: %+v", a.Published)
	}
	if !a.Published[TargetDouyin].Equal(first) {
		t.Fatalf("timestamp overwritten: %v", a.Published[TargetDouyin])
	}
}

func TestGenerationErrorIs(t *testing.T) {
	t.Parallel()
	var err error = &GenerationError{Kind: ErrBatchExists, Target: TargetDouyin, Date: "2024-01-01"}
	if !errors.Is(err, ErrBatchExists) || errors.Is(err, ErrNoAssets) {
		t.Fatalf("errors.Is mismatch for %v", err)
	}
	if got := Reason(NewPublishError("title box missing", errors.New("selector"))); got != "title box missing" {
		t.Fatalf("Reason = %q", got)
	}
}
