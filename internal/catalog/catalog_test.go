package catalog

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

func TestAssetFileAddListMark(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	c := NewAssetFile(filepath.Join(dir, "assets.json"), logx.Nop())

	a1, err := c.Add(ctx, AssetInput{Source: "clips/a.mp4", Title: "first", Topics: []string{"#cats", " ", "dogs"}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if a1.ID != "v001" || a1.Description != "first" {
		t.Fatalf("unexpected asset: %+v", a1)
	}
	if a1.Source != filepath.Join(dir, "clips/a.mp4") {
		t.Fatalf("relative source not resolved: %s", a1.Source)
	}
	if len(a1.Topics) != 2 || a1.Topics[0] != "cats" {
		t.Fatalf("topics not cleaned: %v", a1.Topics)
	}
	a2, err := c.Add(ctx, AssetInput{Source: "/abs/b.mp4", Title: "second", Description: "desc"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if a2.ID != "v002" {
		t.Fatalf("id = %s, want v002", a2.ID)
	}

	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if err := c.MarkPublished(ctx, "v001", domain.TargetDouyin, at); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}
	// Retried callback: still true, no error.
	if err := c.MarkPublished(ctx, "v001", domain.TargetDouyin, at.Add(time.Hour)); err != nil {
		t.Fatalf("MarkPublished twice: %v", err)
	}

	un, err := c.ListUnpublished(ctx, domain.TargetDouyin)
	if err != nil {
		t.Fatalf("ListUnpublished: %v", err)
	}
	if len(un) != 1 || un[0].ID != "v002" {
		t.Fatalf("unpublished = %+v", un)
	}
	un, _ = c.ListUnpublished(ctx, domain.TargetWechat)
	if len(un) != 2 {
		t.Fatalf("wechat unpublished = %d, want 2", len(un))
	}
	got, err := c.Get(ctx, "v001")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.Published[domain.TargetDouyin].Equal(at) {
		t.Fatalf("timestamp changed by retried callback: %v", got.Published)
	}

	if err := c.Remove(ctx, "v001"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := c.Get(ctx, "v001"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get removed = %v", err)
	}
	if err := c.MarkPublished(ctx, "nope", domain.TargetDouyin, at); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("MarkPublished missing = %v", err)
	}
}

func TestAccountFileOrderingAndStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	r := NewAccountFile(dir, filepath.Join(dir, "state"), logx.Nop())

	for _, name := range []string{"alpha", "beta", "gamma"} {
		if _, err := r.Add(ctx, domain.TargetDouyin, name); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if err := r.SetStatus(ctx, domain.TargetDouyin, "002", domain.AccountDisabled); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	active, err := r.ListActive(ctx, domain.TargetDouyin)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 2 || active[0].ID != "001" || active[1].ID != "003" {
		t.Fatalf("active = %+v", active)
	}
	if active[0].SessionRef != "douyin_state_001.json" {
		t.Fatalf("session ref = %s", active[0].SessionRef)
	}
	if err := r.Rename(ctx, domain.TargetDouyin, "009", "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Rename missing = %v", err)
	}
}

func TestAccountFileDetectsSessionArtifacts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	stateDir := filepath.Join(dir, "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, n := range []string{"douyin_state_002.json", "douyin_state_001.json", "wechat_state.json", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(stateDir, n), []byte("{}"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	r := NewAccountFile(dir, stateDir, logx.Nop())
	got, err := r.ListActive(ctx, domain.TargetDouyin)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(got) != 2 || got[0].ID != "001" || got[1].ID != "002" {
		t.Fatalf("detected = %+v", got)
	}
	ok, err := r.HasValidSession(ctx, domain.TargetDouyin, got[0])
	if err != nil || !ok {
		t.Fatalf("HasValidSession = %v, %v", ok, err)
	}
	ok, _ = r.HasValidSession(ctx, domain.TargetDouyin, domain.Account{ID: "003", SessionRef: "douyin_state_003.json"})
	if ok {
		t.Fatal("missing artifact reported valid")
	}
	if _, err := os.Stat(filepath.Join(dir, "douyin_accounts.json")); err != nil {
		t.Fatalf("detected accounts not persisted: %v", err)
	}
}
