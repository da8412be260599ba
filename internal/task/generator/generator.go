// Package generator turns the assets and accounts available for a target into
// a persisted batch of pending publish jobs for one calendar date.
package generator

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"postpilot/internal/catalog"
	"postpilot/internal/domain"
	"postpilot/internal/eventbus"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// Settings are the per-target generation knobs.
type Settings struct {
	MultiAccount  bool
	AssetsPerUnit int
	StartHour     int
	IntervalHours int
	TitleMaxRunes int // 0 = keep titles as-is
	// SessionFile is the artifact of the implicit account when MultiAccount is false.
	SessionFile string
}

type Generator struct {
	assets   catalog.AssetCatalog
	accounts catalog.AccountRegistry
	store    storage.Store
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
}

func New(assets catalog.AssetCatalog, accounts catalog.AccountRegistry, store storage.Store, bus eventbus.Bus, log logx.Logger) *Generator {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Generator{
		assets:   assets,
		accounts: accounts,
		store:    store,
		bus:      bus,
		log:      log.With(logx.String("comp", "generator")),
		now:      time.Now,
	}
}

// SetClock overrides the time source (tests).
func (g *Generator) SetClock(now func() time.Time) { g.now = now }

// Generate builds and persists the batch of target for the calendar day of date.
//
// Failures that leave nothing persisted are *domain.GenerationError; match the
// kind with errors.Is (domain.ErrNoAccounts, ErrNoAssets, ErrBatchExists, ErrPastDate).
func (g *Generator) Generate(ctx context.Context, target domain.Target, st Settings, date time.Time) (*domain.Batch, error) {
	now := g.now()
	day := domain.DateOf(date)
	key := domain.BatchKey{Target: target, Date: domain.DateKey(day)}
	genErr := func(kind error) error {
		return &domain.GenerationError{Kind: kind, Target: target, Date: key.Date}
	}

	if day.Before(domain.DateOf(now.In(day.Location()))) {
		return nil, genErr(domain.ErrPastDate)
	}

	existing, err := g.store.LoadBatch(ctx, key)
	switch {
	case err == nil && len(existing.Jobs) > 0:
		return nil, genErr(domain.ErrBatchExists)
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}

	accounts, err := g.activeAccounts(ctx, target, st)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, genErr(domain.ErrNoAccounts)
	}

	assets, err := g.assets.ListUnpublished(ctx, target)
	if err != nil {
		return nil, err
	}
	if len(assets) == 0 {
		return nil, genErr(domain.ErrNoAssets)
	}

	b := &domain.Batch{
		Target:      target,
		Date:        key.Date,
		GeneratedAt: now,
		Accounts:    accounts,
	}
	counts := Allocate(len(accounts), st.AssetsPerUnit, len(assets))
	next := 0
	for i, acc := range accounts {
		n := counts[i]
		if n == 0 {
			g.log.Info("account skipped: no assets left", logx.String("target", string(target)), logx.String("account", acc.Label()))
			continue
		}
		slots, err := Slots(day, n, st.StartHour, st.IntervalHours)
		if err != nil {
			return nil, err
		}
		for k, at := range slots {
			asset := assets[next+k]
			b.Jobs = append(b.Jobs, domain.Job{
				ID:          domain.JobID(target, day, len(b.Jobs)+1),
				Target:      target,
				AccountID:   acc.ID,
				AssetID:     asset.ID,
				Title:       TruncateTitle(asset.Title, st.TitleMaxRunes),
				ScheduledAt: at,
				Status:      domain.JobPending,
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
		next += n
	}

	if err := g.store.CreateBatch(ctx, b); err != nil {
		if errors.Is(err, domain.ErrBatchExists) {
			return nil, genErr(domain.ErrBatchExists)
		}
		return nil, err
	}
	b.Summarize()

	g.log.Info("batch generated",
		logx.String("batch", key.String()),
		logx.Int("accounts", len(accounts)),
		logx.Int("jobs", len(b.Jobs)),
		logx.Int("unassigned", len(assets)-next),
	)
	eventbus.Emit(g.bus, eventbus.TypeBatchGenerated, eventbus.BatchGenerated{
		Target:   string(target),
		Date:     key.Date,
		Accounts: len(accounts),
		Jobs:     len(b.Jobs),
	})
	return b, nil
}

func (g *Generator) activeAccounts(ctx context.Context, target domain.Target, st Settings) ([]domain.Account, error) {
	if !st.MultiAccount {
		acc := domain.ImplicitAccount(target)
		acc.SessionRef = st.SessionFile
		return []domain.Account{acc}, nil
	}
	return g.accounts.ListActive(ctx, target)
}

// TruncateTitle cuts title to at most limit runes; limit <= 0 keeps it whole.
func TruncateTitle(title string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(title) <= limit {
		return title
	}
	return string([]rune(title)[:limit])
}
