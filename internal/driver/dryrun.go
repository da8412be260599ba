package driver

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

// DryRun is a Driver that touches no platform. It checks that the asset
// source exists and logs what would have been submitted; use it to rehearse
// a batch end to end.
type DryRun struct {
	target domain.Target
	log    logx.Logger

	mu   sync.Mutex
	live map[string]bool
}

func NewDryRun(target domain.Target, log logx.Logger) *DryRun {
	return &DryRun{target: target, log: log, live: map[string]bool{}}
}

func (d *DryRun) newSession(account domain.Account) Session {
	s := Session{ID: uuid.NewString(), Target: d.target, Account: account.ID, OpenedAt: time.Now()}
	d.mu.Lock()
	d.live[s.ID] = true
	d.mu.Unlock()
	return s
}

func (d *DryRun) Open(ctx context.Context, account domain.Account, artifact []byte) (Session, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, err
	}
	return d.newSession(account), nil
}

func (d *DryRun) Verify(ctx context.Context, s Session) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live[s.ID], ctx.Err()
}

func (d *DryRun) Login(ctx context.Context, account domain.Account) (Session, []byte, error) {
	if err := ctx.Err(); err != nil {
		return Session{}, nil, err
	}
	artifact, _ := json.Marshal(map[string]any{"dryrun": true, "account": account.ID})
	return d.newSession(account), artifact, nil
}

func (d *DryRun) Publish(ctx context.Context, s Session, p Payload) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, domain.NewPublishError(err.Error(), err)
	}
	if ok, _ := d.Verify(ctx, s); !ok {
		return Result{}, domain.NewPublishError("session is not open", nil)
	}
	if p.Source != "" {
		if _, err := os.Stat(p.Source); errors.Is(err, fs.ErrNotExist) {
			return Result{}, domain.NewPublishError("source file not found: "+p.Source, err)
		}
	}
	d.log.Info("dry run publish",
		logx.String("job", p.JobID),
		logx.String("account", s.Account),
		logx.String("title", p.Title),
		logx.Time("scheduled_at", p.ScheduledAt),
		logx.Int("topics", len(p.Topics)),
	)
	return Result{}, nil
}

func (d *DryRun) Reset(ctx context.Context, s Session) error { return ctx.Err() }

func (d *DryRun) Close(ctx context.Context, s Session) error {
	d.mu.Lock()
	delete(d.live, s.ID)
	d.mu.Unlock()
	return nil
}

func (d *DryRun) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.live = map[string]bool{}
	d.mu.Unlock()
	return nil
}
