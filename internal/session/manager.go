// Package session hands out authenticated automation sessions per account.
//
// A Manager serves one target. It keeps at most one live session per account
// (the implicit account of single-account targets is keyed by ""), restores
// sessions from persisted artifacts while they are fresh and falls back to the
// driver's login flow otherwise.
package session

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"postpilot/internal/catalog"
	"postpilot/internal/domain"
	"postpilot/internal/driver"
	logx "postpilot/pkg/logx"
)

// ErrInUse is returned when the account's session is already acquired.
var ErrInUse = errors.New("session already acquired")

// Settings are the per-target session knobs.
type Settings struct {
	// Validity bounds the age of a stored artifact; 0 never expires.
	Validity     time.Duration
	StepTimeout  time.Duration
	LoginTimeout time.Duration
	// Reuse keeps a released session open for the next Acquire of the same
	// account until CloseAll.
	Reuse bool
}

type entry struct {
	s    driver.Session
	busy bool
}

type Manager struct {
	target    domain.Target
	drv       driver.Driver
	registry  catalog.AccountRegistry
	artifacts *ArtifactStore
	log       logx.Logger
	now       func() time.Time

	mu       sync.Mutex
	settings Settings
	live     map[string]*entry
}

func NewManager(target domain.Target, drv driver.Driver, registry catalog.AccountRegistry, artifacts *ArtifactStore, st Settings, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		target:    target,
		drv:       drv,
		registry:  registry,
		artifacts: artifacts,
		log:       log.With(logx.String("comp", "session"), logx.String("target", string(target))),
		now:       time.Now,
		settings:  st,
		live:      map[string]*entry{},
	}
}

// Apply swaps settings; live sessions are kept.
func (m *Manager) Apply(st Settings) {
	m.mu.Lock()
	m.settings = st
	m.mu.Unlock()
}

func (m *Manager) cfg() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// step bounds one driver call. Calls are not cancelable once issued, so the
// caller's cancellation is dropped and only the timeout applies.
func step(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx = context.WithoutCancel(ctx)
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// Acquire returns a live session for account. Failures are *domain.AuthError.
func (m *Manager) Acquire(ctx context.Context, account domain.Account) (driver.Session, error) {
	key := account.ID
	m.mu.Lock()
	if e, ok := m.live[key]; ok {
		if e.busy {
			m.mu.Unlock()
			return driver.Session{}, &domain.AuthError{Account: account.Label(), Err: ErrInUse}
		}
		e.busy = true
		m.mu.Unlock()
		m.log.Debug("session reused", logx.String("account", account.Label()))
		return e.s, nil
	}
	m.mu.Unlock()

	st := m.cfg()
	s, err := m.restore(ctx, account, st)
	if err != nil {
		m.log.Info("stored session unusable; logging in", logx.String("account", account.Label()), logx.String("why", err.Error()))
		s, err = m.login(ctx, account, st)
		if err != nil {
			return driver.Session{}, &domain.AuthError{Account: account.Label(), Err: err}
		}
	}

	m.mu.Lock()
	m.live[key] = &entry{s: s, busy: true}
	m.mu.Unlock()
	return s, nil
}

// restore opens the stored artifact if it is fresh and the driver confirms it.
func (m *Manager) restore(ctx context.Context, account domain.Account, st Settings) (driver.Session, error) {
	if !account.IsImplicit() && m.registry != nil {
		ok, err := m.registry.HasValidSession(ctx, m.target, account)
		if err != nil {
			return driver.Session{}, err
		}
		if !ok {
			return driver.Session{}, errors.New("no stored session")
		}
	}
	artifact, savedAt, err := m.artifacts.Load(account.SessionRef)
	if errors.Is(err, fs.ErrNotExist) {
		return driver.Session{}, errors.New("no stored session")
	}
	if err != nil {
		return driver.Session{}, err
	}
	if !Fresh(savedAt, st.Validity, m.now()) {
		return driver.Session{}, fmt.Errorf("stored session expired (saved %s)", savedAt.Format(time.RFC3339))
	}

	sctx, cancel := step(ctx, st.StepTimeout)
	defer cancel()
	s, err := m.drv.Open(sctx, account, artifact)
	if err != nil {
		return driver.Session{}, fmt.Errorf("open stored session: %w", err)
	}
	ok, err := m.drv.Verify(sctx, s)
	if err == nil && !ok {
		err = errors.New("stored session is no longer authenticated")
	}
	if err != nil {
		if cerr := m.drv.Close(sctx, s); cerr != nil {
			m.log.Debug("close rejected session failed", logx.Err(cerr))
		}
		return driver.Session{}, err
	}
	m.log.Info("stored session restored", logx.String("account", account.Label()), logx.Time("saved_at", savedAt))
	return s, nil
}

func (m *Manager) login(ctx context.Context, account domain.Account, st Settings) (driver.Session, error) {
	lctx, cancel := step(ctx, st.LoginTimeout)
	defer cancel()
	s, artifact, err := m.drv.Login(lctx, account)
	if err != nil {
		return driver.Session{}, fmt.Errorf("login: %w", err)
	}
	if err := m.artifacts.Save(account.SessionRef, artifact); err != nil {
		// The live session is usable; only the next run pays for another login.
		m.log.Warn("save session artifact failed", logx.String("account", account.Label()), logx.Err(err))
	} else {
		m.log.Info("logged in; session saved", logx.String("account", account.Label()), logx.String("artifact", account.SessionRef))
	}
	return s, nil
}

// Login runs the driver login flow for account even when a stored session
// is still usable, saves the new artifact and closes the session. A session
// kept open for reuse is closed first.
func (m *Manager) Login(ctx context.Context, account domain.Account) error {
	m.mu.Lock()
	e, ok := m.live[account.ID]
	if ok && e.busy {
		m.mu.Unlock()
		return &domain.AuthError{Account: account.Label(), Err: ErrInUse}
	}
	if ok {
		delete(m.live, account.ID)
	}
	st := m.settings
	m.mu.Unlock()
	if ok {
		m.closeSession(ctx, e.s, st)
	}

	s, err := m.login(ctx, account, st)
	if err != nil {
		return &domain.AuthError{Account: account.Label(), Err: err}
	}
	m.closeSession(ctx, s, st)
	return nil
}

// Release returns s to the manager. With Reuse the session stays open for
// the next Acquire; otherwise it is closed.
func (m *Manager) Release(ctx context.Context, s driver.Session) {
	m.mu.Lock()
	e, ok := m.live[s.Account]
	if ok && e.s.ID == s.ID && m.settings.Reuse {
		e.busy = false
		m.mu.Unlock()
		return
	}
	if ok && e.s.ID == s.ID {
		delete(m.live, s.Account)
	}
	st := m.settings
	m.mu.Unlock()
	m.closeSession(ctx, s, st)
}

// CloseAll closes every live session, acquired or not.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	live := m.live
	m.live = map[string]*entry{}
	st := m.settings
	m.mu.Unlock()
	for _, e := range live {
		m.closeSession(ctx, e.s, st)
	}
}

// Live reports how many sessions are open.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

func (m *Manager) closeSession(ctx context.Context, s driver.Session, st Settings) {
	cctx, cancel := step(ctx, st.StepTimeout)
	defer cancel()
	if err := m.drv.Close(cctx, s); err != nil {
		m.log.Warn("session close failed", logx.String("account", s.Account), logx.Err(err))
	}
}
