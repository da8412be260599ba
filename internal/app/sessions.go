package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"postpilot/internal/config"
	"postpilot/internal/domain"
	"postpilot/internal/session"
)

// SessionState describes the stored session artifact of one account.
type SessionState struct {
	Account  domain.Account
	Stored   bool
	SavedAt  time.Time
	Age      time.Duration
	Validity time.Duration // 0 = never expires
	Fresh    bool
}

// Expired reports a stored artifact that is past its validity window.
func (s SessionState) Expired() bool { return s.Stored && !s.Fresh }

// Sessions reports the stored session of every account of a target. Single
// account targets report their one implicit account.
func (a *App) Sessions(ctx context.Context, name string) ([]SessionState, error) {
	t, err := a.Config().Target(name)
	if err != nil {
		return nil, err
	}
	accounts, err := a.accountsOf(ctx, t)
	if err != nil {
		return nil, err
	}
	out := make([]SessionState, 0, len(accounts))
	for _, acc := range accounts {
		st, err := a.sessionState(t, acc)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Login refreshes the stored session of one account. Without force a fresh
// artifact the driver still accepts is kept; otherwise the driver's login
// flow runs and the new artifact is saved. id is ignored for single account
// targets.
func (a *App) Login(ctx context.Context, name, id string, force bool) (SessionState, error) {
	rt, err := a.runtime(name)
	if err != nil {
		return SessionState{}, err
	}
	a.mu.RLock()
	t := rt.cfg
	a.mu.RUnlock()

	acc, err := a.account(ctx, t, id)
	if err != nil {
		return SessionState{}, err
	}
	if force {
		if err := rt.sessions.Login(ctx, acc); err != nil {
			return SessionState{}, err
		}
	} else {
		s, err := rt.sessions.Acquire(ctx, acc)
		if err != nil {
			return SessionState{}, err
		}
		rt.sessions.Release(ctx, s)
	}
	return a.sessionState(t, acc)
}

func (a *App) accountsOf(ctx context.Context, t config.Target) ([]domain.Account, error) {
	if !t.MultiAccount {
		acc := domain.ImplicitAccount(t.Name)
		acc.SessionRef = t.SessionFile
		return []domain.Account{acc}, nil
	}
	return a.accounts.List(ctx, t.Name)
}

func (a *App) account(ctx context.Context, t config.Target, id string) (domain.Account, error) {
	accounts, err := a.accountsOf(ctx, t)
	if err != nil {
		return domain.Account{}, err
	}
	if !t.MultiAccount {
		return accounts[0], nil
	}
	if id == "" {
		return domain.Account{}, fmt.Errorf("%s has several accounts; an account id is required", t.Name)
	}
	for _, acc := range accounts {
		if acc.ID == id {
			return acc, nil
		}
	}
	return domain.Account{}, fmt.Errorf("%s account %s: %w", t.Name, id, domain.ErrNotFound)
}

func (a *App) sessionState(t config.Target, acc domain.Account) (SessionState, error) {
	st := SessionState{Account: acc, Validity: t.SessionValidity}
	_, savedAt, err := a.artifacts.Load(acc.SessionRef)
	if errors.Is(err, fs.ErrNotExist) {
		return st, nil
	}
	if err != nil {
		return st, fmt.Errorf("session artifact %s: %w", acc.SessionRef, err)
	}
	now := a.now()
	st.Stored = true
	st.SavedAt = savedAt
	st.Age = now.Sub(savedAt)
	st.Fresh = session.Fresh(savedAt, t.SessionValidity, now)
	return st, nil
}
