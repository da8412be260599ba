package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

// AccountFile is an AccountRegistry keeping one JSON file per target
// (<dir>/<target>_accounts.json). Session artifacts live in stateDir and are
// referenced by Account.SessionRef.
type AccountFile struct {
	dir      string
	stateDir string
	log      logx.Logger
	now      func() time.Time

	mu sync.Mutex
}

func NewAccountFile(dir, stateDir string, log logx.Logger) *AccountFile {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AccountFile{dir: dir, stateDir: stateDir, log: log, now: time.Now}
}

func (r *AccountFile) path(t domain.Target) string {
	return filepath.Join(r.dir, string(t)+"_accounts.json")
}

// SessionFileName is the conventional artifact name for an account.
func SessionFileName(t domain.Target, accountID string) string {
	return fmt.Sprintf("%s_state_%s.json", t, accountID)
}

func (r *AccountFile) load(t domain.Target) ([]domain.Account, error) {
	var out []domain.Account
	if _, err := readJSON(r.path(t), &out); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// List returns all accounts of a target ordered by id. An empty registry is
// seeded from session artifacts found in the state directory.
func (r *AccountFile) List(ctx context.Context, t domain.Target) ([]domain.Account, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	all, err := r.load(t)
	if err != nil {
		return nil, err
	}
	if len(all) > 0 {
		return all, nil
	}
	detected, err := r.detectLocked(t)
	if err != nil || len(detected) == 0 {
		return nil, err
	}
	if err := writeJSON(r.path(t), detected); err != nil {
		return nil, err
	}
	r.log.Info("accounts detected from session artifacts", logx.String("target", string(t)), logx.Int("count", len(detected)))
	return detected, nil
}

func (r *AccountFile) ListActive(ctx context.Context, t domain.Target) ([]domain.Account, error) {
	all, err := r.List(ctx, t)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Account, 0, len(all))
	for _, a := range all {
		if a.Status == domain.AccountActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *AccountFile) HasValidSession(ctx context.Context, t domain.Target, a domain.Account) (bool, error) {
	_ = ctx
	_ = t
	if strings.TrimSpace(a.SessionRef) == "" {
		return false, nil
	}
	_, err := os.Stat(filepath.Join(r.stateDir, a.SessionRef))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

// Add registers a new account with the next sequential id (001, 002, ...).
func (r *AccountFile) Add(ctx context.Context, t domain.Target, name string) (domain.Account, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	all, err := r.load(t)
	if err != nil {
		return domain.Account{}, err
	}
	id := nextAccountID(all)
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("%s-%s", t, id)
	}
	a := domain.Account{
		ID:         id,
		Name:       strings.TrimSpace(name),
		Status:     domain.AccountActive,
		SessionRef: SessionFileName(t, id),
		AddedAt:    r.now(),
	}
	if err := writeJSON(r.path(t), append(all, a)); err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// SetStatus enables or disables an account.
func (r *AccountFile) SetStatus(ctx context.Context, t domain.Target, id string, st domain.AccountStatus) error {
	if !st.Valid() {
		return fmt.Errorf("invalid account status %q", st)
	}
	return r.update(ctx, t, id, func(a *domain.Account) { a.Status = st })
}

// Rename changes an account's display name.
func (r *AccountFile) Rename(ctx context.Context, t domain.Target, id, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("account name is required")
	}
	return r.update(ctx, t, id, func(a *domain.Account) { a.Name = name })
}

func (r *AccountFile) update(ctx context.Context, t domain.Target, id string, fn func(*domain.Account)) error {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()
	all, err := r.load(t)
	if err != nil {
		return err
	}
	for i := range all {
		if all[i].ID == id {
			fn(&all[i])
			return writeJSON(r.path(t), all)
		}
	}
	return fmt.Errorf("account %s/%s: %w", t, id, domain.ErrNotFound)
}

// detectLocked scans the state directory for <target>_state_<id>.json files.
func (r *AccountFile) detectLocked(t domain.Target) ([]domain.Account, error) {
	entries, err := os.ReadDir(r.stateDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	prefix := string(t) + "_state_"
	var out []domain.Account
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
		if id == "" {
			continue
		}
		out = append(out, domain.Account{
			ID:         id,
			Name:       fmt.Sprintf("%s-%s", t, id),
			Status:     domain.AccountActive,
			SessionRef: name,
			AddedAt:    r.now(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func nextAccountID(all []domain.Account) string {
	maxN := 0
	for _, a := range all {
		if n, err := strconv.Atoi(a.ID); err == nil && n > maxN {
			maxN = n
		}
	}
	return fmt.Sprintf("%03d", maxN+1)
}
