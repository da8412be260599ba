package catalog

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"postpilot/internal/domain"
	logx "postpilot/pkg/logx"
)

// AssetInput describes a new asset.
type AssetInput struct {
	Source      string
	Title       string
	Description string
	Category    string
	Topics      []string
}

// AssetFile is an AssetCatalog backed by a single JSON array file.
//
// The file is re-read on every call so edits made by other tools are picked
// up; writes replace it atomically.
type AssetFile struct {
	path string
	log  logx.Logger
	now  func() time.Time

	mu sync.Mutex
}

func NewAssetFile(path string, log logx.Logger) *AssetFile {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AssetFile{path: path, log: log, now: time.Now}
}

func (c *AssetFile) load() ([]domain.Asset, error) {
	var out []domain.Asset
	if _, err := readJSON(c.path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// List returns every asset in catalog order.
func (c *AssetFile) List(ctx context.Context) ([]domain.Asset, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

func (c *AssetFile) ListUnpublished(ctx context.Context, target domain.Target) ([]domain.Asset, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	all, err := c.load()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Asset, 0, len(all))
	for _, a := range all {
		if !a.IsPublished(target) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (c *AssetFile) Get(ctx context.Context, id string) (domain.Asset, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	all, err := c.load()
	if err != nil {
		return domain.Asset{}, err
	}
	for _, a := range all {
		if a.ID == id {
			return a, nil
		}
	}
	return domain.Asset{}, fmt.Errorf("asset %s: %w", id, domain.ErrNotFound)
}

func (c *AssetFile) MarkPublished(ctx context.Context, id string, target domain.Target, at time.Time) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	all, err := c.load()
	if err != nil {
		return err
	}
	for i := range all {
		if all[i].ID != id {
			continue
		}
		if !all[i].MarkPublished(target, at) {
			return nil
		}
		if err := writeJSON(c.path, all); err != nil {
			return err
		}
		c.log.Debug("asset marked published", logx.String("asset", id), logx.String("target", string(target)))
		return nil
	}
	return fmt.Errorf("asset %s: %w", id, domain.ErrNotFound)
}

// Add appends a new asset with the next sequential id (v001, v002, ...).
// Relative sources are resolved against the catalog directory; a missing
// source file is only warned about since media may be mounted later.
func (c *AssetFile) Add(ctx context.Context, in AssetInput) (domain.Asset, error) {
	_ = ctx
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return domain.Asset{}, errors.New("asset title is required")
	}
	src := strings.TrimSpace(in.Source)
	if src == "" {
		return domain.Asset{}, errors.New("asset source is required")
	}
	if !filepath.IsAbs(src) {
		src = filepath.Join(filepath.Dir(c.path), src)
	}
	if _, err := os.Stat(src); errors.Is(err, fs.ErrNotExist) {
		c.log.Warn("asset source does not exist", logx.String("source", src))
	}
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		desc = title
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	all, err := c.load()
	if err != nil {
		return domain.Asset{}, err
	}
	a := domain.Asset{
		ID:          nextAssetID(all),
		Source:      src,
		Title:       title,
		Description: desc,
		Category:    strings.TrimSpace(in.Category),
		Topics:      cleanTopics(in.Topics),
		AddedAt:     c.now(),
	}
	all = append(all, a)
	if err := writeJSON(c.path, all); err != nil {
		return domain.Asset{}, err
	}
	return a, nil
}

// Remove deletes an asset from the catalog.
func (c *AssetFile) Remove(ctx context.Context, id string) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	all, err := c.load()
	if err != nil {
		return err
	}
	out := all[:0]
	for _, a := range all {
		if a.ID != id {
			out = append(out, a)
		}
	}
	if len(out) == len(all) {
		return fmt.Errorf("asset %s: %w", id, domain.ErrNotFound)
	}
	return writeJSON(c.path, out)
}

func nextAssetID(all []domain.Asset) string {
	maxN := 0
	for _, a := range all {
		n, err := strconv.Atoi(strings.TrimPrefix(a.ID, "v"))
		if err == nil && n > maxN {
			maxN = n
		}
	}
	return fmt.Sprintf("v%03d", maxN+1)
}

func cleanTopics(in []string) []string {
	var out []string
	for _, t := range in {
		t = strings.TrimPrefix(strings.TrimSpace(t), "#")
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
