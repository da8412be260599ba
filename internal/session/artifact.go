package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// envelope wraps a driver artifact with the time it was saved. Compact JSON
// artifacts are embedded as State; anything else goes into Blob (base64) so
// Load returns the exact bytes.
type envelope struct {
	SavedAt time.Time       `json:"saved_at"`
	State   json.RawMessage `json:"state,omitempty"`
	Blob    []byte          `json:"blob,omitempty"`
}

// ArtifactStore keeps session artifacts as files under a state directory.
// Names are relative to the directory (Account.SessionRef).
type ArtifactStore struct {
	dir string
	now func() time.Time
}

func NewArtifactStore(dir string) *ArtifactStore {
	return &ArtifactStore{dir: dir, now: time.Now}
}

func (s *ArtifactStore) path(name string) string { return filepath.Join(s.dir, name) }

// Load returns the artifact and when it was saved. Files written by other
// tools (no envelope) are dated by their modification time.
func (s *ArtifactStore) Load(name string) ([]byte, time.Time, error) {
	if name == "" {
		return nil, time.Time{}, fs.ErrNotExist
	}
	p := s.path(name)
	raw, err := os.ReadFile(p)
	if err != nil {
		return nil, time.Time{}, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && !env.SavedAt.IsZero() {
		if len(env.State) > 0 {
			return []byte(env.State), env.SavedAt, nil
		}
		return env.Blob, env.SavedAt, nil
	}
	fi, err := os.Stat(p)
	if err != nil {
		return nil, time.Time{}, err
	}
	return bytes.TrimSpace(raw), fi.ModTime(), nil
}

// Save writes artifact wrapped in a fresh timestamp envelope.
func (s *ArtifactStore) Save(name string, artifact []byte) error {
	if name == "" {
		return errors.New("session artifact name is empty")
	}
	env := envelope{SavedAt: s.now()}
	if isCompactJSON(artifact) {
		env.State = json.RawMessage(artifact)
	} else {
		env.Blob = append([]byte{}, artifact...)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(env); err != nil {
		return err
	}
	b := buf.Bytes()
	p := s.path(name)
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("save session artifact %s: %w", name, err)
	}
	return nil
}

// isCompactJSON reports whether the encoder would embed b unchanged.
func isCompactJSON(b []byte) bool {
	if len(b) == 0 || !json.Valid(b) {
		return false
	}
	var out bytes.Buffer
	if err := json.Compact(&out, b); err != nil {
		return false
	}
	return bytes.Equal(out.Bytes(), b)
}

// Fresh reports whether an artifact saved at savedAt is still inside validity.
// A zero validity never expires.
func Fresh(savedAt time.Time, validity time.Duration, now time.Time) bool {
	if validity <= 0 {
		return true
	}
	return now.Sub(savedAt) < validity
}
