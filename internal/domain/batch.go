package domain

import (
	"fmt"
	"time"
)

// BatchKey identifies the single batch of a (target, date) pair.
type BatchKey struct {
	Target Target
	Date   string // YYYY-MM-DD
}

func (k BatchKey) String() string { return string(k.Target) + "/" + k.Date }

// Summary is derived from the job list; it is persisted alongside the batch
// so operators can read counts without replaying history.
type Summary struct {
	Accounts   int `json:"accounts"`
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Publishing int `json:"publishing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Runnable is the number of jobs an execute pass would pick up.
func (s Summary) Runnable() int { return s.Pending + s.Failed }

// Batch is the full set of jobs generated for one target and one date.
type Batch struct {
	Target      Target    `json:"target"`
	Date        string    `json:"date"`
	GeneratedAt time.Time `json:"generated_at"`
	Accounts    []Account `json:"accounts"`
	Jobs        []Job     `json:"jobs"`
	Summary     Summary   `json:"summary"`
}

func (b *Batch) Key() BatchKey { return BatchKey{Target: b.Target, Date: b.Date} }

// Summarize recomputes the summary counts from the job list.
func (b *Batch) Summarize() Summary {
	s := Summary{Accounts: len(b.Accounts), Total: len(b.Jobs)}
	for _, j := range b.Jobs {
		switch j.Status {
		case JobPending:
			s.Pending++
		case JobProcessing:
			s.Processing++
		case JobPublishing:
			s.Publishing++
		case JobCompleted:
			s.Completed++
		case JobFailed:
			s.Failed++
		}
	}
	b.Summary = s
	return s
}

// Index returns the position of job id, or -1.
func (b *Batch) Index(id string) int {
	for i := range b.Jobs {
		if b.Jobs[i].ID == id {
			return i
		}
	}
	return -1
}

// Replace swaps in an updated copy of a job and refreshes the summary.
func (b *Batch) Replace(j Job) error {
	i := b.Index(j.ID)
	if i < 0 {
		return fmt.Errorf("%w: job %s in batch %s", ErrNotFound, j.ID, b.Key())
	}
	b.Jobs[i] = j
	b.Summarize()
	return nil
}

// Account returns the snapshot entry for id.
func (b *Batch) Account(id string) (Account, bool) {
	for _, a := range b.Accounts {
		if a.ID == id {
			return a, true
		}
	}
	return Account{}, false
}

// Validate checks the batch and every job on load; violations wrap ErrSchema.
func (b *Batch) Validate() error {
	if b.Target == "" {
		return fmt.Errorf("%w: batch without target", ErrSchema)
	}
	if _, err := time.Parse(DateLayout, b.Date); err != nil {
		return fmt.Errorf("%w: batch %s has invalid date %q", ErrSchema, b.Target, b.Date)
	}
	seen := make(map[string]struct{}, len(b.Jobs))
	for _, j := range b.Jobs {
		if err := j.Validate(); err != nil {
			return err
		}
		if j.Target != b.Target {
			return fmt.Errorf("%w: job %s targets %s inside %s batch", ErrSchema, j.ID, j.Target, b.Target)
		}
		if _, dup := seen[j.ID]; dup {
			return fmt.Errorf("%w: duplicate job id %s", ErrSchema, j.ID)
		}
		seen[j.ID] = struct{}{}
	}
	for _, a := range b.Accounts {
		if !a.Status.Valid() {
			return fmt.Errorf("%w: account %s has unknown status %q", ErrSchema, a.ID, a.Status)
		}
	}
	return nil
}
