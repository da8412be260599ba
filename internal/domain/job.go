package domain

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobPublishing JobStatus = "publishing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobProcessing, JobPublishing, JobCompleted, JobFailed:
		return true
	}
	return false
}

// Runnable reports whether a job in this status is eligible for execution.
func (s JobStatus) Runnable() bool { return s == JobPending || s == JobFailed }

// InFlight reports whether a job in this status was handed to a driver and
// has not reported back.
func (s JobStatus) InFlight() bool { return s == JobProcessing || s == JobPublishing }

// transitions is the job state machine. completed has no way out.
var transitions = map[JobStatus][]JobStatus{
	JobPending:    {JobProcessing, JobFailed},
	JobFailed:     {JobProcessing, JobFailed},
	JobProcessing: {JobPublishing, JobCompleted, JobFailed},
	JobPublishing: {JobCompleted, JobFailed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is one scheduled publish operation. Only Status, UpdatedAt and Error
// ever change after creation.
type Job struct {
	ID          string    `json:"id"`
	Target      Target    `json:"target"`
	AccountID   string    `json:"account_id,omitempty"`
	AssetID     string    `json:"asset_id"`
	Title       string    `json:"title,omitempty"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Status      JobStatus `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Error       string    `json:"error,omitempty"`
}

// JobID derives the job identifier from the batch date and its 1-based sequence.
func JobID(t Target, date time.Time, seq int) string {
	return fmt.Sprintf("task_%s_%s_%03d", t, date.Format("20060102"), seq)
}

// Transition returns a copy of j moved to status to. Entering failed records
// reason; entering processing clears any previous error.
func (j Job) Transition(to JobStatus, at time.Time, reason string) (Job, error) {
	if !CanTransition(j.Status, to) {
		return j, fmt.Errorf("%w: %s -> %s (job %s)", ErrInvalidTransition, j.Status, to, j.ID)
	}
	j.Status = to
	j.UpdatedAt = at
	switch to {
	case JobFailed:
		if reason == "" {
			reason = "unknown error"
		}
		j.Error = reason
	case JobProcessing:
		j.Error = ""
	}
	return j, nil
}

// Validate checks the closed set of required job fields.
func (j Job) Validate() error {
	switch {
	case j.ID == "":
		return fmt.Errorf("%w: job without id", ErrSchema)
	case j.Target == "":
		return fmt.Errorf("%w: job %s without target", ErrSchema, j.ID)
	case j.AssetID == "":
		return fmt.Errorf("%w: job %s without asset", ErrSchema, j.ID)
	case j.ScheduledAt.IsZero():
		return fmt.Errorf("%w: job %s without scheduled time", ErrSchema, j.ID)
	case !j.Status.Valid():
		return fmt.Errorf("%w: job %s has unknown status %q", ErrSchema, j.ID, j.Status)
	case j.Status == JobFailed && j.Error == "":
		return fmt.Errorf("%w: failed job %s without error", ErrSchema, j.ID)
	}
	return nil
}
