package eventbus

import "time"

// Event types published by the generator and the execution engine.
const (
	TypeJobTransition   = "job.transition"
	TypeGroupAuthFailed = "group.auth_failed"
	TypeBatchGenerated  = "batch.generated"
	TypeBatchFinished   = "batch.finished"
	TypeStoreError      = "store.error"
)

// JobTransition is the Data of a job.transition event.
type JobTransition struct {
	Target    string `json:"target"`
	Date      string `json:"date"`
	JobID     string `json:"job_id"`
	AccountID string `json:"account_id,omitempty"`
	AssetID   string `json:"asset_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Error     string `json:"error,omitempty"`
}

// GroupAuthFailed is the Data of a group.auth_failed event.
type GroupAuthFailed struct {
	Target  string `json:"target"`
	Date    string `json:"date"`
	Account string `json:"account"`
	Jobs    int    `json:"jobs"`
	Error   string `json:"error"`
}

// BatchGenerated is the Data of a batch.generated event.
type BatchGenerated struct {
	Target   string `json:"target"`
	Date     string `json:"date"`
	Accounts int    `json:"accounts"`
	Jobs     int    `json:"jobs"`
}

// BatchFinished is the Data of a batch.finished event.
type BatchFinished struct {
	RunID     string        `json:"run_id"`
	Target    string        `json:"target"`
	Date      string        `json:"date"`
	Attempted int           `json:"attempted"`
	Completed int           `json:"completed"`
	Failed    int           `json:"failed"`
	Pending   int           `json:"pending"`
	Canceled  bool          `json:"canceled,omitempty"`
	Took      time.Duration `json:"took"`
	Error     string        `json:"error,omitempty"`
}

// StoreFailure is the Data of a store.error event.
type StoreFailure struct {
	Target string `json:"target"`
	Date   string `json:"date"`
	Op     string `json:"op"`
	Error  string `json:"error"`
}
