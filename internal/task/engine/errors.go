package engine

import (
	"errors"

	"postpilot/internal/domain"
)

var (
	// ErrUnknownTarget is returned for batches of a target without a registered runtime.
	ErrUnknownTarget = errors.New("no runtime registered for target")

	// ErrBatchBusy aliases the domain sentinel so callers can match either.
	ErrBatchBusy = domain.ErrBatchBusy
)

// reasonInterrupted is recorded on jobs found in flight at the start of a pass.
const reasonInterrupted = "interrupted: platform state unknown"

const reasonAssetNotFound = "asset not found"
