package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/migration/internal/domain/backup"
)

var (
	// ErrPipelineNotFound is returned when no pipeline exists for an id.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrAlreadyRunning is returned when executePipeline is called for a
	// pipeline that already has an execution in flight.
	ErrAlreadyRunning = errors.New("pipeline execution already in progress")

	// ErrInvalidTransition is returned by pause/resume when the pipeline is
	// not in a state the operation applies to.
	ErrInvalidTransition = errors.New("invalid pipeline status transition")

	// ErrBackupNotFound mirrors the backup package's sentinel so callers can
	// check rollback failures without importing it.
	ErrBackupNotFound = backup.ErrBackupNotFound
)

// PhaseTimeoutError reports a phase exceeding its configured timeout. The
// pipeline transitions to failed; it never hangs on a stuck phase.
type PhaseTimeoutError struct {
	Phase   string
	Timeout time.Duration
}

func (e *PhaseTimeoutError) Error() string {
	return fmt.Sprintf("phase %s exceeded its %s timeout", e.Phase, e.Timeout)
}

// RollbackFailedError reports a rollback that started but did not complete.
// The pipeline is left in its failed state for manual intervention.
type RollbackFailedError struct {
	PipelineID uuid.UUID
	Err        error
}

func (e *RollbackFailedError) Error() string {
	return fmt.Sprintf("rollback of pipeline %s failed: %v", e.PipelineID, e.Err)
}

func (e *RollbackFailedError) Unwrap() error { return e.Err }
