package progress

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// Pipeline status values. Transitions are owned by the orchestrator; the
// tracker only records them.
const (
	StatusPreparing  = "preparing"
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRolledBack = "rolled_back"
)

var validStatuses = map[string]bool{
	StatusPreparing:  true,
	StatusRunning:    true,
	StatusPaused:     true,
	StatusCompleted:  true,
	StatusFailed:     true,
	StatusRolledBack: true,
}

// ValidStatus reports whether s is a known pipeline status.
func ValidStatus(s string) bool { return validStatuses[s] }

// MigrationProgress maps to the migration_progress table, one row per
// pipeline. Percent is always derived from CurrentStep/TotalSteps, never set
// directly.
type MigrationProgress struct {
	PipelineID  uuid.UUID `db:"pipeline_id" json:"pipeline_id"`
	Status      string    `db:"status" json:"status"`
	Phase       string    `db:"phase" json:"phase"`
	CurrentStep int       `db:"current_step" json:"current_step"`
	TotalSteps  int       `db:"total_steps" json:"total_steps"`
	Percent     int       `db:"percent" json:"percent"`
	Message     string    `db:"message" json:"message"`
	LastError   string    `db:"last_error" json:"last_error,omitempty"`
	StartedAt   time.Time `db:"started_at" json:"started_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// PercentOf computes the rounded completion percentage for step index out of
// total. A zero total reports 0, not a division error.
func PercentOf(index, total int) int {
	if total <= 0 {
		return 0
	}
	p := int(math.Round(float64(index) / float64(total) * 100))
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
