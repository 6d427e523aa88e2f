// Package pipeline implements the migration orchestrator: pipeline creation
// from source analysis, phased execution with pause/resume, explicit rollback,
// and the REST surface operators drive it through.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/ehr/migration/internal/domain/backup"
	"github.com/ehr/migration/internal/platform/connector"
	"github.com/ehr/migration/internal/platform/quality"
	"github.com/ehr/migration/internal/platform/rules"
)

// Migration approaches, selected by threshold from the source analysis.
const (
	ApproachBigBang     = "big_bang"
	ApproachPhased      = "phased"
	ApproachStaged      = "staged"
	ApproachParallelRun = "parallel_run"
)

// Phase names, in execution order.
const (
	PhaseBackup         = "backup"
	PhaseValidateSource = "validate_source"
	PhaseTransform      = "transform"
	PhaseValidateTarget = "validate_target"
	PhaseFinalize       = "finalize"
)

// PhaseOrder is the fixed sequence every execution drives.
var PhaseOrder = []string{
	PhaseBackup, PhaseValidateSource, PhaseTransform, PhaseValidateTarget, PhaseFinalize,
}

// SourceAnalysis summarizes what createPipeline learned about the sources.
type SourceAnalysis struct {
	SystemType      string   `json:"system_type"`
	Entities        []string `json:"entities"`
	Fields          []string `json:"fields"`
	EstimatedVolume int      `json:"estimated_volume"`
	Complexity      string   `json:"complexity"` // low, medium, high
	Confidence      float64  `json:"confidence"` // entity-detection coverage, [0,1]
	UnmappedFields  []string `json:"unmapped_fields,omitempty"`
}

// MigrationStrategy is the approach chosen for a pipeline.
type MigrationStrategy struct {
	Approach          string        `json:"approach"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Backup            backup.Policy `json:"backup"`
}

// QualityConfig carries the quality thresholds and the assessor's reports.
// The minimum score is advisory: execution is never blocked on it, the score
// is surfaced to operators instead.
type QualityConfig struct {
	MinimumScore    int             `json:"minimum_score"`
	RequiredFields  []string        `json:"required_fields,omitempty"`
	IdentifierField string          `json:"identifier_field,omitempty"`
	Baseline        *quality.Report `json:"baseline,omitempty"`
	PostTransform   *quality.Report `json:"post_transform,omitempty"`
}

// Preferences captures operator guidance that shapes execution.
type Preferences struct {
	AutomationLevel    string `json:"automation_level"` // manual, assisted, automatic
	SampleSize         int    `json:"sample_size"`
	NotifyOnCompletion bool   `json:"notify_on_completion"`
}

// Requirements constrains strategy selection.
type Requirements struct {
	MaxDowntime      time.Duration `json:"max_downtime"`
	QualityThreshold int           `json:"quality_threshold"`
	ParallelRun      bool          `json:"parallel_run"`
}

// ImportResult is the outcome of one execution's transform phase.
type ImportResult struct {
	RecordsImported    int                `json:"records_imported"`
	RecordsSkipped     int                `json:"records_skipped"`
	Errors             []rules.RowError   `json:"errors,omitempty"`
	Warnings           []rules.RowWarning `json:"warnings,omitempty"`
	QualityScore       int                `json:"quality_score"`
	RecommendedActions []string           `json:"recommended_actions,omitempty"`
}

// Pipeline is one configured migration job. Immutable once execution starts,
// except for rule amendments made between runs.
type Pipeline struct {
	ID          uuid.UUID          `json:"id"`
	Name        string             `json:"name"`
	Status      string             `json:"status"`
	Target      string             `json:"target"`
	Sources     []connector.Config `json:"sources"`
	Analysis    SourceAnalysis     `json:"analysis"`
	Strategy    MigrationStrategy  `json:"strategy"`
	Rules       []rules.Rule       `json:"rules"`
	Quality     QualityConfig      `json:"quality"`
	Preferences Preferences        `json:"preferences"`
	LastResult  *ImportResult      `json:"last_result,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// ExecuteOptions tunes one execution run.
type ExecuteOptions struct {
	DryRun               bool `json:"dry_run"`
	PauseOnErrors        bool `json:"pause_on_errors"`
	AutoResolveConflicts bool `json:"auto_resolve_conflicts"`
}
