package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/migration/internal/domain/backup"
	"github.com/ehr/migration/internal/domain/progress"
	"github.com/ehr/migration/internal/platform/connector"
	"github.com/ehr/migration/internal/platform/events"
	"github.com/ehr/migration/internal/platform/mapper"
	"github.com/ehr/migration/internal/platform/quality"
	"github.com/ehr/migration/internal/platform/rules"
)

const defaultPhaseTimeout = 30 * time.Minute

const defaultSampleSize = 100

// Service is the pipeline orchestrator. It owns the pipeline state machine
// and the per-pipeline in-flight execution guard.
type Service struct {
	repo       Repository
	connectors *connector.Registry
	fields     *mapper.Mapper
	assessor   *quality.Assessor
	engine     *rules.Engine
	backups    *backup.Manager
	tracker    *progress.Tracker
	target     TargetWriter
	pub        events.Publisher
	logger     zerolog.Logger

	backupPolicy backup.Policy
	phaseTimeout time.Duration

	mu      sync.Mutex
	running map[uuid.UUID]*execState
}

// NewService wires the orchestrator. The backup manager is constructed here
// because its snapshot contract is keyed by pipeline id and needs the
// pipeline-to-target resolution this service owns.
func NewService(
	repo Repository,
	backupRepo backup.Repository,
	archive backup.ArchiveStore,
	enc *backup.Encryptor,
	connectors *connector.Registry,
	lookups rules.LookupTable,
	target TargetWriter,
	tracker *progress.Tracker,
	pub events.Publisher,
	logger zerolog.Logger,
	backupPolicy backup.Policy,
	phaseTimeout time.Duration,
) *Service {
	if phaseTimeout <= 0 {
		phaseTimeout = defaultPhaseTimeout
	}
	if backupPolicy.RetentionDays <= 0 {
		backupPolicy.RetentionDays = backup.DefaultPolicy().RetentionDays
	}
	s := &Service{
		repo:         repo,
		connectors:   connectors,
		fields:       mapper.New(mapper.NewDictionaryStrategy()),
		assessor:     quality.NewAssessor(),
		engine:       rules.NewEngine(lookups),
		tracker:      tracker,
		target:       target,
		pub:          pub,
		logger:       logger.With().Str("component", "orchestrator").Logger(),
		backupPolicy: backupPolicy,
		phaseTimeout: phaseTimeout,
		running:      make(map[uuid.UUID]*execState),
	}
	s.backups = backup.NewManager(backupRepo, archive, enc, snapshotAdapter{s}, snapshotAdapter{s})
	return s
}

// Backups exposes the backup manager for listing and pruning endpoints.
func (s *Service) Backups() *backup.Manager { return s.backups }

// CreateInput is the argument to CreatePipeline.
type CreateInput struct {
	Name         string             `json:"name"`
	Sources      []connector.Config `json:"sources"`
	Target       string             `json:"target"`
	Requirements Requirements       `json:"requirements"`
	Preferences  Preferences        `json:"preferences"`
}

// CreatePipeline analyses the sources, selects a migration strategy, builds
// the rule set (baseline merged with mapper-generated rules), and takes the
// quality baseline. It does not execute anything.
func (s *Service) CreatePipeline(ctx context.Context, in CreateInput) (*Pipeline, error) {
	if in.Name == "" {
		return nil, fmt.Errorf("create pipeline: name is required")
	}
	if len(in.Sources) == 0 {
		return nil, fmt.Errorf("create pipeline: at least one source is required")
	}
	if in.Target == "" {
		return nil, fmt.Errorf("create pipeline: target is required")
	}
	if in.Preferences.SampleSize <= 0 {
		in.Preferences.SampleSize = defaultSampleSize
	}
	if in.Preferences.AutomationLevel == "" {
		in.Preferences.AutomationLevel = "assisted"
	}

	analysis, sample, err := s.analyzeSources(ctx, in.Sources, in.Preferences.SampleSize)
	if err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	mappings, unmapped := s.mapSample(sample)
	analysis.UnmappedFields = unmapped
	analysis.Confidence = coverageConfidence(len(mappings), len(unmapped))

	ruleSet := mergeRules(baselineRules(), generatedRules(mappings))
	s.testRules(ruleSet, sample)

	requiredSource, identifierSource := sourceFieldHints(ruleSet)
	baseline := s.assessor.Assess(rowMaps(sample), requiredSource, identifierSource)

	// Snapshots are encrypted whenever a key is configured; asking for
	// encryption without one would fail every backup phase. Retention comes
	// from the service-wide policy so deployments can set a compliance window.
	backupPolicy := s.backupPolicy
	backupPolicy.Encrypt = s.backups.Encrypts()

	p := &Pipeline{
		ID:       uuid.New(),
		Name:     in.Name,
		Status:   progress.StatusPreparing,
		Target:   in.Target,
		Sources:  in.Sources,
		Analysis: analysis,
		Strategy: MigrationStrategy{
			Approach:          selectApproach(in.Requirements, analysis),
			EstimatedDuration: estimateDuration(analysis),
			Backup:            backupPolicy,
		},
		Rules: ruleSet,
		Quality: QualityConfig{
			MinimumScore:    in.Requirements.QualityThreshold,
			RequiredFields:  requiredSource,
			IdentifierField: identifierSource,
			Baseline:        &baseline,
		},
		Preferences: in.Preferences,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}
	if _, err := s.tracker.Init(ctx, p.ID, len(PhaseOrder)); err != nil {
		return nil, fmt.Errorf("create pipeline: %w", err)
	}

	s.logger.Info().
		Str("pipeline_id", p.ID.String()).
		Str("approach", p.Strategy.Approach).
		Int("rules", len(p.Rules)).
		Int("quality_baseline", baseline.Score).
		Msg("pipeline created")

	_ = s.pub.Publish(ctx, events.Event{
		Type:       events.TypePipelineCreated,
		PipelineID: p.ID,
		Timestamp:  p.CreatedAt,
		Data: map[string]interface{}{
			"name":             p.Name,
			"approach":         p.Strategy.Approach,
			"quality_baseline": baseline.Score,
		},
	})
	return p, nil
}

// Get returns one pipeline by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Pipeline, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns pipelines, optionally filtered by status.
func (s *Service) List(ctx context.Context, status string, limit, offset int) ([]*Pipeline, int, error) {
	if status == "" {
		return s.repo.List(ctx, limit, offset)
	}
	if !progress.ValidStatus(status) {
		return nil, 0, fmt.Errorf("list pipelines: invalid status %q", status)
	}
	return s.repo.ListByStatus(ctx, status, limit, offset)
}

// UpdateRules amends a pipeline's rule set between runs. It is refused while
// an execution is in flight or the pipeline is running or paused.
func (s *Service) UpdateRules(ctx context.Context, id uuid.UUID, ruleSet []rules.Rule) (*Pipeline, error) {
	if s.isRunning(id) {
		return nil, ErrAlreadyRunning
	}
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == progress.StatusRunning || p.Status == progress.StatusPaused {
		return nil, fmt.Errorf("update rules: %w: pipeline is %s", ErrInvalidTransition, p.Status)
	}
	for i := range ruleSet {
		r := &ruleSet[i]
		if !rules.ValidKind(r.Kind) {
			return nil, fmt.Errorf("update rules: rule %d has unknown kind %q", i, r.Kind)
		}
		if r.TargetField == "" {
			return nil, fmt.Errorf("update rules: rule %d has no target field", i)
		}
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
	}
	p.Rules = ruleSet
	p.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, p); err != nil {
		return nil, fmt.Errorf("update rules: %w", err)
	}
	return p, nil
}

// Progress returns the live progress record for a pipeline.
func (s *Service) Progress(ctx context.Context, id uuid.UUID) (*progress.MigrationProgress, error) {
	return s.tracker.Get(ctx, id)
}

// LoadActive is called at startup. Executions do not survive a process
// restart, so anything left running or paused is moved to failed for operator
// review rather than silently resumed.
func (s *Service) LoadActive(ctx context.Context) error {
	for _, status := range []string{progress.StatusRunning, progress.StatusPaused} {
		items, _, err := s.repo.ListByStatus(ctx, status, 500, 0)
		if err != nil {
			return fmt.Errorf("load active pipelines: %w", err)
		}
		for _, p := range items {
			s.logger.Warn().
				Str("pipeline_id", p.ID.String()).
				Str("status", p.Status).
				Msg("pipeline was mid-execution at shutdown, marking failed")
			if err := s.repo.UpdateStatus(ctx, p.ID, progress.StatusFailed); err != nil {
				return fmt.Errorf("load active pipelines: %w", err)
			}
			if _, err := s.tracker.Fail(ctx, p.ID, "", fmt.Errorf("execution interrupted by process restart")); err != nil {
				s.logger.Error().Err(err).Str("pipeline_id", p.ID.String()).Msg("progress update failed")
			}
		}
	}
	return nil
}

// -- source analysis --

func (s *Service) analyzeSources(ctx context.Context, sources []connector.Config, sampleSize int) (SourceAnalysis, []connector.Row, error) {
	entitySet := make(map[string]struct{})
	fieldSet := make(map[string]struct{})
	var sample []connector.Row
	total := 0

	for _, cfg := range sources {
		conn, err := s.connectors.Get(cfg.System)
		if err != nil {
			return SourceAnalysis{}, nil, err
		}
		if !conn.HealthCheck(ctx) {
			return SourceAnalysis{}, nil, fmt.Errorf("source %s failed its health check", cfg.System)
		}

		it, err := conn.Extract(ctx, cfg)
		if err != nil {
			return SourceAnalysis{}, nil, fmt.Errorf("extract from %s: %w", cfg.System, err)
		}
		batch, err := connector.Sample(it, sampleSize-len(sample))
		if err != nil {
			_ = it.Close()
			return SourceAnalysis{}, nil, fmt.Errorf("extract from %s: %w", cfg.System, err)
		}
		sample = append(sample, batch...)
		total += len(batch)
		for _, row := range batch {
			for field := range row {
				fieldSet[field] = struct{}{}
			}
		}
		// Count the rest of the volume past the sample window.
		for it.Next() {
			total++
			for field := range it.Row() {
				fieldSet[field] = struct{}{}
			}
		}
		iterErr := it.Err()
		_ = it.Close()
		if iterErr != nil {
			return SourceAnalysis{}, nil, fmt.Errorf("extract from %s: %w", cfg.System, iterErr)
		}

		if cfg.Entity != "" {
			entitySet[cfg.Entity] = struct{}{}
		}
	}

	analysis := SourceAnalysis{
		SystemType:      sources[0].System,
		Entities:        sortedKeys(entitySet),
		Fields:          sortedKeys(fieldSet),
		EstimatedVolume: total,
		Complexity:      classifyComplexity(len(fieldSet), len(entitySet)),
	}
	return analysis, sample, nil
}

// mapSample runs the field mapper over a representative row built from the
// first non-empty value seen per field.
func (s *Service) mapSample(sample []connector.Row) ([]mapper.FieldMapping, []string) {
	representative := make(map[string]interface{})
	for _, row := range sample {
		for field, value := range row {
			if _, seen := representative[field]; !seen && value != nil && value != "" {
				representative[field] = value
			}
		}
	}
	mappings, unmapped := s.fields.MapFields(representative)
	sort.Strings(unmapped)
	return mappings, unmapped
}

func classifyComplexity(fields, entities int) string {
	switch {
	case fields > 25 || entities > 3:
		return "high"
	case fields > 10 || entities > 1:
		return "medium"
	default:
		return "low"
	}
}

func coverageConfidence(mapped, unmapped int) float64 {
	if mapped+unmapped == 0 {
		return 0
	}
	return float64(mapped) / float64(mapped+unmapped)
}

// selectApproach picks the migration approach by threshold. Low downtime
// tolerance combined with high volume favours a phased migration over a
// single cut-over.
func selectApproach(req Requirements, analysis SourceAnalysis) string {
	switch {
	case req.ParallelRun:
		return ApproachParallelRun
	case analysis.EstimatedVolume > 50_000 && req.MaxDowntime > 0 && req.MaxDowntime < 4*time.Hour:
		return ApproachPhased
	case analysis.Complexity == "high":
		return ApproachStaged
	default:
		return ApproachBigBang
	}
}

func estimateDuration(analysis SourceAnalysis) time.Duration {
	d := 10*time.Minute + time.Duration(analysis.EstimatedVolume/100)*time.Minute
	switch analysis.Complexity {
	case "high":
		d *= 2
	case "medium":
		d = d * 3 / 2
	}
	return d
}

// -- rule assembly --

const ruleTestSamples = 3

// testRules dry-runs each rule against the first few sampled rows and records
// the outcomes on the rule itself, so an operator reviewing a pipeline sees
// what every rule does to real values before execution.
func (s *Service) testRules(ruleSet []rules.Rule, sample []connector.Row) {
	now := time.Now().UTC()
	for i := range ruleSet {
		r := &ruleSet[i]
		for _, row := range sample {
			if len(r.TestResults) >= ruleTestSamples {
				break
			}
			input := ruleInput(*r, row)
			if input == "" {
				continue
			}
			out, err := s.engine.ApplyRule(row, *r)
			tr := rules.TestResult{Input: input, Passed: err == nil, RanAt: now}
			if err == nil {
				tr.Output = fmt.Sprintf("%v", out)
			} else {
				tr.Output = err.Error()
			}
			r.TestResults = append(r.TestResults, tr)
		}
	}
}

func ruleInput(r rules.Rule, row connector.Row) string {
	if r.Kind == rules.KindCalculated {
		parts := make([]string, 0, len(r.SourceFields))
		for _, f := range r.SourceFields {
			if v := row[f]; v != nil && v != "" {
				parts = append(parts, fmt.Sprintf("%v", v))
			}
		}
		return strings.Join(parts, " ")
	}
	if v := row[r.SourceField]; v != nil && v != "" {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

// baselineRules is the fixed floor every pipeline starts from. Source fields
// here use canonical names; mapper-generated rules replace these when the
// legacy system spells the field differently.
func baselineRules() []rules.Rule {
	return []rules.Rule{
		{
			ID: uuid.New(), SourceField: "nhs_number", TargetField: "nhs_number",
			Kind: rules.KindDirect, Transformation: "passthrough", Confidence: 1,
			Validations: []rules.Constraint{
				{Name: "required", Severity: rules.SeverityError},
				{Name: "nhs-number", Severity: rules.SeverityError},
			},
		},
		{
			ID: uuid.New(), SourceField: "date_of_birth", TargetField: "date_of_birth",
			Kind: rules.KindConditional, Transformation: "normalize-date", Confidence: 1,
			Validations: []rules.Constraint{{Name: "date", Severity: rules.SeverityWarning}},
		},
		{
			ID: uuid.New(), SourceField: "first_name", TargetField: "first_name",
			Kind: rules.KindDirect, Transformation: "passthrough", Confidence: 1,
			Validations: []rules.Constraint{{Name: "required", Severity: rules.SeverityWarning, AutoFixable: false}},
		},
		{
			ID: uuid.New(), SourceField: "last_name", TargetField: "last_name",
			Kind: rules.KindDirect, Transformation: "passthrough", Confidence: 1,
			Validations: []rules.Constraint{{Name: "required", Severity: rules.SeverityWarning}},
		},
	}
}

// generatedRules turns mapper suggestions into concrete rules.
func generatedRules(mappings []mapper.FieldMapping) []rules.Rule {
	out := make([]rules.Rule, 0, len(mappings))
	for _, m := range mappings {
		r := rules.Rule{
			ID:             uuid.New(),
			SourceField:    m.SourceField,
			TargetField:    m.TargetField,
			Kind:           rules.KindDirect,
			Transformation: "passthrough",
			Confidence:     m.Confidence,
		}
		for _, v := range m.Validations {
			sev := rules.SeverityWarning
			if v == "required" || v == "nhs-number" {
				sev = rules.SeverityError
			}
			r.Validations = append(r.Validations, rules.Constraint{Name: v, Severity: sev})
			if v == "date" {
				r.Kind = rules.KindConditional
				r.Transformation = "normalize-date"
			}
		}
		if m.TargetField == "medication" {
			r.Kind = rules.KindHeuristic
			r.Transformation = "parse-medication"
		}
		// The record identifier is always mandatory, whatever the legacy
		// system calls it.
		if m.TargetField == "nhs_number" && !hasConstraint(r.Validations, "required") {
			r.Validations = append(r.Validations, rules.Constraint{Name: "required", Severity: rules.SeverityError})
		}
		out = append(out, r)
	}
	return out
}

func hasConstraint(cs []rules.Constraint, name string) bool {
	for _, c := range cs {
		if c.Name == name {
			return true
		}
	}
	return false
}

// mergeRules overlays generated rules onto the baseline; a generated rule for
// a target field replaces the baseline rule for it, because the generated
// rule knows the legacy system's actual field name.
func mergeRules(baseline, generated []rules.Rule) []rules.Rule {
	covered := make(map[string]bool, len(generated))
	for _, r := range generated {
		covered[r.TargetField] = true
	}
	merged := make([]rules.Rule, 0, len(baseline)+len(generated))
	merged = append(merged, generated...)
	for _, r := range baseline {
		if !covered[r.TargetField] {
			merged = append(merged, r)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool { return merged[i].TargetField < merged[j].TargetField })
	return merged
}

// sourceFieldHints derives the quality assessor's inputs from the rule set:
// which source fields are required, and which one is the record identifier.
func sourceFieldHints(ruleSet []rules.Rule) (required []string, identifier string) {
	for _, r := range ruleSet {
		for _, c := range r.Validations {
			if c.Name == "required" && c.Severity == rules.SeverityError {
				required = append(required, r.SourceField)
			}
		}
		if r.TargetField == "nhs_number" {
			identifier = r.SourceField
		}
	}
	return required, identifier
}

func rowMaps(sample []connector.Row) []map[string]interface{} {
	out := make([]map[string]interface{}, len(sample))
	for i, row := range sample {
		out[i] = row
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
