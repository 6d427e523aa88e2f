package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/migration/internal/domain/backup"
	"github.com/ehr/migration/internal/domain/progress"
	"github.com/ehr/migration/internal/platform/connector"
	"github.com/ehr/migration/internal/platform/events"
	"github.com/ehr/migration/internal/platform/rules"
)

// execState guards one in-flight execution. The pause flag is cooperative:
// it is only observed at phase boundaries, never mid-phase.
type execState struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func (st *execState) requestPause() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.paused {
		return false
	}
	st.paused = true
	st.resume = make(chan struct{})
	return true
}

func (st *execState) requestResume() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.paused {
		return false
	}
	st.paused = false
	close(st.resume)
	st.resume = nil
	return true
}

func (st *execState) pausedChannel() (bool, chan struct{}) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.paused, st.resume
}

// execRun carries state across the phases of one execution.
type execRun struct {
	pipeline    *Pipeline
	opts        ExecuteOptions
	state       *execState
	sourceRows  []connector.Row
	transformed []map[string]interface{}
	result      *ImportResult
}

func (s *Service) acquire(id uuid.UUID) (*execState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[id]; ok {
		return nil, ErrAlreadyRunning
	}
	st := &execState{}
	s.running[id] = st
	return st, nil
}

func (s *Service) release(id uuid.UUID) {
	s.mu.Lock()
	delete(s.running, id)
	s.mu.Unlock()
}

func (s *Service) isRunning(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}

// ExecutePipeline drives the fixed phase sequence for one pipeline. A second
// call for the same id while one is active fails fast with ErrAlreadyRunning.
// A phase error or timeout leaves partial state intact and the pipeline
// failed; rollback is always a separate, explicit operator action.
func (s *Service) ExecutePipeline(ctx context.Context, id uuid.UUID, opts ExecuteOptions) (*ImportResult, error) {
	st, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer s.release(id)
	return s.runPhases(ctx, id, opts, st)
}

// runPhases drives an execution whose guard is already held. The caller owns
// acquire/release; the handler uses this to take the guard synchronously and
// run the phases in the background.
func (s *Service) runPhases(ctx context.Context, id uuid.UUID, opts ExecuteOptions, st *execState) (*ImportResult, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	run := &execRun{pipeline: p, opts: opts, state: st, result: &ImportResult{}}

	if err := s.repo.UpdateStatus(ctx, id, progress.StatusRunning); err != nil {
		return nil, fmt.Errorf("execute pipeline: %w", err)
	}
	if _, err := s.tracker.Update(ctx, id, progress.StatusRunning, PhaseBackup, 0, "migration started"); err != nil {
		return nil, fmt.Errorf("execute pipeline: %w", err)
	}

	phases := []struct {
		name string
		fn   func(ctx context.Context, run *execRun) error
	}{
		{PhaseBackup, s.phaseBackup},
		{PhaseValidateSource, s.phaseValidateSource},
		{PhaseTransform, s.phaseTransform},
		{PhaseValidateTarget, s.phaseValidateTarget},
		{PhaseFinalize, s.phaseFinalize},
	}

	for i, ph := range phases {
		if err := s.pauseBoundary(ctx, run, ph.name, i); err != nil {
			return run.result, s.failExecution(ctx, id, ph.name, err)
		}

		phaseCtx, cancel := context.WithTimeout(ctx, s.phaseTimeout)
		phaseErr := ph.fn(phaseCtx, run)
		if phaseErr != nil && errors.Is(phaseCtx.Err(), context.DeadlineExceeded) {
			phaseErr = &PhaseTimeoutError{Phase: ph.name, Timeout: s.phaseTimeout}
		}
		cancel()

		if phaseErr != nil {
			return run.result, s.failExecution(ctx, id, ph.name, phaseErr)
		}

		msg := fmt.Sprintf("phase %s completed", ph.name)
		if ph.name == PhaseTransform {
			msg = fmt.Sprintf("phase %s completed: %d imported, %d skipped",
				ph.name, run.result.RecordsImported, run.result.RecordsSkipped)
		}
		if _, err := s.tracker.Update(ctx, id, progress.StatusRunning, ph.name, i+1, msg); err != nil {
			return run.result, s.failExecution(ctx, id, ph.name, err)
		}
	}

	if err := s.repo.UpdateStatus(ctx, id, progress.StatusCompleted); err != nil {
		return run.result, fmt.Errorf("execute pipeline: %w", err)
	}
	if _, err := s.tracker.Update(ctx, id, progress.StatusCompleted, PhaseFinalize, len(phases), "migration completed"); err != nil {
		return run.result, fmt.Errorf("execute pipeline: %w", err)
	}

	_ = s.pub.Publish(ctx, events.Event{
		Type:       events.TypeMigrationCompleted,
		PipelineID: id,
		Timestamp:  time.Now().UTC(),
		Data: map[string]interface{}{
			"records_imported": run.result.RecordsImported,
			"records_skipped":  run.result.RecordsSkipped,
			"quality_score":    run.result.QualityScore,
			"dry_run":          opts.DryRun,
		},
	})
	return run.result, nil
}

// pauseBoundary parks the execution when a pause was requested. It publishes
// the paused/resumed events and blocks until resume or context cancellation.
func (s *Service) pauseBoundary(ctx context.Context, run *execRun, nextPhase string, step int) error {
	paused, resume := run.state.pausedChannel()
	if !paused {
		return nil
	}
	id := run.pipeline.ID

	if err := s.repo.UpdateStatus(ctx, id, progress.StatusPaused); err != nil {
		return err
	}
	if _, err := s.tracker.Update(ctx, id, progress.StatusPaused, nextPhase, step, "migration paused"); err != nil {
		return err
	}
	_ = s.pub.Publish(ctx, events.Event{
		Type: events.TypeMigrationPaused, PipelineID: id, Timestamp: time.Now().UTC(),
	})

	select {
	case <-resume:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := s.repo.UpdateStatus(ctx, id, progress.StatusRunning); err != nil {
		return err
	}
	if _, err := s.tracker.Update(ctx, id, progress.StatusRunning, nextPhase, step, "migration resumed"); err != nil {
		return err
	}
	_ = s.pub.Publish(ctx, events.Event{
		Type: events.TypeMigrationResumed, PipelineID: id, Timestamp: time.Now().UTC(),
	})
	return nil
}

func (s *Service) failExecution(ctx context.Context, id uuid.UUID, phase string, cause error) error {
	if err := s.repo.UpdateStatus(ctx, id, progress.StatusFailed); err != nil {
		s.logger.Error().Err(err).Str("pipeline_id", id.String()).Msg("status update failed")
	}
	if _, err := s.tracker.Fail(ctx, id, phase, cause); err != nil {
		s.logger.Error().Err(err).Str("pipeline_id", id.String()).Msg("progress update failed")
	}
	_ = s.pub.Publish(ctx, events.Event{
		Type:       events.TypeMigrationFailed,
		PipelineID: id,
		Timestamp:  time.Now().UTC(),
		Data:       map[string]interface{}{"phase": phase, "error": cause.Error()},
	})
	return cause
}

// -- phases --

func (s *Service) phaseBackup(ctx context.Context, run *execRun) error {
	if run.opts.DryRun {
		s.logger.Info().Str("pipeline_id", run.pipeline.ID.String()).Msg("dry run, backup skipped")
		return nil
	}
	rec, err := s.backups.CreateBackup(ctx, run.pipeline.ID, run.pipeline.Strategy.Backup)
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("pipeline_id", run.pipeline.ID.String()).
		Str("backup_id", rec.ID.String()).
		Int("records", rec.RecordCount).
		Msg("verified backup taken")
	return nil
}

// phaseValidateSource re-checks every source and reads the full row set the
// transform phase will work on.
func (s *Service) phaseValidateSource(ctx context.Context, run *execRun) error {
	run.sourceRows = run.sourceRows[:0]
	for _, cfg := range run.pipeline.Sources {
		conn, err := s.connectors.Get(cfg.System)
		if err != nil {
			return err
		}
		if !conn.HealthCheck(ctx) {
			return fmt.Errorf("source %s failed its health check", cfg.System)
		}
		it, err := conn.Extract(ctx, cfg)
		if err != nil {
			return fmt.Errorf("extract from %s: %w", cfg.System, err)
		}
		for it.Next() {
			run.sourceRows = append(run.sourceRows, it.Row().Clone())
		}
		iterErr := it.Err()
		_ = it.Close()
		if iterErr != nil {
			return fmt.Errorf("extract from %s: %w", cfg.System, iterErr)
		}
	}
	if len(run.sourceRows) == 0 {
		return fmt.Errorf("no rows extracted from any source")
	}
	return nil
}

// phaseTransform applies the rule set row by row. Rows with blocking errors
// are skipped, never abort the batch. Duplicate identifiers are skipped with
// a warning under auto-resolve, otherwise recorded as row errors.
func (s *Service) phaseTransform(ctx context.Context, run *execRun) error {
	p := run.pipeline
	identifierTarget := "nhs_number"
	seen := make(map[string]int)
	run.transformed = run.transformed[:0]

	for i, row := range run.sourceRows {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, rowErrs, rowWarns := s.engine.ApplyRow(i, row, p.Rules)
		run.result.Warnings = append(run.result.Warnings, rowWarns...)
		if len(rowErrs) > 0 {
			run.result.Errors = append(run.result.Errors, rowErrs...)
			run.result.RecordsSkipped++
			continue
		}

		if identifier := fmt.Sprintf("%v", out[identifierTarget]); identifier != "" && identifier != "<nil>" {
			if firstRow, dup := seen[identifier]; dup {
				if run.opts.AutoResolveConflicts {
					run.result.Warnings = append(run.result.Warnings, rules.RowWarning{
						Row: i, Field: identifierTarget,
						Message:     fmt.Sprintf("duplicate of row %d, skipped automatically", firstRow),
						AutoFixable: true,
					})
				} else {
					run.result.Errors = append(run.result.Errors, rules.RowError{
						Row: i, Field: identifierTarget,
						Message:    fmt.Sprintf("duplicate identifier, first seen at row %d", firstRow),
						Suggestion: "deduplicate the source records or re-run with auto-resolve enabled",
					})
				}
				run.result.RecordsSkipped++
				continue
			}
			seen[identifier] = i
		}

		run.transformed = append(run.transformed, out)
	}

	if run.opts.DryRun {
		run.result.RecordsImported = len(run.transformed)
	} else {
		n, err := s.target.Write(ctx, p.Target, run.transformed)
		if err != nil {
			return fmt.Errorf("write to target %s: %w", p.Target, err)
		}
		run.result.RecordsImported = n
	}

	if run.opts.PauseOnErrors && len(run.result.Errors) > 0 {
		run.state.requestPause()
	}
	return nil
}

// phaseValidateTarget re-assesses quality over the transformed rows. The
// threshold is advisory; a low score is surfaced, never blocks completion.
func (s *Service) phaseValidateTarget(_ context.Context, run *execRun) error {
	p := run.pipeline

	var requiredTargets []string
	for _, r := range p.Rules {
		for _, c := range r.Validations {
			if c.Name == "required" && c.Severity == rules.SeverityError {
				requiredTargets = append(requiredTargets, r.TargetField)
			}
		}
	}

	report := s.assessor.Assess(run.transformed, requiredTargets, "nhs_number")
	p.Quality.PostTransform = &report
	run.result.QualityScore = report.Score

	if p.Quality.MinimumScore > 0 && report.Score < p.Quality.MinimumScore {
		run.result.RecommendedActions = append(run.result.RecommendedActions,
			fmt.Sprintf("post-transform quality score %d is below the configured threshold %d, review the issue list",
				report.Score, p.Quality.MinimumScore))
	}
	return nil
}

// phaseFinalize persists the outcome onto the pipeline record.
func (s *Service) phaseFinalize(ctx context.Context, run *execRun) error {
	p := run.pipeline

	suggestions := make(map[string]bool)
	for _, e := range run.result.Errors {
		if e.Suggestion != "" && !suggestions[e.Suggestion] {
			suggestions[e.Suggestion] = true
			run.result.RecommendedActions = append(run.result.RecommendedActions, e.Suggestion)
		}
	}

	p.LastResult = run.result
	p.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, p); err != nil {
		return fmt.Errorf("persist result: %w", err)
	}
	return nil
}

// -- operator actions --

// Pause requests a cooperative pause. Valid only while an execution is in
// flight and not already paused.
func (s *Service) Pause(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	st := s.running[id]
	s.mu.Unlock()
	if st == nil {
		return fmt.Errorf("pause: %w: pipeline is not executing", ErrInvalidTransition)
	}
	if !st.requestPause() {
		return fmt.Errorf("pause: %w: pipeline is already paused", ErrInvalidTransition)
	}
	s.logger.Info().Str("pipeline_id", id.String()).Msg("pause requested, takes effect at next phase boundary")
	return nil
}

// Resume lifts a pause. Valid only while an execution is parked or a pause is
// pending.
func (s *Service) Resume(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	st := s.running[id]
	s.mu.Unlock()
	if st == nil {
		return fmt.Errorf("resume: %w: pipeline is not executing", ErrInvalidTransition)
	}
	if !st.requestResume() {
		return fmt.Errorf("resume: %w: pipeline is not paused", ErrInvalidTransition)
	}
	return nil
}

// Rollback restores the target from the most recent verified backup. It is an
// explicit operator action; execution failures never trigger it automatically.
func (s *Service) Rollback(ctx context.Context, id uuid.UUID) (int, error) {
	if s.isRunning(id) {
		return 0, ErrAlreadyRunning
	}
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return 0, err
	}

	restored, err := s.backups.RestoreFromBackup(ctx, id)
	if err != nil {
		if errors.Is(err, backup.ErrBackupNotFound) {
			return 0, err
		}
		return restored, &RollbackFailedError{PipelineID: id, Err: err}
	}

	if err := s.repo.UpdateStatus(ctx, id, progress.StatusRolledBack); err != nil {
		return restored, &RollbackFailedError{PipelineID: id, Err: err}
	}
	cur, err := s.tracker.Get(ctx, id)
	if err == nil {
		_, _ = s.tracker.Update(ctx, id, progress.StatusRolledBack, cur.Phase, cur.CurrentStep,
			fmt.Sprintf("target restored from backup, %d records", restored))
	}

	s.logger.Info().Str("pipeline_id", id.String()).Int("records_restored", restored).Msg("rollback completed")
	_ = s.pub.Publish(ctx, events.Event{
		Type:       events.TypeMigrationRolledBack,
		PipelineID: id,
		Timestamp:  time.Now().UTC(),
		Data:       map[string]interface{}{"records_restored": restored},
	})
	return restored, nil
}
