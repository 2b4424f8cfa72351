package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/openlakehouse/lakesource/pkg/telemetry"
)

// Orchestrator sequences resource creation and teardown across the
// subsystem adapters, using the state store as its idempotency ledger.
// It holds no ambient state beyond the injected store and adapter set.
type Orchestrator struct {
	store    StateStore
	adapters map[Subsystem]Adapter
	log      *telemetry.Logger
}

// NewOrchestrator builds an orchestrator over a state store and a set
// of subsystem adapters.
func NewOrchestrator(store StateStore, adapters []Adapter, log *telemetry.Logger) (*Orchestrator, error) {
	if store == nil {
		return nil, NewPermanentError("state store is required", nil).WithCode(ErrCodeValidation)
	}
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	bySubsystem := make(map[Subsystem]Adapter, len(adapters))
	for _, a := range adapters {
		sub := a.Subsystem()
		if !ValidSubsystem(sub) {
			return nil, NewPermanentError(fmt.Sprintf("adapter reports unknown subsystem %q", sub), nil).
				WithCode(ErrCodeValidation)
		}
		if _, dup := bySubsystem[sub]; dup {
			return nil, NewPermanentError(fmt.Sprintf("duplicate adapter for subsystem %q", sub), nil).
				WithCode(ErrCodeValidation)
		}
		bySubsystem[sub] = a
	}
	return &Orchestrator{
		store:    store,
		adapters: bySubsystem,
		log:      log.NewComponentLogger("orchestrator"),
	}, nil
}

// Create provisions the requested resources for a datasource, resuming
// from the state record when a previous run completed some steps. The
// first failing step halts the run; the state record keeps the partial
// progress so a later invocation retries exactly the failed step.
func (o *Orchestrator) Create(ctx context.Context, name string, specs []ResourceSpec) (*Result, error) {
	plan, err := BuildPlan(specs)
	if err != nil {
		return nil, err
	}

	record, err := o.store.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loading state for %q: %w", name, err)
	}
	if record == nil {
		record = NewStateRecord(name)
	}

	log := o.log.WithDatasource(name)
	result := newResult(name)
	prior := make(map[Kind]StepOutput, len(plan.Steps))

	for _, step := range plan.Steps {
		outcome := result.outcome(step.Key.Subsystem)

		if existing := record.Record(step.Key); existing != nil && existing.Status == StatusCreated {
			log.WithStep(step.Key.String()).Debug("step already created, skipping")
			prior[step.Key.Kind] = existing.Output()
			result.Steps = append(result.Steps, StepResult{
				Key:        step.Key,
				Status:     StepStatusSkipped,
				ExternalID: existing.ExternalID,
			})
			result.Created[step.Key.String()] = existing.ExternalID
			continue
		}

		adapter, ok := o.adapters[step.Key.Subsystem]
		if !ok {
			return nil, NewPermanentError(
				fmt.Sprintf("no adapter registered for subsystem %q", step.Key.Subsystem), nil).
				WithStep(step.Key)
		}

		// Mark the attempt before calling out. This is also the explicit
		// retry path: a record left failed by an earlier run regresses
		// to pending here, never silently.
		rec := &ResourceRecord{
			Subsystem: step.Key.Subsystem,
			Kind:      step.Key.Kind,
			CreatedAt: time.Now().UTC(),
			Status:    StatusPending,
		}
		record.SetRecord(rec)
		if err := o.store.Put(ctx, record); err != nil {
			return nil, fmt.Errorf("persisting state before step %s: %w", step.Key, err)
		}

		log.WithStep(step.Key.String()).Info("creating resource")
		created, stepErr := adapter.Create(ctx, &CreateRequest{
			Datasource: name,
			Kind:       step.Key.Kind,
			Params:     step.Spec.Params,
			Prior:      prior,
		})

		if stepErr != nil {
			rec.Status = StatusFailed
			rec.Error = stepErr.Error()
			record.SetRecord(rec)
			record.LastError = stepErr.Error()
			if putErr := o.store.Put(ctx, record); putErr != nil {
				log.WithError(putErr).Error("persisting state after step failure")
			}

			outcome.Attempted++
			outcome.Failed++
			outcome.LastError = stepErr.Error()
			result.Success = false
			result.Steps = append(result.Steps, StepResult{
				Key:    step.Key,
				Status: StepStatusFailed,
				Error:  stepErr.Error(),
			})
			result.State = record
			log.WithStep(step.Key.String()).WithError(stepErr).Error("step failed, halting run")
			// Fail fast: later steps depend on this step's output and
			// cannot meaningfully proceed.
			return result, stepErr
		}

		rec.Status = StatusCreated
		rec.ExternalID = created.ExternalID
		rec.Secrets = created.Secrets
		rec.Attributes = created.Attributes
		record.SetRecord(rec)
		record.LastError = ""
		if err := o.store.Put(ctx, record); err != nil {
			return nil, fmt.Errorf("persisting state after step %s: %w", step.Key, err)
		}

		prior[step.Key.Kind] = rec.Output()
		outcome.Attempted++
		outcome.Succeeded++
		result.Steps = append(result.Steps, StepResult{
			Key:        step.Key,
			Status:     StepStatusCreated,
			ExternalID: created.ExternalID,
		})
		result.Created[step.Key.String()] = created.ExternalID
	}

	result.State = record
	log.Info("provisioning complete")
	return result, nil
}

// Delete tears down the recorded resources of a datasource in reverse
// dependency order. Failures are isolated per step so one broken
// subsystem never blocks cleanup of the others; the aggregate result
// still reports failure if anything could not be removed. A full-scope
// delete that leaves zero resources removes the state record entirely.
func (o *Orchestrator) Delete(ctx context.Context, name string, scope DeleteScope) (*Result, error) {
	if scope.Subsystem != "" && !ValidSubsystem(scope.Subsystem) {
		return nil, NewPermanentError(fmt.Sprintf("unknown subsystem %q in delete scope", scope.Subsystem), nil).
			WithCode(ErrCodeValidation)
	}

	record, err := o.store.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("loading state for %q: %w", name, err)
	}

	log := o.log.WithDatasource(name)
	result := newResult(name)
	if record == nil {
		log.Debug("no state record, delete is a no-op")
		return result, nil
	}

	var firstErr error
	for _, step := range o.teardownOrder(record, scope) {
		rec := record.Record(step)
		outcome := result.outcome(step.Subsystem)
		outcome.Attempted++

		// A pending or failed record with no external ID means the create
		// attempt never produced a remote resource. Dropping the record is
		// the whole teardown for that step.
		if rec.ExternalID == "" {
			log.WithStep(step.String()).Debug("no external resource recorded, dropping record")
			record.RemoveRecord(step)
			outcome.Succeeded++
			result.Steps = append(result.Steps, StepResult{
				Key:    step,
				Status: StepStatusSkipped,
			})
			continue
		}

		adapter, ok := o.adapters[step.Subsystem]
		if !ok {
			stepErr := NewPermanentError(
				fmt.Sprintf("no adapter registered for subsystem %q", step.Subsystem), nil).
				WithStep(step)
			o.recordDeleteFailure(result, record, step, stepErr)
			if firstErr == nil {
				firstErr = stepErr
			}
			continue
		}

		log.WithStep(step.String()).Info("deleting resource")
		if stepErr := adapter.Delete(ctx, step.Kind, rec.ExternalID); stepErr != nil {
			o.recordDeleteFailure(result, record, step, stepErr)
			if firstErr == nil {
				firstErr = stepErr
			}
			log.WithStep(step.String()).WithError(stepErr).Error("delete failed, continuing with remaining steps")
			continue
		}

		record.RemoveRecord(step)
		outcome.Succeeded++
		result.Steps = append(result.Steps, StepResult{
			Key:        step,
			Status:     StepStatusDeleted,
			ExternalID: rec.ExternalID,
		})
	}

	if scope.All() && record.Empty() && result.Success {
		if err := o.store.Delete(ctx, name); err != nil {
			return nil, fmt.Errorf("removing state for %q: %w", name, err)
		}
		log.Info("teardown complete, state record removed")
		return result, nil
	}

	if err := o.store.Put(ctx, record); err != nil {
		return nil, fmt.Errorf("persisting state for %q: %w", name, err)
	}
	result.State = record
	return result, firstErr
}

// teardownOrder computes the scoped subset of recorded steps in reverse
// plan order. Records whose kind has fallen out of the table (written
// by a newer build) still get a best-effort slot at the end.
func (o *Orchestrator) teardownOrder(record *StateRecord, scope DeleteScope) []StepKey {
	ordered := make([]StepKey, 0, len(record.Resources))
	seen := make(map[string]bool, len(record.Resources))
	for i := len(dependencyTable) - 1; i >= 0; i-- {
		entry := dependencyTable[i]
		key := StepKey{Subsystem: entry.Subsystem, Kind: entry.Kind}
		if !scope.Contains(key) {
			continue
		}
		if record.Record(key) != nil {
			ordered = append(ordered, key)
			seen[key.String()] = true
		}
	}
	for raw := range record.Resources {
		if seen[raw] {
			continue
		}
		key, err := ParseStepKey(raw)
		if err != nil || !scope.Contains(key) {
			continue
		}
		ordered = append(ordered, key)
	}
	return ordered
}

func (o *Orchestrator) recordDeleteFailure(result *Result, record *StateRecord, step StepKey, stepErr error) {
	rec := record.Record(step)
	rec.Status = StatusFailed
	rec.Error = stepErr.Error()
	record.SetRecord(rec)
	record.LastError = stepErr.Error()

	outcome := result.outcome(step.Subsystem)
	outcome.Failed++
	outcome.LastError = stepErr.Error()
	result.Success = false
	result.Steps = append(result.Steps, StepResult{
		Key:    step,
		Status: StepStatusFailed,
		Error:  stepErr.Error(),
	})
}
