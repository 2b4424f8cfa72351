package engine

import "context"

// CreateRequest carries everything an adapter needs to provision one
// resource: the datasource name seeding generated names, the kind, the
// caller-supplied parameters, and the outputs of already-completed
// prerequisite steps keyed by kind.
type CreateRequest struct {
	Datasource string
	Kind       Kind
	Params     map[string]string
	Prior      map[Kind]StepOutput
}

// PriorOutput returns the output of a prerequisite step. A missing
// prerequisite is an orchestration invariant violation: given a correct
// dependency table the orchestrator always completes prerequisites
// before their dependents.
func (r *CreateRequest) PriorOutput(kind Kind) (StepOutput, error) {
	out, ok := r.Prior[kind]
	if !ok {
		key := StepKey{Kind: r.Kind}
		if sub, known := SubsystemOf(r.Kind); known {
			key.Subsystem = sub
		}
		return StepOutput{}, NewInternalError(
			"prerequisite output missing: "+string(kind), nil).
			WithCode(ErrCodeMissingOutput).WithStep(key)
	}
	return out, nil
}

// CreateResult is the adapter's report of a provisioned resource.
type CreateResult struct {
	// ExternalID is the remote system's identifier for the resource.
	ExternalID string

	// Secrets holds sensitive material generated during creation
	// (client secrets, OAuth credentials). Persisted with the record so
	// later steps and re-runs can reuse it.
	Secrets map[string]string

	// Attributes holds non-sensitive outputs consumed by dependent
	// steps (URLs, principal IDs, generated names).
	Attributes map[string]string
}

// Adapter is the uniform capability contract each subsystem implements.
// Adapters own all remote-system specifics: credentials, HTTP clients,
// wire formats. They must adopt already-existing resources on Create
// and treat not-found as success on Delete, so that the orchestrator's
// state-record-driven idempotency stays safe against out-of-band
// duplicates.
type Adapter interface {
	// Subsystem names the single subsystem this adapter serves.
	Subsystem() Subsystem

	// Create provisions a resource of the given kind. Errors must be
	// classified (transient or permanent) engine errors.
	Create(ctx context.Context, req *CreateRequest) (*CreateResult, error)

	// Delete removes the resource identified by externalID. A resource
	// that no longer exists is success, not an error.
	Delete(ctx context.Context, kind Kind, externalID string) error
}

// StateStore is the persistence contract the orchestrator depends on.
// pkg/state provides file- and SQLite-backed implementations; anything
// honoring these semantics can substitute without touching the engine.
type StateStore interface {
	// Get loads the state record for a datasource name, or nil if none
	// exists.
	Get(ctx context.Context, name string) (*StateRecord, error)

	// Put persists a record atomically: a crash mid-write must never
	// leave a corrupted document behind.
	Put(ctx context.Context, record *StateRecord) error

	// Delete removes the record for a name. Deleting an absent record
	// is a no-op.
	Delete(ctx context.Context, name string) error
}
