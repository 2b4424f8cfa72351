package engine

import (
	"fmt"
	"strings"
	"time"
)

// Subsystem identifies one of the four external systems a datasource
// spans. Each subsystem is served by exactly one adapter.
type Subsystem string

const (
	// SubsystemStorage is the storage/identity provider (Azure ARM).
	SubsystemStorage Subsystem = "storage"

	// SubsystemDirectory is the directory/identity-management service
	// (Microsoft Entra ID).
	SubsystemDirectory Subsystem = "directory"

	// SubsystemCatalog is the lakehouse catalog service (Databricks
	// Unity Catalog).
	SubsystemCatalog Subsystem = "catalog"

	// SubsystemWarehouse is the data-warehouse catalog-linking service
	// (Snowflake).
	SubsystemWarehouse Subsystem = "warehouse"
)

// Subsystems lists all subsystems in declaration order.
func Subsystems() []Subsystem {
	return []Subsystem{SubsystemStorage, SubsystemDirectory, SubsystemCatalog, SubsystemWarehouse}
}

// ValidSubsystem reports whether s names a known subsystem.
func ValidSubsystem(s Subsystem) bool {
	switch s {
	case SubsystemStorage, SubsystemDirectory, SubsystemCatalog, SubsystemWarehouse:
		return true
	}
	return false
}

// Kind identifies a resource kind within a subsystem.
type Kind string

const (
	KindContainer               Kind = "container"
	KindManagedIdentity         Kind = "managed-identity"
	KindRoleAssignment          Kind = "role-assignment"
	KindAppRegistration         Kind = "app-registration"
	KindServicePrincipal        Kind = "service-principal"
	KindGroup                   Kind = "group"
	KindGroupMembership         Kind = "group-membership"
	KindAccountServicePrincipal Kind = "account-service-principal"
	KindStorageCredential       Kind = "storage-credential"
	KindExternalLocation        Kind = "external-location"
	KindCatalog                 Kind = "catalog"
	KindCatalogGrant            Kind = "catalog-grant"
	KindExternalVolume          Kind = "external-volume"
	KindCatalogIntegration      Kind = "catalog-integration"
	KindLinkedDatabase          Kind = "linked-database"
)

// StepKey uniquely identifies a provisioning step. A state record holds
// at most one resource record per key.
type StepKey struct {
	Subsystem Subsystem `json:"subsystem"`
	Kind      Kind      `json:"kind"`
}

// String returns the canonical "subsystem/kind" form, used as the
// state-record map key.
func (k StepKey) String() string {
	return fmt.Sprintf("%s/%s", k.Subsystem, k.Kind)
}

// ParseStepKey parses a "subsystem/kind" string.
func ParseStepKey(s string) (StepKey, error) {
	parts := strings.SplitN(s, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return StepKey{}, NewPermanentError(fmt.Sprintf("malformed step key %q", s), nil).
			WithCode(ErrCodeValidation)
	}
	key := StepKey{Subsystem: Subsystem(parts[0]), Kind: Kind(parts[1])}
	if !ValidSubsystem(key.Subsystem) {
		return StepKey{}, NewPermanentError(fmt.Sprintf("unknown subsystem in step key %q", s), nil).
			WithCode(ErrCodeValidation)
	}
	return key, nil
}

// ResourceStatus is the lifecycle status of a single resource record.
type ResourceStatus string

const (
	StatusPending ResourceStatus = "pending"
	StatusCreated ResourceStatus = "created"
	StatusFailed  ResourceStatus = "failed"
)

// ResourceSpec declares one desired resource: which subsystem and kind,
// plus caller-supplied parameters. Specs are input only; the
// orchestrator never mutates them.
type ResourceSpec struct {
	Subsystem Subsystem         `json:"subsystem"`
	Kind      Kind              `json:"kind"`
	Params    map[string]string `json:"params,omitempty"`
}

// Key returns the step key for this spec.
func (s ResourceSpec) Key() StepKey {
	return StepKey{Subsystem: s.Subsystem, Kind: s.Kind}
}

// ResourceRecord is the persisted outcome of one step attempt.
type ResourceRecord struct {
	Subsystem  Subsystem         `json:"subsystem"`
	Kind       Kind              `json:"kind"`
	ExternalID string            `json:"external_id,omitempty"`
	Secrets    map[string]string `json:"secrets,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	Status     ResourceStatus    `json:"status"`
	Error      string            `json:"error,omitempty"`
}

// Key returns the step key for this record.
func (r *ResourceRecord) Key() StepKey {
	return StepKey{Subsystem: r.Subsystem, Kind: r.Kind}
}

// Output converts a created record into the step output later steps
// consume as prior context.
func (r *ResourceRecord) Output() StepOutput {
	return StepOutput{
		ExternalID: r.ExternalID,
		Secrets:    r.Secrets,
		Attributes: r.Attributes,
	}
}

// StateRecord is the idempotency ledger for one datasource: every step
// attempted so far and its outcome, keyed by "subsystem/kind".
type StateRecord struct {
	Name      string                     `json:"datasource_name"`
	Resources map[string]*ResourceRecord `json:"resources"`
	LastError string                     `json:"last_error,omitempty"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// NewStateRecord initializes an empty ledger for a datasource name.
func NewStateRecord(name string) *StateRecord {
	return &StateRecord{
		Name:      name,
		Resources: make(map[string]*ResourceRecord),
		UpdatedAt: time.Now().UTC(),
	}
}

// Record returns the resource record for a step, or nil.
func (s *StateRecord) Record(key StepKey) *ResourceRecord {
	return s.Resources[key.String()]
}

// SetRecord stores a resource record under its step key and bumps the
// update timestamp.
func (s *StateRecord) SetRecord(rec *ResourceRecord) {
	s.Resources[rec.Key().String()] = rec
	s.UpdatedAt = time.Now().UTC()
}

// RemoveRecord drops the record for a step, if present.
func (s *StateRecord) RemoveRecord(key StepKey) {
	delete(s.Resources, key.String())
	s.UpdatedAt = time.Now().UTC()
}

// Empty reports whether no resource records remain.
func (s *StateRecord) Empty() bool {
	return len(s.Resources) == 0
}

// StepOutput is what a completed step contributes as input context for
// its dependents.
type StepOutput struct {
	ExternalID string            `json:"external_id"`
	Secrets    map[string]string `json:"secrets,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Step is one entry of a provisioning plan.
type Step struct {
	Key  StepKey
	Spec ResourceSpec
}

// Plan is an ordered list of steps. Order respects the dependency
// table: every prerequisite appears strictly before its dependents.
type Plan struct {
	Steps []Step
}

// Keys returns the ordered step keys of the plan.
func (p *Plan) Keys() []StepKey {
	keys := make([]StepKey, len(p.Steps))
	for i, st := range p.Steps {
		keys[i] = st.Key
	}
	return keys
}

// StepStatus is the outcome of one step within a single run.
type StepStatus string

const (
	StepStatusCreated StepStatus = "created"
	StepStatusSkipped StepStatus = "skipped"
	StepStatusDeleted StepStatus = "deleted"
	StepStatusFailed  StepStatus = "failed"
)

// StepResult is the per-step outcome of a run.
type StepResult struct {
	Key        StepKey    `json:"key"`
	Status     StepStatus `json:"status"`
	ExternalID string     `json:"external_id,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// SubsystemOutcome aggregates step outcomes per subsystem.
type SubsystemOutcome struct {
	Attempted int    `json:"attempted"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}

// Result is the terminal outcome of a create or delete run.
type Result struct {
	// Datasource is the normalized datasource name the run operated on.
	Datasource string `json:"datasource"`

	// Success is true only if every planned step reached its goal state.
	Success bool `json:"success"`

	// Steps lists per-step outcomes in execution order.
	Steps []StepResult `json:"steps"`

	// Subsystems aggregates outcomes per subsystem.
	Subsystems map[Subsystem]*SubsystemOutcome `json:"subsystems"`

	// Created maps step keys to external references created or reused
	// by this run.
	Created map[string]string `json:"created,omitempty"`

	// State is a snapshot of the terminal state record. Nil after a
	// full delete removed the record entirely.
	State *StateRecord `json:"state,omitempty"`
}

func newResult(name string) *Result {
	return &Result{
		Datasource: name,
		Success:    true,
		Subsystems: make(map[Subsystem]*SubsystemOutcome),
		Created:    make(map[string]string),
	}
}

func (r *Result) outcome(sub Subsystem) *SubsystemOutcome {
	o, ok := r.Subsystems[sub]
	if !ok {
		o = &SubsystemOutcome{}
		r.Subsystems[sub] = o
	}
	return o
}

// DeleteScope selects which recorded resources a delete run tears down.
type DeleteScope struct {
	// Subsystem restricts the run to one subsystem. Empty means all.
	Subsystem Subsystem
}

// ScopeAll tears down every recorded resource.
var ScopeAll = DeleteScope{}

// ScopeSubsystem tears down only resources of one subsystem.
func ScopeSubsystem(sub Subsystem) DeleteScope {
	return DeleteScope{Subsystem: sub}
}

// All reports whether the scope covers every subsystem.
func (s DeleteScope) All() bool {
	return s.Subsystem == ""
}

// Contains reports whether a step key falls inside the scope.
func (s DeleteScope) Contains(key StepKey) bool {
	return s.All() || key.Subsystem == s.Subsystem
}
