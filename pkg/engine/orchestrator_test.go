package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

// memStore is an in-memory StateStore that deep-copies on Put so tests
// can inspect what was persisted at each point in time.
type memStore struct {
	records map[string]*StateRecord
	history []*StateRecord
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*StateRecord)}
}

func (s *memStore) Get(_ context.Context, name string) (*StateRecord, error) {
	rec, ok := s.records[name]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

func (s *memStore) Put(_ context.Context, record *StateRecord) error {
	snapshot := copyRecord(record)
	s.records[record.Name] = snapshot
	s.history = append(s.history, snapshot)
	return nil
}

func (s *memStore) Delete(_ context.Context, name string) error {
	delete(s.records, name)
	return nil
}

func copyRecord(rec *StateRecord) *StateRecord {
	data, err := json.Marshal(rec)
	if err != nil {
		panic(err)
	}
	var out StateRecord
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	if out.Resources == nil {
		out.Resources = make(map[string]*ResourceRecord)
	}
	return &out
}

// fakeAdapter serves one subsystem and records every call.
type fakeAdapter struct {
	subsystem  Subsystem
	creates    []Kind
	deletes    []Kind
	priorSeen  map[Kind][]Kind
	failCreate map[Kind]error
	failDelete map[Kind]error
}

func newFakeAdapter(sub Subsystem) *fakeAdapter {
	return &fakeAdapter{
		subsystem:  sub,
		priorSeen:  make(map[Kind][]Kind),
		failCreate: make(map[Kind]error),
		failDelete: make(map[Kind]error),
	}
}

func (f *fakeAdapter) Subsystem() Subsystem { return f.subsystem }

func (f *fakeAdapter) Create(_ context.Context, req *CreateRequest) (*CreateResult, error) {
	if err := f.failCreate[req.Kind]; err != nil {
		return nil, err
	}
	f.creates = append(f.creates, req.Kind)
	for kind := range req.Prior {
		f.priorSeen[req.Kind] = append(f.priorSeen[req.Kind], kind)
	}
	return &CreateResult{
		ExternalID: "ext-" + string(req.Kind),
		Attributes: map[string]string{"kind": string(req.Kind)},
	}, nil
}

func (f *fakeAdapter) Delete(_ context.Context, kind Kind, externalID string) error {
	if err := f.failDelete[kind]; err != nil {
		return err
	}
	f.deletes = append(f.deletes, kind)
	return nil
}

type fixture struct {
	orch     *Orchestrator
	store    *memStore
	adapters map[Subsystem]*fakeAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newMemStore()
	adapters := make(map[Subsystem]*fakeAdapter)
	list := make([]Adapter, 0, 4)
	for _, sub := range Subsystems() {
		fake := newFakeAdapter(sub)
		adapters[sub] = fake
		list = append(list, fake)
	}
	orch, err := NewOrchestrator(store, list, nil)
	if err != nil {
		t.Fatalf("NewOrchestrator() returned error: %v", err)
	}
	return &fixture{orch: orch, store: store, adapters: adapters}
}

// TestCreateProvisionsEverything tests a clean full run: every step
// succeeds, every record lands as created, and prerequisite outputs are
// visible to dependents.
func TestCreateProvisionsEverything(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	result, err := fx.orch.Create(ctx, "orders", allSpecs())
	if err != nil {
		t.Fatalf("Create() returned error: %v", err)
	}
	if !result.Success {
		t.Fatal("Expected successful result")
	}
	if len(result.Steps) != len(dependencyTable) {
		t.Fatalf("Expected %d step results, got %d", len(dependencyTable), len(result.Steps))
	}
	for _, step := range result.Steps {
		if step.Status != StepStatusCreated {
			t.Errorf("Step %v: expected created, got %s", step.Key, step.Status)
		}
	}

	record, err := fx.store.Get(ctx, "orders")
	if err != nil || record == nil {
		t.Fatalf("Expected persisted record, got %v (err=%v)", record, err)
	}
	for _, entry := range dependencyTable {
		rec := record.Record(StepKey{Subsystem: entry.Subsystem, Kind: entry.Kind})
		if rec == nil || rec.Status != StatusCreated {
			t.Errorf("Kind %q: expected created record, got %+v", entry.Kind, rec)
		}
	}

	// The role assignment depends on two principals; both outputs must
	// have been available when it ran.
	seen := fx.adapters[SubsystemStorage].priorSeen[KindRoleAssignment]
	if !containsKind(seen, KindManagedIdentity) || !containsKind(seen, KindServicePrincipal) {
		t.Errorf("Expected role-assignment to see both principal outputs, saw %v", seen)
	}
}

// TestCreateIsIdempotent tests that a second run skips every step
// without calling the adapters again.
func TestCreateIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.orch.Create(ctx, "orders", allSpecs()); err != nil {
		t.Fatalf("First Create() returned error: %v", err)
	}
	callsBefore := len(fx.adapters[SubsystemStorage].creates)

	result, err := fx.orch.Create(ctx, "orders", allSpecs())
	if err != nil {
		t.Fatalf("Second Create() returned error: %v", err)
	}
	if !result.Success {
		t.Fatal("Expected successful result")
	}
	for _, step := range result.Steps {
		if step.Status != StepStatusSkipped {
			t.Errorf("Step %v: expected skipped, got %s", step.Key, step.Status)
		}
	}
	if got := len(fx.adapters[SubsystemStorage].creates); got != callsBefore {
		t.Errorf("Expected no new adapter calls, got %d extra", got-callsBefore)
	}
}

// TestCreateFailsFast tests that the first failing step halts the run
// and later steps are never attempted.
func TestCreateFailsFast(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	boom := NewTransientError("catalog service unavailable", nil)
	fx.adapters[SubsystemCatalog].failCreate[KindStorageCredential] = boom

	result, err := fx.orch.Create(ctx, "orders", allSpecs())
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if result == nil || result.Success {
		t.Fatal("Expected failed result")
	}

	last := result.Steps[len(result.Steps)-1]
	if last.Key.Kind != KindStorageCredential || last.Status != StepStatusFailed {
		t.Errorf("Expected final step to be the failed storage-credential, got %+v", last)
	}
	if len(fx.adapters[SubsystemWarehouse].creates) != 0 {
		t.Errorf("Expected no warehouse steps after failure, got %v", fx.adapters[SubsystemWarehouse].creates)
	}

	record, _ := fx.store.Get(ctx, "orders")
	rec := record.Record(StepKey{Subsystem: SubsystemCatalog, Kind: KindStorageCredential})
	if rec == nil || rec.Status != StatusFailed || rec.Error == "" {
		t.Errorf("Expected failed record with error, got %+v", rec)
	}
	if record.LastError == "" {
		t.Error("Expected record-level last error")
	}
}

// TestCreateResumesAfterFailure tests that a retry skips completed
// steps and re-attempts exactly the failed one.
func TestCreateResumesAfterFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.adapters[SubsystemCatalog].failCreate[KindStorageCredential] = errors.New("flaky")

	if _, err := fx.orch.Create(ctx, "orders", allSpecs()); err == nil {
		t.Fatal("Expected first run to fail")
	}
	delete(fx.adapters[SubsystemCatalog].failCreate, KindStorageCredential)

	result, err := fx.orch.Create(ctx, "orders", allSpecs())
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if !result.Success {
		t.Fatal("Expected successful retry")
	}

	retried := 0
	for _, step := range result.Steps {
		if step.Status == StepStatusSkipped {
			continue
		}
		retried++
	}
	// The failed step plus everything planned after it.
	if retried == 0 || retried == len(result.Steps) {
		t.Errorf("Expected a mix of skipped and retried steps, got %d retried of %d", retried, len(result.Steps))
	}

	record, _ := fx.store.Get(ctx, "orders")
	if record.LastError != "" {
		t.Errorf("Expected last error cleared after success, got %q", record.LastError)
	}
}

func credentialSubsetSpecs() []ResourceSpec {
	return []ResourceSpec{
		{Subsystem: SubsystemStorage, Kind: KindContainer},
		{Subsystem: SubsystemStorage, Kind: KindManagedIdentity},
		{Subsystem: SubsystemCatalog, Kind: KindStorageCredential},
	}
}

// TestCreateStorageCredentialSubset tests the minimal three-kind
// request end to end: a clean run yields three created records, a
// forced transient failure on the credential leaves two created and
// one failed, the retry touches only the credential, and a full delete
// removes the record entirely.
func TestCreateStorageCredentialSubset(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	specs := credentialSubsetSpecs()
	boom := NewTransientError("metastore unavailable", nil)
	fx.adapters[SubsystemCatalog].failCreate[KindStorageCredential] = boom

	if _, err := fx.orch.Create(ctx, "orders", specs); err == nil {
		t.Fatal("Expected first run to fail on the credential")
	}

	record, _ := fx.store.Get(ctx, "orders")
	created, failed := 0, 0
	for _, rec := range record.Resources {
		switch rec.Status {
		case StatusCreated:
			created++
		case StatusFailed:
			failed++
		}
	}
	if created != 2 || failed != 1 {
		t.Fatalf("Expected 2 created and 1 failed record, got %d/%d", created, failed)
	}

	delete(fx.adapters[SubsystemCatalog].failCreate, KindStorageCredential)
	result, err := fx.orch.Create(ctx, "orders", specs)
	if err != nil {
		t.Fatalf("Retry returned error: %v", err)
	}
	if !result.Success || len(result.Steps) != 3 {
		t.Fatalf("Expected 3 successful steps, got %+v", result)
	}
	for _, step := range result.Steps {
		want := StepStatusSkipped
		if step.Key.Kind == KindStorageCredential {
			want = StepStatusCreated
		}
		if step.Status != want {
			t.Errorf("Step %v: expected %s, got %s", step.Key, want, step.Status)
		}
	}
	if calls := fx.adapters[SubsystemStorage].creates; len(calls) != 2 {
		t.Errorf("Expected storage steps untouched by the retry, got %v", calls)
	}

	if _, err := fx.orch.Delete(ctx, "orders", ScopeAll); err != nil {
		t.Fatalf("Delete() returned error: %v", err)
	}
	record, err = fx.store.Get(ctx, "orders")
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if record != nil {
		t.Errorf("Expected state record removed after full delete, got %+v", record)
	}
}

// TestDeleteDropsNeverCreatedRecords tests that a failed record without
// an external ID is removed without calling the adapter, so a full
// delete after a failed create still converges.
func TestDeleteDropsNeverCreatedRecords(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.adapters[SubsystemCatalog].failCreate[KindStorageCredential] = errors.New("denied")

	if _, err := fx.orch.Create(ctx, "orders", allSpecs()); err == nil {
		t.Fatal("Expected run to fail")
	}

	result, err := fx.orch.Delete(ctx, "orders", ScopeAll)
	if err != nil {
		t.Fatalf("Delete() returned error: %v", err)
	}
	if !result.Success {
		t.Fatal("Expected successful delete")
	}
	if containsKind(fx.adapters[SubsystemCatalog].deletes, KindStorageCredential) {
		t.Error("Expected no adapter delete for the never-created credential")
	}

	record, err := fx.store.Get(ctx, "orders")
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if record != nil {
		t.Errorf("Expected state record removed, got %+v", record)
	}
}

// TestCreatePersistsPendingBeforeAttempt tests that the attempt is
// recorded before the adapter is called, which is also the explicit
// failed-to-pending retry transition.
func TestCreatePersistsPendingBeforeAttempt(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.adapters[SubsystemStorage].failCreate[KindContainer] = errors.New("denied")

	if _, err := fx.orch.Create(ctx, "orders", allSpecs()); err == nil {
		t.Fatal("Expected run to fail")
	}

	sawPending := false
	key := StepKey{Subsystem: SubsystemStorage, Kind: KindContainer}
	for _, snapshot := range fx.store.history {
		if rec := snapshot.Record(key); rec != nil && rec.Status == StatusPending {
			sawPending = true
		}
	}
	if !sawPending {
		t.Error("Expected a persisted pending record before the adapter call")
	}
}

// TestDeleteTearsDownInReverseOrder tests that a full delete removes
// every resource, dependents before prerequisites, and drops the state
// record.
func TestDeleteTearsDownInReverseOrder(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.orch.Create(ctx, "orders", allSpecs()); err != nil {
		t.Fatalf("Create() returned error: %v", err)
	}

	result, err := fx.orch.Delete(ctx, "orders", ScopeAll)
	if err != nil {
		t.Fatalf("Delete() returned error: %v", err)
	}
	if !result.Success {
		t.Fatal("Expected successful delete")
	}
	if len(result.Steps) != len(dependencyTable) {
		t.Fatalf("Expected %d delete steps, got %d", len(dependencyTable), len(result.Steps))
	}

	position := make(map[Kind]int, len(result.Steps))
	for i, step := range result.Steps {
		position[step.Key.Kind] = i
	}
	for _, entry := range dependencyTable {
		for _, req := range entry.Requires {
			if position[entry.Kind] >= position[req] {
				t.Errorf("Kind %q deleted at %d after its prerequisite %q at %d",
					entry.Kind, position[entry.Kind], req, position[req])
			}
		}
	}

	record, err := fx.store.Get(ctx, "orders")
	if err != nil {
		t.Fatalf("Get() returned error: %v", err)
	}
	if record != nil {
		t.Errorf("Expected state record removed, got %+v", record)
	}
}

// TestDeleteIsolatesFailures tests that one failing subsystem never
// blocks cleanup of the others.
func TestDeleteIsolatesFailures(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.orch.Create(ctx, "orders", allSpecs()); err != nil {
		t.Fatalf("Create() returned error: %v", err)
	}
	fx.adapters[SubsystemCatalog].failDelete[KindCatalog] = errors.New("catalog is locked")

	result, err := fx.orch.Delete(ctx, "orders", ScopeAll)
	if err == nil {
		t.Fatal("Expected aggregate error, got nil")
	}
	if result.Success {
		t.Fatal("Expected failed result")
	}

	// Every other subsystem still got fully cleaned up.
	for _, sub := range []Subsystem{SubsystemStorage, SubsystemDirectory, SubsystemWarehouse} {
		if outcome := result.Subsystems[sub]; outcome.Failed != 0 {
			t.Errorf("Subsystem %q: expected no failures, got %d", sub, outcome.Failed)
		}
	}

	record, _ := fx.store.Get(ctx, "orders")
	if record == nil {
		t.Fatal("Expected state record retained after partial failure")
	}
	rec := record.Record(StepKey{Subsystem: SubsystemCatalog, Kind: KindCatalog})
	if rec == nil || rec.Status != StatusFailed {
		t.Errorf("Expected failed catalog record retained, got %+v", rec)
	}
	if len(record.Resources) != 1 {
		t.Errorf("Expected only the failed record to remain, got %d", len(record.Resources))
	}
}

// TestDeleteScopedToSubsystem tests that a scoped delete removes only
// one subsystem's resources and keeps the record.
func TestDeleteScopedToSubsystem(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	if _, err := fx.orch.Create(ctx, "orders", allSpecs()); err != nil {
		t.Fatalf("Create() returned error: %v", err)
	}

	result, err := fx.orch.Delete(ctx, "orders", ScopeSubsystem(SubsystemWarehouse))
	if err != nil {
		t.Fatalf("Delete() returned error: %v", err)
	}
	if !result.Success {
		t.Fatal("Expected successful scoped delete")
	}
	if len(result.Steps) != 3 {
		t.Fatalf("Expected 3 warehouse steps, got %d", len(result.Steps))
	}

	record, _ := fx.store.Get(ctx, "orders")
	if record == nil {
		t.Fatal("Expected state record retained after scoped delete")
	}
	for _, entry := range dependencyTable {
		key := StepKey{Subsystem: entry.Subsystem, Kind: entry.Kind}
		rec := record.Record(key)
		if entry.Subsystem == SubsystemWarehouse {
			if rec != nil {
				t.Errorf("Expected warehouse record %v removed, got %+v", key, rec)
			}
		} else if rec == nil {
			t.Errorf("Expected record %v retained", key)
		}
	}
}

// TestDeleteWithoutRecordIsNoop tests that deleting an unknown
// datasource succeeds with nothing to do.
func TestDeleteWithoutRecordIsNoop(t *testing.T) {
	fx := newFixture(t)

	result, err := fx.orch.Delete(context.Background(), "ghost", ScopeAll)
	if err != nil {
		t.Fatalf("Delete() returned error: %v", err)
	}
	if !result.Success || len(result.Steps) != 0 {
		t.Errorf("Expected empty successful result, got %+v", result)
	}
}

// TestDeleteRejectsUnknownScope tests scope validation.
func TestDeleteRejectsUnknownScope(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.orch.Delete(context.Background(), "orders", ScopeSubsystem("mainframe"))
	if err == nil {
		t.Fatal("Expected error for unknown subsystem scope, got nil")
	}
}

// TestNewOrchestratorRejectsDuplicateAdapters tests constructor
// validation.
func TestNewOrchestratorRejectsDuplicateAdapters(t *testing.T) {
	store := newMemStore()
	a := newFakeAdapter(SubsystemStorage)
	b := newFakeAdapter(SubsystemStorage)
	if _, err := NewOrchestrator(store, []Adapter{a, b}, nil); err == nil {
		t.Fatal("Expected error for duplicate adapters, got nil")
	}
	if _, err := NewOrchestrator(nil, nil, nil); err == nil {
		t.Fatal("Expected error for nil store, got nil")
	}
}

func containsKind(kinds []Kind, want Kind) bool {
	for _, k := range kinds {
		if k == want {
			return true
		}
	}
	return false
}
