package engine

import (
	"fmt"
)

// tableEntry declares one supported resource kind, its subsystem, and
// its direct prerequisite kinds. Kind names are unique across
// subsystems, so prerequisites reference kinds alone even when the
// edge crosses subsystems (e.g. the catalog storage credential needs
// the storage managed identity).
type tableEntry struct {
	Subsystem Subsystem
	Kind      Kind
	Requires  []Kind
}

// dependencyTable is the fixed provisioning graph. Declaration order
// doubles as the tie-breaker during topological sorting, so plans are
// reproducible across runs for the same spec.
var dependencyTable = []tableEntry{
	{SubsystemStorage, KindContainer, nil},
	{SubsystemStorage, KindManagedIdentity, nil},
	{SubsystemDirectory, KindAppRegistration, nil},
	{SubsystemDirectory, KindServicePrincipal, []Kind{KindAppRegistration}},
	{SubsystemStorage, KindRoleAssignment, []Kind{KindManagedIdentity, KindServicePrincipal}},
	{SubsystemDirectory, KindGroup, nil},
	{SubsystemDirectory, KindGroupMembership, []Kind{KindGroup, KindServicePrincipal}},
	{SubsystemCatalog, KindAccountServicePrincipal, []Kind{KindServicePrincipal}},
	{SubsystemCatalog, KindStorageCredential, []Kind{KindManagedIdentity}},
	{SubsystemCatalog, KindExternalLocation, []Kind{KindContainer, KindStorageCredential}},
	{SubsystemCatalog, KindCatalog, []Kind{KindExternalLocation}},
	{SubsystemCatalog, KindCatalogGrant, []Kind{KindCatalog, KindAccountServicePrincipal}},
	{SubsystemWarehouse, KindExternalVolume, []Kind{KindContainer}},
	{SubsystemWarehouse, KindCatalogIntegration, []Kind{KindCatalog, KindServicePrincipal}},
	{SubsystemWarehouse, KindLinkedDatabase, []Kind{KindCatalogIntegration, KindExternalVolume}},
}

// tableIndex maps kinds to their table position for O(1) lookup.
var tableIndex = func() map[Kind]int {
	idx := make(map[Kind]int, len(dependencyTable))
	for i, e := range dependencyTable {
		if _, dup := idx[e.Kind]; dup {
			panic(fmt.Sprintf("duplicate kind %q in dependency table", e.Kind))
		}
		idx[e.Kind] = i
	}
	return idx
}()

// SubsystemOf returns the subsystem a kind belongs to.
func SubsystemOf(kind Kind) (Subsystem, bool) {
	i, ok := tableIndex[kind]
	if !ok {
		return "", false
	}
	return dependencyTable[i].Subsystem, true
}

// Prerequisites returns the direct prerequisite kinds of a kind.
func Prerequisites(kind Kind) []Kind {
	i, ok := tableIndex[kind]
	if !ok {
		return nil
	}
	return dependencyTable[i].Requires
}

// SupportedKinds returns every kind in declaration order.
func SupportedKinds() []Kind {
	kinds := make([]Kind, len(dependencyTable))
	for i, e := range dependencyTable {
		kinds[i] = e.Kind
	}
	return kinds
}

// BuildPlan derives the provisioning plan for the requested specs: the
// dependency table restricted to requested kinds, topologically sorted
// with Kahn's algorithm, declaration order breaking ties.
//
// A requested kind whose prerequisite is absent from the spec is a
// validation error: the orchestrator never provisions resources the
// caller did not ask for.
func BuildPlan(specs []ResourceSpec) (*Plan, error) {
	if len(specs) == 0 {
		return &Plan{}, nil
	}

	requested := make(map[Kind]ResourceSpec, len(specs))
	for _, spec := range specs {
		idx, known := tableIndex[spec.Kind]
		if !known {
			return nil, NewPermanentError(fmt.Sprintf("unsupported resource kind %q", spec.Kind), nil).
				WithCode(ErrCodeUnknownKind)
		}
		if want := dependencyTable[idx].Subsystem; spec.Subsystem != want {
			return nil, NewPermanentError(
				fmt.Sprintf("kind %q belongs to subsystem %q, not %q", spec.Kind, want, spec.Subsystem), nil).
				WithCode(ErrCodeValidation)
		}
		if _, dup := requested[spec.Kind]; dup {
			return nil, NewPermanentError(fmt.Sprintf("duplicate spec for kind %q", spec.Kind), nil).
				WithCode(ErrCodeValidation)
		}
		requested[spec.Kind] = spec
	}

	// In-degrees restricted to requested kinds. A missing prerequisite
	// is rejected rather than implicitly added.
	inDegree := make(map[Kind]int, len(requested))
	dependents := make(map[Kind][]Kind, len(requested))
	for kind := range requested {
		for _, req := range Prerequisites(kind) {
			if _, ok := requested[req]; !ok {
				return nil, NewPermanentError(
					fmt.Sprintf("kind %q requires %q, which the spec does not request", kind, req), nil).
					WithCode(ErrCodeValidation)
			}
			inDegree[kind]++
			dependents[req] = append(dependents[req], kind)
		}
	}

	plan := &Plan{Steps: make([]Step, 0, len(requested))}
	scheduled := make(map[Kind]bool, len(requested))
	for len(plan.Steps) < len(requested) {
		// Pick the first table entry whose prerequisites are all
		// scheduled. Scanning in declaration order makes the sort
		// deterministic without an explicit priority queue.
		progressed := false
		for _, entry := range dependencyTable {
			spec, wanted := requested[entry.Kind]
			if !wanted || scheduled[entry.Kind] || inDegree[entry.Kind] > 0 {
				continue
			}
			plan.Steps = append(plan.Steps, Step{Key: spec.Key(), Spec: spec})
			scheduled[entry.Kind] = true
			for _, dep := range dependents[entry.Kind] {
				inDegree[dep]--
			}
			progressed = true
		}
		if !progressed {
			// Unreachable with the static table above; would mean a
			// cycle slipped into the declarations.
			return nil, NewInternalError("dependency table contains a cycle", nil).
				WithCode(ErrCodeInternal)
		}
	}
	return plan, nil
}
