package azure

import (
	"errors"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/authorization/armauthorization/v2"

	"github.com/openlakehouse/lakesource/pkg/config"
	"github.com/openlakehouse/lakesource/pkg/engine"
)

func respError(status int) error {
	return &azcore.ResponseError{StatusCode: status}
}

// TestClassify tests the ARM status-code-to-class mapping.
func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		code      string
	}{
		{"not found", respError(404), false, engine.ErrCodeNotFound},
		{"conflict", respError(409), false, engine.ErrCodeAlreadyExists},
		{"unauthorized", respError(401), false, engine.ErrCodeUnauthorized},
		{"forbidden", respError(403), false, engine.ErrCodeUnauthorized},
		{"throttled", respError(429), true, engine.ErrCodeThrottled},
		{"server error", respError(503), true, engine.ErrCodeUnavailable},
		{"timeout", respError(408), true, engine.ErrCodeUnavailable},
		{"bad request", respError(400), false, ""},
		{"plain error", errors.New("boom"), false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := classify("op", tt.err)
			if got := engine.IsTransient(classified); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
			var e *engine.Error
			if !errors.As(classified, &e) {
				t.Fatal("Expected an engine error")
			}
			if e.Code != tt.code {
				t.Errorf("Expected code %q, got %q", tt.code, e.Code)
			}
		})
	}
	if classify("op", nil) != nil {
		t.Error("Expected nil for nil error")
	}
}

// TestNotFoundAndConflictPredicates tests the adopt/goal-state helpers.
func TestNotFoundAndConflictPredicates(t *testing.T) {
	if !isNotFound(respError(404)) || isNotFound(respError(409)) {
		t.Error("isNotFound misclassified a response")
	}
	if !isConflict(respError(409)) || isConflict(respError(404)) {
		t.Error("isConflict misclassified a response")
	}
	if isNotFound(errors.New("boom")) || isConflict(errors.New("boom")) {
		t.Error("Expected predicates to reject non-response errors")
	}
}

// TestSplitResourceID tests ARM ID parsing with mixed casing.
func TestSplitResourceID(t *testing.T) {
	id := "/subscriptions/sub-1/resourceGroups/rg-data/providers/Microsoft.Storage/storageAccounts/lakedata/blobServices/default/containers/orders"
	parts := splitResourceID(id)

	if parts["subscriptions"] != "sub-1" {
		t.Errorf("Expected subscription sub-1, got %q", parts["subscriptions"])
	}
	if parts["resourcegroups"] != "rg-data" {
		t.Errorf("Expected resource group rg-data, got %q", parts["resourcegroups"])
	}
	if parts["containers"] != "orders" {
		t.Errorf("Expected container orders, got %q", parts["containers"])
	}

	identity := "/subscriptions/sub-1/resourcegroups/rg-id/providers/Microsoft.ManagedIdentity/userAssignedIdentities/orders"
	if got := splitResourceID(identity)["userassignedidentities"]; got != "orders" {
		t.Errorf("Expected identity name orders, got %q", got)
	}
}

// TestMatchRoleAssignment tests that adoption picks the listed
// assignment that actually grants the contributor role to the
// principal, not assignments of other roles or other principals.
func TestMatchRoleAssignment(t *testing.T) {
	roleDef := "/subscriptions/sub-1/providers/Microsoft.Authorization/roleDefinitions/" + roleStorageBlobDataContributor
	otherDef := "/subscriptions/sub-1/providers/Microsoft.Authorization/roleDefinitions/acdd72a7-3385-48ef-bd42-f606fba81ae7"
	assignments := []*armauthorization.RoleAssignment{
		nil,
		{ID: ptr("ra-other-principal"), Properties: &armauthorization.RoleAssignmentProperties{
			PrincipalID:      ptr("someone-else"),
			RoleDefinitionID: ptr(roleDef),
		}},
		{ID: ptr("ra-other-role"), Properties: &armauthorization.RoleAssignmentProperties{
			PrincipalID:      ptr("pid-1"),
			RoleDefinitionID: ptr(otherDef),
		}},
		{ID: ptr("ra-match"), Properties: &armauthorization.RoleAssignmentProperties{
			PrincipalID:      ptr("pid-1"),
			RoleDefinitionID: ptr(roleDef),
		}},
	}

	if got := matchRoleAssignment(assignments, "pid-1"); got != "ra-match" {
		t.Errorf("Expected ra-match, got %q", got)
	}
	if got := matchRoleAssignment(assignments, "pid-2"); got != "" {
		t.Errorf("Expected no match for unknown principal, got %q", got)
	}
}

// TestResourceIDBuilders tests the fallback ARM IDs the adapter
// constructs when a response omits them.
func TestResourceIDBuilders(t *testing.T) {
	a := &Adapter{cfg: &config.AzureConfig{
		SubscriptionID:        "sub-1",
		ResourceGroup:         "rg-data",
		StorageAccount:        "lakedata",
		IdentityResourceGroup: "rg-identity",
	}}

	container := a.containerResourceID("orders")
	if splitResourceID(container)["containers"] != "orders" {
		t.Errorf("Container ID does not round-trip: %q", container)
	}
	identity := a.identityResourceID("orders")
	if splitResourceID(identity)["userassignedidentities"] != "orders" {
		t.Errorf("Identity ID does not round-trip: %q", identity)
	}
	scope := a.storageAccountResourceID()
	if splitResourceID(scope)["storageaccounts"] != "lakedata" {
		t.Errorf("Scope does not name the storage account: %q", scope)
	}
}
