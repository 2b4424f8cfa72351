package databricks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/openlakehouse/lakesource/pkg/config"
	"github.com/openlakehouse/lakesource/pkg/engine"
)

// fakeDatabricks is an in-memory stand-in for the account SCIM plane
// and the Unity Catalog workspace plane.
type fakeDatabricks struct {
	accountID   string
	sps         map[string]accountServicePrincipal
	credentials map[string]storageCredential
	locations   map[string]externalLocation
	catalogs    map[string]catalogInfo
	grants      map[string][]permissionsChange
	nextID      int
}

func newFakeDatabricks(accountID string) *fakeDatabricks {
	return &fakeDatabricks{
		accountID:   accountID,
		sps:         make(map[string]accountServicePrincipal),
		credentials: make(map[string]storageCredential),
		locations:   make(map[string]externalLocation),
		catalogs:    make(map[string]catalogInfo),
		grants:      make(map[string][]permissionsChange),
	}
}

func ucFail(w http.ResponseWriter, status int, code, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error_code": code, "message": message})
}

func (f *fakeDatabricks) handler() http.Handler {
	mux := http.NewServeMux()
	scimBase := fmt.Sprintf("/api/2.0/accounts/%s/scim/v2/ServicePrincipals", f.accountID)

	mux.HandleFunc("GET "+scimBase, func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("filter")
		var matches []accountServicePrincipal
		for _, sp := range f.sps {
			if strings.Contains(filter, fmt.Sprintf("%q", sp.ApplicationID)) {
				matches = append(matches, sp)
			}
		}
		json.NewEncoder(w).Encode(scimListResponse{Resources: matches, TotalResults: len(matches)})
	})
	mux.HandleFunc("POST "+scimBase, func(w http.ResponseWriter, r *http.Request) {
		var sp accountServicePrincipal
		json.NewDecoder(r.Body).Decode(&sp)
		f.nextID++
		sp.ID = fmt.Sprintf("scim-%04d", f.nextID)
		f.sps[sp.ID] = sp
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(sp)
	})
	mux.HandleFunc("DELETE "+scimBase+"/{id}", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := f.sps[r.PathValue("id")]; !ok {
			ucFail(w, 404, "SCIM_404", "service principal not found")
			return
		}
		delete(f.sps, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST /api/2.1/unity-catalog/storage-credentials", func(w http.ResponseWriter, r *http.Request) {
		var cred storageCredential
		json.NewDecoder(r.Body).Decode(&cred)
		if _, dup := f.credentials[cred.Name]; dup {
			ucFail(w, 409, "STORAGE_CREDENTIAL_ALREADY_EXISTS", "credential already exists")
			return
		}
		f.credentials[cred.Name] = cred
		json.NewEncoder(w).Encode(cred)
	})
	mux.HandleFunc("GET /api/2.1/unity-catalog/storage-credentials/{name}", func(w http.ResponseWriter, r *http.Request) {
		cred, ok := f.credentials[r.PathValue("name")]
		if !ok {
			ucFail(w, 404, "STORAGE_CREDENTIAL_DOES_NOT_EXIST", "credential not found")
			return
		}
		json.NewEncoder(w).Encode(cred)
	})
	mux.HandleFunc("DELETE /api/2.1/unity-catalog/storage-credentials/{name}", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := f.credentials[r.PathValue("name")]; !ok {
			ucFail(w, 404, "STORAGE_CREDENTIAL_DOES_NOT_EXIST", "credential not found")
			return
		}
		delete(f.credentials, r.PathValue("name"))
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /api/2.1/unity-catalog/external-locations", func(w http.ResponseWriter, r *http.Request) {
		var loc externalLocation
		json.NewDecoder(r.Body).Decode(&loc)
		if _, dup := f.locations[loc.Name]; dup {
			ucFail(w, 409, "EXTERNAL_LOCATION_ALREADY_EXISTS", "location already exists")
			return
		}
		if _, ok := f.credentials[loc.CredentialName]; !ok {
			ucFail(w, 404, "STORAGE_CREDENTIAL_DOES_NOT_EXIST", "credential not found")
			return
		}
		f.locations[loc.Name] = loc
		json.NewEncoder(w).Encode(loc)
	})
	mux.HandleFunc("DELETE /api/2.1/unity-catalog/external-locations/{name}", func(w http.ResponseWriter, r *http.Request) {
		delete(f.locations, r.PathValue("name"))
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("POST /api/2.1/unity-catalog/catalogs", func(w http.ResponseWriter, r *http.Request) {
		var cat catalogInfo
		json.NewDecoder(r.Body).Decode(&cat)
		if _, dup := f.catalogs[cat.Name]; dup {
			ucFail(w, 409, "CATALOG_ALREADY_EXISTS", "catalog already exists")
			return
		}
		f.catalogs[cat.Name] = cat
		json.NewEncoder(w).Encode(cat)
	})
	mux.HandleFunc("DELETE /api/2.1/unity-catalog/catalogs/{name}", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := f.catalogs[r.PathValue("name")]; !ok {
			ucFail(w, 404, "CATALOG_DOES_NOT_EXIST", "catalog not found")
			return
		}
		delete(f.catalogs, r.PathValue("name"))
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("PATCH /api/2.1/unity-catalog/permissions/catalog/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := r.PathValue("name")
		if _, ok := f.catalogs[name]; !ok {
			ucFail(w, 404, "CATALOG_DOES_NOT_EXIST", "catalog not found")
			return
		}
		var patch permissionsPatch
		json.NewDecoder(r.Body).Decode(&patch)
		f.grants[name] = append(f.grants[name], patch.Changes...)
		json.NewEncoder(w).Encode(map[string]any{})
	})

	return mux
}

func newTestAdapter(t *testing.T) (*Adapter, *fakeDatabricks) {
	t.Helper()
	fake := newFakeDatabricks("acct-1")
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)
	cfg := &config.DatabricksConfig{
		AccountID:         "acct-1",
		MetastoreID:       "metastore-1",
		AccessConnectorID: "/subscriptions/s/resourceGroups/rg/providers/Microsoft.Databricks/accessConnectors/ac",
	}
	client := NewClientWithTransport(server.URL, server.URL, "acct-1", server.Client())
	return NewAdapter(client, cfg, nil), fake
}

func spPrior() map[engine.Kind]engine.StepOutput {
	return map[engine.Kind]engine.StepOutput{
		engine.KindServicePrincipal: {
			ExternalID: "sp-obj-1",
			Attributes: map[string]string{"object_id": "sp-obj-1", "app_id": "app-client-1"},
		},
	}
}

// TestCreateAccountServicePrincipal tests SCIM creation and adoption.
func TestCreateAccountServicePrincipal(t *testing.T) {
	a, fake := newTestAdapter(t)
	ctx := context.Background()
	req := &engine.CreateRequest{
		Datasource: "lake-orders",
		Kind:       engine.KindAccountServicePrincipal,
		Prior:      spPrior(),
	}

	first, err := a.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create() returned error: %v", err)
	}
	if first.Attributes["application_id"] != "app-client-1" {
		t.Errorf("Expected application_id carried over, got %v", first.Attributes)
	}

	second, err := a.Create(ctx, req)
	if err != nil {
		t.Fatalf("Second Create() returned error: %v", err)
	}
	if first.ExternalID != second.ExternalID {
		t.Errorf("Expected adoption, got %q then %q", first.ExternalID, second.ExternalID)
	}
	if len(fake.sps) != 1 {
		t.Errorf("Expected one SCIM principal, got %d", len(fake.sps))
	}
}

// TestCreateStorageCredential tests creation and the already-exists
// adopt path.
func TestCreateStorageCredential(t *testing.T) {
	a, fake := newTestAdapter(t)
	ctx := context.Background()
	prior := map[engine.Kind]engine.StepOutput{
		engine.KindManagedIdentity: {
			ExternalID: "/subscriptions/s/resourceGroups/rg/providers/Microsoft.ManagedIdentity/userAssignedIdentities/lake-orders",
			Attributes: map[string]string{"principal_id": "pid-1"},
		},
	}
	req := &engine.CreateRequest{Datasource: "lake-orders", Kind: engine.KindStorageCredential, Prior: prior}

	result, err := a.Create(ctx, req)
	if err != nil {
		t.Fatalf("Create() returned error: %v", err)
	}
	if result.ExternalID != "lake-orders" {
		t.Errorf("Expected credential named after the datasource, got %q", result.ExternalID)
	}
	stored := fake.credentials["lake-orders"]
	if stored.AzureManagedIdentity == nil ||
		stored.AzureManagedIdentity.ManagedIdentityID != prior[engine.KindManagedIdentity].ExternalID {
		t.Errorf("Expected managed identity wired into the credential, got %+v", stored.AzureManagedIdentity)
	}

	again, err := a.Create(ctx, req)
	if err != nil {
		t.Fatalf("Expected adoption on re-create, got %v", err)
	}
	if again.ExternalID != result.ExternalID {
		t.Errorf("Expected stable credential name, got %q", again.ExternalID)
	}
}

// TestCreateCatalogChain tests external location, catalog, and grant in
// sequence, with underscored catalog naming.
func TestCreateCatalogChain(t *testing.T) {
	a, fake := newTestAdapter(t)
	ctx := context.Background()

	credResult, err := a.Create(ctx, &engine.CreateRequest{
		Datasource: "lake-orders",
		Kind:       engine.KindStorageCredential,
		Prior: map[engine.Kind]engine.StepOutput{
			engine.KindManagedIdentity: {ExternalID: "mi-1"},
		},
	})
	if err != nil {
		t.Fatalf("Credential Create() returned error: %v", err)
	}

	locResult, err := a.Create(ctx, &engine.CreateRequest{
		Datasource: "lake-orders",
		Kind:       engine.KindExternalLocation,
		Prior: map[engine.Kind]engine.StepOutput{
			engine.KindContainer: {
				ExternalID: "container-1",
				Attributes: map[string]string{"abfss_url": "abfss://lake-orders@lakedata.dfs.core.windows.net/"},
			},
			engine.KindStorageCredential: {ExternalID: credResult.ExternalID},
		},
	})
	if err != nil {
		t.Fatalf("Location Create() returned error: %v", err)
	}
	if fake.locations[locResult.ExternalID].URL != "abfss://lake-orders@lakedata.dfs.core.windows.net/" {
		t.Errorf("Expected location URL from container output, got %+v", fake.locations[locResult.ExternalID])
	}

	catResult, err := a.Create(ctx, &engine.CreateRequest{
		Datasource: "lake-orders",
		Kind:       engine.KindCatalog,
		Prior: map[engine.Kind]engine.StepOutput{
			engine.KindExternalLocation: {
				ExternalID: locResult.ExternalID,
				Attributes: locResult.Attributes,
			},
		},
	})
	if err != nil {
		t.Fatalf("Catalog Create() returned error: %v", err)
	}
	if catResult.ExternalID != "lake_orders" {
		t.Errorf("Expected underscored catalog name, got %q", catResult.ExternalID)
	}

	grantResult, err := a.Create(ctx, &engine.CreateRequest{
		Datasource: "lake-orders",
		Kind:       engine.KindCatalogGrant,
		Prior: map[engine.Kind]engine.StepOutput{
			engine.KindCatalog: {ExternalID: catResult.ExternalID},
			engine.KindAccountServicePrincipal: {
				ExternalID: "scim-1",
				Attributes: map[string]string{"application_id": "app-client-1"},
			},
		},
	})
	if err != nil {
		t.Fatalf("Grant Create() returned error: %v", err)
	}
	if grantResult.ExternalID != "lake_orders|app-client-1" {
		t.Errorf("Unexpected grant external ID %q", grantResult.ExternalID)
	}
	changes := fake.grants["lake_orders"]
	if len(changes) != 1 || changes[0].Principal != "app-client-1" || len(changes[0].Add) == 0 {
		t.Errorf("Expected one grant change with privileges, got %+v", changes)
	}
}

// TestDeleteToleratesAbsence tests that deleting vanished objects is a
// success for every catalog kind.
func TestDeleteToleratesAbsence(t *testing.T) {
	a, _ := newTestAdapter(t)
	ctx := context.Background()

	kinds := []engine.Kind{
		engine.KindAccountServicePrincipal,
		engine.KindStorageCredential,
		engine.KindExternalLocation,
		engine.KindCatalog,
	}
	for _, kind := range kinds {
		if err := a.Delete(ctx, kind, "missing"); err != nil {
			t.Errorf("Delete(%s) of absent object returned error: %v", kind, err)
		}
	}
	if err := a.Delete(ctx, engine.KindCatalogGrant, "missing|principal"); err != nil {
		t.Errorf("Grant revoke on absent catalog returned error: %v", err)
	}
}

// TestGrantPrivilegesParam tests privilege override parsing.
func TestGrantPrivilegesParam(t *testing.T) {
	req := &engine.CreateRequest{Params: map[string]string{"privileges": "use_catalog, select"}}
	got := grantPrivileges(req)
	if len(got) != 2 || got[0] != "USE_CATALOG" || got[1] != "SELECT" {
		t.Errorf("Expected normalized privileges, got %v", got)
	}
	if got := grantPrivileges(&engine.CreateRequest{}); len(got) != len(defaultCatalogPrivileges) {
		t.Errorf("Expected default privileges, got %v", got)
	}
}
