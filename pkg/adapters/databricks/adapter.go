package databricks

import (
	"context"
	"fmt"
	"strings"

	"github.com/openlakehouse/lakesource/pkg/adapter"
	"github.com/openlakehouse/lakesource/pkg/config"
	"github.com/openlakehouse/lakesource/pkg/engine"
	"github.com/openlakehouse/lakesource/pkg/telemetry"
)

// defaultCatalogPrivileges are granted when the caller does not supply
// a privileges parameter.
var defaultCatalogPrivileges = []string{"USE_CATALOG", "USE_SCHEMA", "SELECT"}

// grantIDSeparator joins catalog name and principal into one external
// ID. The adapter owns this encoding.
const grantIDSeparator = "|"

func init() {
	adapter.Register(engine.SubsystemCatalog, func(cfg *config.Config, log *telemetry.Logger) (engine.Adapter, error) {
		return NewAdapter(NewClient(context.Background(), &cfg.Databricks), &cfg.Databricks, log), nil
	})
}

// Adapter provisions catalog subsystem resources.
type Adapter struct {
	client *Client
	cfg    *config.DatabricksConfig
	log    *telemetry.Logger
}

// NewAdapter builds the catalog adapter over a dual-plane client.
func NewAdapter(client *Client, cfg *config.DatabricksConfig, log *telemetry.Logger) *Adapter {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Adapter{client: client, cfg: cfg, log: log.NewComponentLogger("databricks")}
}

// Subsystem implements engine.Adapter.
func (a *Adapter) Subsystem() engine.Subsystem {
	return engine.SubsystemCatalog
}

// Create implements engine.Adapter.
func (a *Adapter) Create(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	switch req.Kind {
	case engine.KindAccountServicePrincipal:
		return a.createAccountServicePrincipal(ctx, req)
	case engine.KindStorageCredential:
		return a.createStorageCredential(ctx, req)
	case engine.KindExternalLocation:
		return a.createExternalLocation(ctx, req)
	case engine.KindCatalog:
		return a.createCatalog(ctx, req)
	case engine.KindCatalogGrant:
		return a.createCatalogGrant(ctx, req)
	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("catalog adapter does not support kind %q", req.Kind), nil).
			WithCode(engine.ErrCodeUnknownKind)
	}
}

// Delete implements engine.Adapter.
func (a *Adapter) Delete(ctx context.Context, kind engine.Kind, externalID string) error {
	var err error
	switch kind {
	case engine.KindAccountServicePrincipal:
		err = a.client.deleteAccountServicePrincipal(ctx, externalID)
	case engine.KindStorageCredential:
		err = a.client.deleteStorageCredential(ctx, externalID)
	case engine.KindExternalLocation:
		err = a.client.deleteExternalLocation(ctx, externalID)
	case engine.KindCatalog:
		err = a.client.deleteCatalog(ctx, externalID)
	case engine.KindCatalogGrant:
		return a.deleteCatalogGrant(ctx, externalID)
	default:
		return engine.NewPermanentError(
			fmt.Sprintf("catalog adapter does not support kind %q", kind), nil).
			WithCode(engine.ErrCodeUnknownKind)
	}
	if err != nil && !isNotFound(err) {
		return classify(fmt.Sprintf("deleting %s %q", kind, externalID), err)
	}
	return nil
}

// createAccountServicePrincipal mirrors the Entra service principal
// into the Databricks account so catalog grants can name it.
func (a *Adapter) createAccountServicePrincipal(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	sp, err := req.PriorOutput(engine.KindServicePrincipal)
	if err != nil {
		return nil, err
	}
	applicationID := sp.Attributes["app_id"]
	if applicationID == "" {
		return nil, engine.NewInternalError("service principal output lacks app_id", nil).
			WithCode(engine.ErrCodeMissingOutput)
	}

	existing, err := a.client.findAccountServicePrincipal(ctx, applicationID)
	if err != nil {
		return nil, classify(fmt.Sprintf("looking up account service principal %q", applicationID), err)
	}
	if existing == nil {
		existing, err = a.client.createAccountServicePrincipal(ctx, applicationID, req.Datasource)
		if err != nil {
			return nil, classify(fmt.Sprintf("creating account service principal %q", applicationID), err)
		}
		a.log.Infof("created account service principal %s for application %q", existing.ID, applicationID)
	} else {
		a.log.Infof("adopted existing account service principal %s for application %q", existing.ID, applicationID)
	}

	return &engine.CreateResult{
		ExternalID: existing.ID,
		Attributes: map[string]string{
			"application_id": applicationID,
			"scim_id":        existing.ID,
		},
	}, nil
}

// createStorageCredential registers the managed identity with Unity
// Catalog through the workspace access connector. When a role
// assignment is part of the same run it is planned ahead of this step,
// so the identity already holds data access during validation.
func (a *Adapter) createStorageCredential(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	identity, err := req.PriorOutput(engine.KindManagedIdentity)
	if err != nil {
		return nil, err
	}

	name := req.Datasource
	cred := storageCredential{
		Name:    name,
		Comment: fmt.Sprintf("storage credential for datasource %s", req.Datasource),
		AzureManagedIdentity: &azureManagedIdentity{
			AccessConnectorID: a.cfg.AccessConnectorID,
			ManagedIdentityID: identity.ExternalID,
		},
	}

	created, err := a.client.createStorageCredential(ctx, cred)
	if err != nil {
		if !isAlreadyExists(err) {
			return nil, classify(fmt.Sprintf("creating storage credential %q", name), err)
		}
		a.log.Infof("adopted existing storage credential %q", name)
		created, err = a.client.getStorageCredential(ctx, name)
		if err != nil {
			return nil, classify(fmt.Sprintf("reading storage credential %q", name), err)
		}
	} else {
		a.log.Infof("created storage credential %q", name)
	}

	return &engine.CreateResult{
		ExternalID: created.Name,
		Attributes: map[string]string{"name": created.Name},
	}, nil
}

func (a *Adapter) createExternalLocation(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	container, err := req.PriorOutput(engine.KindContainer)
	if err != nil {
		return nil, err
	}
	cred, err := req.PriorOutput(engine.KindStorageCredential)
	if err != nil {
		return nil, err
	}
	locationURL := container.Attributes["abfss_url"]
	if locationURL == "" {
		return nil, engine.NewInternalError("container output lacks abfss_url", nil).
			WithCode(engine.ErrCodeMissingOutput)
	}

	name := req.Datasource
	loc := externalLocation{
		Name:           name,
		URL:            locationURL,
		CredentialName: cred.ExternalID,
		Comment:        fmt.Sprintf("external location for datasource %s", req.Datasource),
	}

	created, err := a.client.createExternalLocation(ctx, loc)
	if err != nil {
		if !isAlreadyExists(err) {
			return nil, classify(fmt.Sprintf("creating external location %q", name), err)
		}
		a.log.Infof("adopted existing external location %q", name)
		created = &loc
	} else {
		a.log.Infof("created external location %q at %s", name, locationURL)
	}

	return &engine.CreateResult{
		ExternalID: created.Name,
		Attributes: map[string]string{
			"name":            created.Name,
			"url":             locationURL,
			"credential_name": cred.ExternalID,
		},
	}, nil
}

func (a *Adapter) createCatalog(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	loc, err := req.PriorOutput(engine.KindExternalLocation)
	if err != nil {
		return nil, err
	}
	storageRoot := loc.Attributes["url"]
	if storageRoot == "" {
		return nil, engine.NewInternalError("external location output lacks url", nil).
			WithCode(engine.ErrCodeMissingOutput)
	}

	name := catalogName(req.Datasource)
	cat := catalogInfo{
		Name:        name,
		StorageRoot: storageRoot,
		Comment:     fmt.Sprintf("catalog for datasource %s", req.Datasource),
	}

	created, err := a.client.createCatalog(ctx, cat)
	if err != nil {
		if !isAlreadyExists(err) {
			return nil, classify(fmt.Sprintf("creating catalog %q", name), err)
		}
		a.log.Infof("adopted existing catalog %q", name)
		created = &cat
	} else {
		a.log.Infof("created catalog %q rooted at %s", name, storageRoot)
	}

	return &engine.CreateResult{
		ExternalID: created.Name,
		Attributes: map[string]string{
			"name":         created.Name,
			"storage_root": storageRoot,
			"metastore_id": a.cfg.MetastoreID,
		},
	}, nil
}

func (a *Adapter) createCatalogGrant(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	cat, err := req.PriorOutput(engine.KindCatalog)
	if err != nil {
		return nil, err
	}
	sp, err := req.PriorOutput(engine.KindAccountServicePrincipal)
	if err != nil {
		return nil, err
	}
	principal := sp.Attributes["application_id"]
	if principal == "" {
		return nil, engine.NewInternalError("account service principal output lacks application_id", nil).
			WithCode(engine.ErrCodeMissingOutput)
	}

	privileges := grantPrivileges(req)
	patch := permissionsPatch{Changes: []permissionsChange{{Principal: principal, Add: privileges}}}
	if err := a.client.updateCatalogPermissions(ctx, cat.ExternalID, patch); err != nil {
		return nil, classify(fmt.Sprintf("granting %v on catalog %q to %q", privileges, cat.ExternalID, principal), err)
	}
	a.log.Infof("granted %v on catalog %q to %q", privileges, cat.ExternalID, principal)

	return &engine.CreateResult{
		ExternalID: cat.ExternalID + grantIDSeparator + principal,
		Attributes: map[string]string{
			"catalog":    cat.ExternalID,
			"principal":  principal,
			"privileges": strings.Join(privileges, ","),
		},
	}, nil
}

// deleteCatalogGrant revokes the full default privilege set. Privilege
// revocation on an absent catalog is goal state already reached.
func (a *Adapter) deleteCatalogGrant(ctx context.Context, externalID string) error {
	catalog, principal, ok := strings.Cut(externalID, grantIDSeparator)
	if !ok {
		return engine.NewPermanentError(
			fmt.Sprintf("cannot split catalog grant ID %q", externalID), nil)
	}
	patch := permissionsPatch{Changes: []permissionsChange{{Principal: principal, Remove: defaultCatalogPrivileges}}}
	err := a.client.updateCatalogPermissions(ctx, catalog, patch)
	if err != nil && !isNotFound(err) {
		return classify(fmt.Sprintf("revoking catalog %q privileges from %q", catalog, principal), err)
	}
	return nil
}

func grantPrivileges(req *engine.CreateRequest) []string {
	raw := req.Params["privileges"]
	if raw == "" {
		return defaultCatalogPrivileges
	}
	var privileges []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			privileges = append(privileges, strings.ToUpper(p))
		}
	}
	if len(privileges) == 0 {
		return defaultCatalogPrivileges
	}
	return privileges
}

// catalogName converts a datasource name to a Unity Catalog
// identifier. UC rejects dashes in catalog names.
func catalogName(datasource string) string {
	return strings.ReplaceAll(datasource, "-", "_")
}
