package snowflake

import (
	"context"
	"fmt"
	"strings"

	"github.com/openlakehouse/lakesource/pkg/adapter"
	"github.com/openlakehouse/lakesource/pkg/config"
	"github.com/openlakehouse/lakesource/pkg/engine"
	"github.com/openlakehouse/lakesource/pkg/telemetry"
)

const (
	externalVolumeSuffix     = "_VOL"
	catalogIntegrationSuffix = "_CI"
)

func init() {
	adapter.Register(engine.SubsystemWarehouse, func(cfg *config.Config, log *telemetry.Logger) (engine.Adapter, error) {
		db, err := Open(&cfg.Snowflake)
		if err != nil {
			return nil, err
		}
		return NewAdapter(db, cfg, log), nil
	})
}

// Adapter provisions warehouse subsystem resources. It needs the full
// configuration because the DDL it renders references the storage
// account, the directory tenant, and the catalog workspace.
type Adapter struct {
	db  executor
	cfg *config.Config
	log *telemetry.Logger
}

// NewAdapter builds the warehouse adapter over a SQL executor.
func NewAdapter(db executor, cfg *config.Config, log *telemetry.Logger) *Adapter {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Adapter{db: db, cfg: cfg, log: log.NewComponentLogger("snowflake")}
}

// Subsystem implements engine.Adapter.
func (a *Adapter) Subsystem() engine.Subsystem {
	return engine.SubsystemWarehouse
}

// Create implements engine.Adapter.
func (a *Adapter) Create(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	switch req.Kind {
	case engine.KindExternalVolume:
		return a.createExternalVolume(ctx, req)
	case engine.KindCatalogIntegration:
		return a.createCatalogIntegration(ctx, req)
	case engine.KindLinkedDatabase:
		return a.createLinkedDatabase(ctx, req)
	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("warehouse adapter does not support kind %q", req.Kind), nil).
			WithCode(engine.ErrCodeUnknownKind)
	}
}

// Delete implements engine.Adapter. DROP ... IF EXISTS makes absent
// objects a success without probing first.
func (a *Adapter) Delete(ctx context.Context, kind engine.Kind, externalID string) error {
	var ddl string
	switch kind {
	case engine.KindExternalVolume:
		ddl = "DROP EXTERNAL VOLUME IF EXISTS " + identifier(externalID)
	case engine.KindCatalogIntegration:
		ddl = "DROP CATALOG INTEGRATION IF EXISTS " + identifier(externalID)
	case engine.KindLinkedDatabase:
		ddl = "DROP DATABASE IF EXISTS " + identifier(externalID)
	default:
		return engine.NewPermanentError(
			fmt.Sprintf("warehouse adapter does not support kind %q", kind), nil).
			WithCode(engine.ErrCodeUnknownKind)
	}
	if err := a.exec(ctx, ddl, nil); err != nil {
		return classify(fmt.Sprintf("dropping %s %q", kind, externalID), err)
	}
	return nil
}

// createExternalVolume points Snowflake at the ADLS container so
// Iceberg table data under the linked database stays readable.
func (a *Adapter) createExternalVolume(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	container, err := req.PriorOutput(engine.KindContainer)
	if err != nil {
		return nil, err
	}
	containerName := container.Attributes["name"]
	if containerName == "" {
		return nil, engine.NewInternalError("container output lacks name", nil).
			WithCode(engine.ErrCodeMissingOutput)
	}

	name := identifier(req.Datasource) + externalVolumeSuffix
	baseURL := fmt.Sprintf("azure://%s.blob.core.windows.net/%s",
		a.cfg.Azure.StorageAccount, containerName)

	ddl := strings.Join([]string{
		"CREATE EXTERNAL VOLUME " + name,
		"  STORAGE_LOCATIONS = (",
		"    (",
		"      NAME = " + quoteLiteral(strings.ToLower(name)),
		"      STORAGE_PROVIDER = 'AZURE'",
		"      STORAGE_BASE_URL = " + quoteLiteral(baseURL),
		"      AZURE_TENANT_ID = " + quoteLiteral(a.cfg.Azure.TenantID),
		"    )",
		"  )",
		"  ALLOW_WRITES = TRUE",
	}, "\n")

	if err := a.execAdopting(ctx, ddl, nil, name, "external volume"); err != nil {
		return nil, err
	}
	return &engine.CreateResult{
		ExternalID: name,
		Attributes: map[string]string{
			"name":             name,
			"storage_base_url": baseURL,
		},
	}, nil
}

// createCatalogIntegration connects Snowflake to the Unity Catalog
// Iceberg REST endpoint, authenticating as the datasource's service
// principal.
func (a *Adapter) createCatalogIntegration(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	cat, err := req.PriorOutput(engine.KindCatalog)
	if err != nil {
		return nil, err
	}
	sp, err := req.PriorOutput(engine.KindServicePrincipal)
	if err != nil {
		return nil, err
	}
	clientID := sp.Attributes["app_id"]
	clientSecret := sp.Secrets["client_secret"]
	if clientID == "" || clientSecret == "" {
		return nil, engine.NewInternalError("service principal output lacks OAuth credentials", nil).
			WithCode(engine.ErrCodeMissingOutput)
	}

	name := identifier(req.Datasource) + catalogIntegrationSuffix
	workspaceURL := strings.TrimRight(a.cfg.Databricks.WorkspaceURL, "/")

	ddl := strings.Join([]string{
		"CREATE CATALOG INTEGRATION " + name,
		"  CATALOG_SOURCE = ICEBERG_REST",
		"  TABLE_FORMAT = ICEBERG",
		"  CATALOG_NAMESPACE = 'default'",
		"  REST_CONFIG = (",
		"    CATALOG_URI = " + quoteLiteral(workspaceURL+"/api/2.1/unity-catalog/iceberg-rest"),
		"    CATALOG_NAME = " + quoteLiteral(cat.ExternalID),
		"  )",
		"  REST_AUTHENTICATION = (",
		"    TYPE = OAUTH",
		"    OAUTH_TOKEN_URI = " + quoteLiteral(workspaceURL+"/oidc/v1/token"),
		"    OAUTH_CLIENT_ID = " + quoteLiteral(clientID),
		"    OAUTH_CLIENT_SECRET = " + quoteLiteral(clientSecret),
		"    OAUTH_ALLOWED_SCOPES = ('all-apis')",
		"  )",
		"  ENABLED = TRUE",
	}, "\n")

	secrets := []string{clientSecret}
	if err := a.execAdopting(ctx, ddl, secrets, name, "catalog integration"); err != nil {
		return nil, err
	}
	return &engine.CreateResult{
		ExternalID: name,
		Attributes: map[string]string{
			"name":    name,
			"catalog": cat.ExternalID,
		},
	}, nil
}

// createLinkedDatabase materializes the Unity Catalog contents as a
// Snowflake database through the catalog integration.
func (a *Adapter) createLinkedDatabase(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	integration, err := req.PriorOutput(engine.KindCatalogIntegration)
	if err != nil {
		return nil, err
	}
	volume, err := req.PriorOutput(engine.KindExternalVolume)
	if err != nil {
		return nil, err
	}

	name := identifier(req.Datasource)
	ddl := strings.Join([]string{
		"CREATE DATABASE " + name,
		"  LINKED_CATALOG = (",
		"    CATALOG = " + quoteLiteral(integration.ExternalID),
		"    ALLOWED_NAMESPACES = ('default')",
		"  )",
		"  EXTERNAL_VOLUME = " + quoteLiteral(volume.ExternalID),
	}, "\n")

	if err := a.execAdopting(ctx, ddl, nil, name, "linked database"); err != nil {
		return nil, err
	}
	return &engine.CreateResult{
		ExternalID: name,
		Attributes: map[string]string{
			"name":                name,
			"catalog_integration": integration.ExternalID,
			"external_volume":     volume.ExternalID,
		},
	}, nil
}

// execAdopting runs a CREATE statement and treats the duplicate-object
// error as adoption of the existing object.
func (a *Adapter) execAdopting(ctx context.Context, ddl string, secrets []string, name, what string) error {
	err := a.exec(ctx, ddl, secrets)
	if err == nil {
		a.log.Infof("created %s %q", what, name)
		return nil
	}
	if isAlreadyExists(err) {
		a.log.Infof("adopted existing %s %q", what, name)
		return nil
	}
	return classify(fmt.Sprintf("creating %s %q", what, name), err)
}

// exec runs one statement, logging it with secret literals redacted.
func (a *Adapter) exec(ctx context.Context, ddl string, secrets []string) error {
	a.log.Debugf("executing: %s", redact(ddl, secrets))
	_, err := a.db.ExecContext(ctx, ddl)
	return err
}

// redact masks secret values so DDL can be logged safely.
func redact(ddl string, secrets []string) string {
	for _, s := range secrets {
		if s != "" {
			ddl = strings.ReplaceAll(ddl, s, "****")
		}
	}
	return ddl
}
