package azure

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/authorization/armauthorization/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/msi/armmsi"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"
	"github.com/google/uuid"

	"github.com/openlakehouse/lakesource/pkg/adapter"
	"github.com/openlakehouse/lakesource/pkg/config"
	"github.com/openlakehouse/lakesource/pkg/engine"
	"github.com/openlakehouse/lakesource/pkg/telemetry"
)

// roleStorageBlobDataContributor is the built-in role granting data
// access on the storage account.
const roleStorageBlobDataContributor = "ba92f5b4-2d11-453d-a403-e96b0029c9fe"

// roleAssignmentIDSeparator joins the assignment IDs of the two
// principals into one external ID. The adapter owns this encoding.
const roleAssignmentIDSeparator = ","

func init() {
	adapter.Register(engine.SubsystemStorage, func(cfg *config.Config, log *telemetry.Logger) (engine.Adapter, error) {
		client, err := NewClient(&cfg.Azure)
		if err != nil {
			return nil, err
		}
		return NewAdapter(client, &cfg.Azure, log), nil
	})
}

// Adapter provisions storage subsystem resources.
type Adapter struct {
	client *Client
	cfg    *config.AzureConfig
	log    *telemetry.Logger
}

// NewAdapter builds the storage adapter over an ARM client set.
func NewAdapter(client *Client, cfg *config.AzureConfig, log *telemetry.Logger) *Adapter {
	if log == nil {
		log = telemetry.NewNopLogger()
	}
	return &Adapter{client: client, cfg: cfg, log: log.NewComponentLogger("azure")}
}

// Subsystem implements engine.Adapter.
func (a *Adapter) Subsystem() engine.Subsystem {
	return engine.SubsystemStorage
}

// Create implements engine.Adapter.
func (a *Adapter) Create(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	switch req.Kind {
	case engine.KindContainer:
		return a.createContainer(ctx, req)
	case engine.KindManagedIdentity:
		return a.createManagedIdentity(ctx, req)
	case engine.KindRoleAssignment:
		return a.createRoleAssignment(ctx, req)
	default:
		return nil, engine.NewPermanentError(
			fmt.Sprintf("storage adapter does not support kind %q", req.Kind), nil).
			WithCode(engine.ErrCodeUnknownKind)
	}
}

// Delete implements engine.Adapter.
func (a *Adapter) Delete(ctx context.Context, kind engine.Kind, externalID string) error {
	switch kind {
	case engine.KindContainer:
		return a.deleteContainer(ctx, externalID)
	case engine.KindManagedIdentity:
		return a.deleteManagedIdentity(ctx, externalID)
	case engine.KindRoleAssignment:
		return a.deleteRoleAssignment(ctx, externalID)
	default:
		return engine.NewPermanentError(
			fmt.Sprintf("storage adapter does not support kind %q", kind), nil).
			WithCode(engine.ErrCodeUnknownKind)
	}
}

func (a *Adapter) createContainer(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	name := req.Datasource
	a.log.Infof("ensuring ADLS container %q", name)

	// Container PUT is idempotent upstream: re-creating an existing
	// container succeeds with the current resource.
	resp, err := a.client.BlobContainers.Create(ctx,
		a.cfg.ResourceGroup, a.cfg.StorageAccount, name,
		armstorage.BlobContainer{
			ContainerProperties: &armstorage.ContainerProperties{
				PublicAccess: ptr(armstorage.PublicAccessNone),
			},
		}, nil)
	if err != nil && !isConflict(err) {
		return nil, classify(opf("creating container %q", name), err)
	}

	externalID := a.containerResourceID(name)
	if err == nil && resp.ID != nil {
		externalID = *resp.ID
	}
	return &engine.CreateResult{
		ExternalID: externalID,
		Attributes: map[string]string{
			"name":      name,
			"blob_url":  fmt.Sprintf("https://%s.blob.core.windows.net/%s", a.cfg.StorageAccount, name),
			"abfss_url": fmt.Sprintf("abfss://%s@%s.%s/", name, a.cfg.StorageAccount, a.cfg.DataPlaneDNSSuffix),
		},
	}, nil
}

func (a *Adapter) deleteContainer(ctx context.Context, externalID string) error {
	parts := splitResourceID(externalID)
	name := parts["containers"]
	if name == "" {
		return engine.NewPermanentError(
			fmt.Sprintf("cannot extract container name from %q", externalID), nil)
	}
	_, err := a.client.BlobContainers.Delete(ctx, a.cfg.ResourceGroup, a.cfg.StorageAccount, name, nil)
	if err != nil && !isNotFound(err) {
		return classify(opf("deleting container %q", name), err)
	}
	return nil
}

func (a *Adapter) createManagedIdentity(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	name := req.Datasource
	a.log.Infof("ensuring user-assigned managed identity %q", name)

	resp, err := a.client.UserAssignedIdentities.CreateOrUpdate(ctx,
		a.cfg.IdentityResourceGroup, name,
		armmsi.Identity{Location: ptr(a.cfg.Location)}, nil)
	if err != nil {
		return nil, classify(opf("creating managed identity %q", name), err)
	}

	attrs := map[string]string{"name": name}
	if resp.Properties != nil {
		if resp.Properties.ClientID != nil {
			attrs["client_id"] = *resp.Properties.ClientID
		}
		if resp.Properties.PrincipalID != nil {
			attrs["principal_id"] = *resp.Properties.PrincipalID
		}
	}
	externalID := a.identityResourceID(name)
	if resp.ID != nil {
		externalID = *resp.ID
	}
	return &engine.CreateResult{ExternalID: externalID, Attributes: attrs}, nil
}

func (a *Adapter) deleteManagedIdentity(ctx context.Context, externalID string) error {
	parts := splitResourceID(externalID)
	name := parts["userassignedidentities"]
	if name == "" {
		return engine.NewPermanentError(
			fmt.Sprintf("cannot extract identity name from %q", externalID), nil)
	}
	_, err := a.client.UserAssignedIdentities.Delete(ctx, a.cfg.IdentityResourceGroup, name, nil)
	if err != nil && !isNotFound(err) {
		return classify(opf("deleting managed identity %q", name), err)
	}
	return nil
}

// createRoleAssignment grants Storage Blob Data Contributor on the
// storage account to both the managed identity and the directory
// service principal, so the Unity Catalog credential and the
// application can each reach the container data.
func (a *Adapter) createRoleAssignment(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResult, error) {
	identity, err := req.PriorOutput(engine.KindManagedIdentity)
	if err != nil {
		return nil, err
	}
	principal, err := req.PriorOutput(engine.KindServicePrincipal)
	if err != nil {
		return nil, err
	}

	principalIDs := []string{identity.Attributes["principal_id"], principal.Attributes["object_id"]}
	scope := a.storageAccountResourceID()

	var assignmentIDs []string
	for _, principalID := range principalIDs {
		if principalID == "" {
			return nil, engine.NewInternalError("prerequisite output lacks a principal ID", nil).
				WithCode(engine.ErrCodeMissingOutput)
		}
		id, err := a.assignRole(ctx, scope, principalID)
		if err != nil {
			return nil, err
		}
		assignmentIDs = append(assignmentIDs, id)
	}
	return &engine.CreateResult{
		ExternalID: strings.Join(assignmentIDs, roleAssignmentIDSeparator),
		Attributes: map[string]string{"scope": scope, "role_definition_id": roleStorageBlobDataContributor},
	}, nil
}

func (a *Adapter) assignRole(ctx context.Context, scope, principalID string) (string, error) {
	assignmentName := uuid.New().String()
	a.log.Infof("assigning role %q to principal %q on %q", roleStorageBlobDataContributor, principalID, scope)

	resp, err := a.client.RoleAssignments.Create(ctx, scope, assignmentName,
		armauthorization.RoleAssignmentCreateParameters{
			Properties: &armauthorization.RoleAssignmentProperties{
				PrincipalID: ptr(principalID),
				RoleDefinitionID: ptr(fmt.Sprintf(
					"/subscriptions/%s/providers/Microsoft.Authorization/roleDefinitions/%s",
					a.cfg.SubscriptionID, roleStorageBlobDataContributor)),
				PrincipalType: ptr(armauthorization.PrincipalTypeServicePrincipal),
			},
		}, nil)
	if err != nil {
		if isConflict(err) {
			// The principal already holds the role on this scope under
			// some other assignment name. Adopt the real assignment so a
			// later delete removes it instead of no-opping on the name
			// this attempt never created.
			a.log.Infof("role assignment already exists for principal %q", principalID)
			return a.findRoleAssignment(ctx, scope, principalID)
		}
		return "", classify(opf("assigning role to principal %q", principalID), err)
	}
	if resp.ID != nil {
		return *resp.ID, nil
	}
	return fmt.Sprintf("%s/providers/Microsoft.Authorization/roleAssignments/%s", scope, assignmentName), nil
}

// findRoleAssignment returns the ID of the existing assignment granting
// the contributor role to a principal on a scope.
func (a *Adapter) findRoleAssignment(ctx context.Context, scope, principalID string) (string, error) {
	filter := fmt.Sprintf("principalId eq '%s'", principalID)
	pager := a.client.RoleAssignments.NewListForScopePager(scope,
		&armauthorization.RoleAssignmentsClientListForScopeOptions{Filter: ptr(filter)})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return "", classify(opf("listing role assignments for principal %q", principalID), err)
		}
		if id := matchRoleAssignment(page.Value, principalID); id != "" {
			return id, nil
		}
	}
	return "", engine.NewPermanentError(
		opf("role for principal %q conflicted on %q but no existing assignment was found", principalID, scope), nil).
		WithCode(engine.ErrCodeNotFound)
}

// matchRoleAssignment picks the assignment that grants the contributor
// role to the principal. The list filter already restricts results to
// the principal, but responses are checked anyway.
func matchRoleAssignment(assignments []*armauthorization.RoleAssignment, principalID string) string {
	for _, ra := range assignments {
		if ra == nil || ra.ID == nil || ra.Properties == nil {
			continue
		}
		props := ra.Properties
		if props.PrincipalID == nil || *props.PrincipalID != principalID {
			continue
		}
		if props.RoleDefinitionID == nil || !strings.HasSuffix(*props.RoleDefinitionID, roleStorageBlobDataContributor) {
			continue
		}
		return *ra.ID
	}
	return ""
}

func (a *Adapter) deleteRoleAssignment(ctx context.Context, externalID string) error {
	for _, assignmentID := range strings.Split(externalID, roleAssignmentIDSeparator) {
		if assignmentID == "" {
			continue
		}
		_, err := a.client.RoleAssignments.DeleteByID(ctx, assignmentID, nil)
		if err != nil && !isNotFound(err) {
			return classify(opf("deleting role assignment %q", assignmentID), err)
		}
	}
	return nil
}

func (a *Adapter) containerResourceID(name string) string {
	return fmt.Sprintf(
		"/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Storage/storageAccounts/%s/blobServices/default/containers/%s",
		a.cfg.SubscriptionID, a.cfg.ResourceGroup, a.cfg.StorageAccount, name)
}

func (a *Adapter) storageAccountResourceID() string {
	return fmt.Sprintf(
		"/subscriptions/%s/resourceGroups/%s/providers/Microsoft.Storage/storageAccounts/%s",
		a.cfg.SubscriptionID, a.cfg.ResourceGroup, a.cfg.StorageAccount)
}

func (a *Adapter) identityResourceID(name string) string {
	return fmt.Sprintf(
		"/subscriptions/%s/resourceGroups/%s/providers/Microsoft.ManagedIdentity/userAssignedIdentities/%s",
		a.cfg.SubscriptionID, a.cfg.IdentityResourceGroup, name)
}

// splitResourceID splits an ARM resource ID into key/value segments.
// Keys are lowercased because ARM returns inconsistent casing.
func splitResourceID(resourceID string) map[string]string {
	parts := make(map[string]string)
	var segments []string
	for _, seg := range strings.Split(resourceID, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	for i := 0; i < len(segments)-1; i += 2 {
		parts[strings.ToLower(segments[i])] = segments[i+1]
	}
	return parts
}

func ptr[T any](v T) *T {
	return &v
}
