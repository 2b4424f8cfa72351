// Package azure implements the storage subsystem adapter on the Azure
// ARM control plane: ADLS blob containers, user-assigned managed
// identities, and role assignments.
package azure

import (
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/authorization/armauthorization/v2"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/msi/armmsi"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/storage/armstorage"

	"github.com/openlakehouse/lakesource/pkg/config"
)

// Client wraps the typed ARM clients the adapter needs, built from a
// single credential. Resource-specific clients keep the CRUD calls
// type-safe, following Azure SDK conventions.
type Client struct {
	BlobContainers         *armstorage.BlobContainersClient
	UserAssignedIdentities *armmsi.UserAssignedIdentitiesClient
	RoleAssignments        *armauthorization.RoleAssignmentsClient
}

// NewClient builds the ARM clients for a subscription. A configured
// client ID/secret pair takes precedence; otherwise the default
// credential chain (environment, managed identity, CLI) is used.
func NewClient(cfg *config.AzureConfig) (*Client, error) {
	cred, err := newCredential(cfg)
	if err != nil {
		return nil, err
	}

	blobContainers, err := armstorage.NewBlobContainersClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}
	identities, err := armmsi.NewUserAssignedIdentitiesClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}
	roleAssignments, err := armauthorization.NewRoleAssignmentsClient(cfg.SubscriptionID, cred, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		BlobContainers:         blobContainers,
		UserAssignedIdentities: identities,
		RoleAssignments:        roleAssignments,
	}, nil
}

func newCredential(cfg *config.AzureConfig) (azcore.TokenCredential, error) {
	if cfg.ClientID != "" && cfg.ClientSecret != "" {
		return azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	}
	return azidentity.NewDefaultAzureCredential(nil)
}
