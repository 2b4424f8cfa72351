// Package databricks implements the catalog subsystem adapter on the
// Databricks account and workspace APIs: account-level service
// principals, Unity Catalog storage credentials, external locations,
// catalogs, and catalog grants.
package databricks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/openlakehouse/lakesource/pkg/config"
)

// Client talks to both Databricks planes: the workspace API for Unity
// Catalog objects and the account API for SCIM service principals.
// Each plane has its own OAuth client-credentials token endpoint.
type Client struct {
	workspaceURL string
	accountURL   string
	accountID    string

	workspaceHTTP *http.Client
	accountHTTP   *http.Client
}

// NewClient builds a dual-plane client from configuration. Tokens are
// fetched and refreshed lazily by the oauth2 transport.
func NewClient(ctx context.Context, cfg *config.DatabricksConfig) *Client {
	workspaceURL := strings.TrimRight(cfg.WorkspaceURL, "/")
	accountURL := strings.TrimRight(cfg.AccountURL, "/")

	workspaceOAuth := &clientcredentials.Config{
		ClientID:     cfg.WorkspaceClientID,
		ClientSecret: cfg.WorkspaceClientSecret,
		TokenURL:     workspaceURL + "/oidc/v1/token",
		Scopes:       cfg.WorkspaceOAuthScopes,
	}
	accountOAuth := &clientcredentials.Config{
		ClientID:     cfg.AccountClientID,
		ClientSecret: cfg.AccountClientSecret,
		TokenURL:     fmt.Sprintf("%s/oidc/accounts/%s/v1/token", accountURL, cfg.AccountID),
		Scopes:       cfg.AccountOAuthScopes,
	}

	return &Client{
		workspaceURL:  workspaceURL,
		accountURL:    accountURL,
		accountID:     cfg.AccountID,
		workspaceHTTP: workspaceOAuth.Client(ctx),
		accountHTTP:   accountOAuth.Client(ctx),
	}
}

// NewClientWithTransport builds a client against arbitrary endpoints
// and HTTP clients. Used by tests running against local servers.
func NewClientWithTransport(workspaceURL, accountURL, accountID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		workspaceURL:  strings.TrimRight(workspaceURL, "/"),
		accountURL:    strings.TrimRight(accountURL, "/"),
		accountID:     accountID,
		workspaceHTTP: httpClient,
		accountHTTP:   httpClient,
	}
}

type accountServicePrincipal struct {
	ID            string `json:"id,omitempty"`
	ApplicationID string `json:"applicationId,omitempty"`
	DisplayName   string `json:"displayName,omitempty"`
	Active        bool   `json:"active"`
	Schemas       []any  `json:"schemas,omitempty"`
}

type scimListResponse struct {
	Resources    []accountServicePrincipal `json:"Resources"`
	TotalResults int                       `json:"totalResults"`
}

type azureManagedIdentity struct {
	AccessConnectorID string `json:"access_connector_id"`
	ManagedIdentityID string `json:"managed_identity_id,omitempty"`
}

type storageCredential struct {
	Name                 string                `json:"name"`
	Comment              string                `json:"comment,omitempty"`
	AzureManagedIdentity *azureManagedIdentity `json:"azure_managed_identity,omitempty"`
}

type externalLocation struct {
	Name           string `json:"name"`
	URL            string `json:"url"`
	CredentialName string `json:"credential_name"`
	Comment        string `json:"comment,omitempty"`
}

type catalogInfo struct {
	Name        string `json:"name"`
	StorageRoot string `json:"storage_root,omitempty"`
	Comment     string `json:"comment,omitempty"`
}

type permissionsChange struct {
	Principal string   `json:"principal"`
	Add       []string `json:"add,omitempty"`
	Remove    []string `json:"remove,omitempty"`
}

type permissionsPatch struct {
	Changes []permissionsChange `json:"changes"`
}

func (c *Client) scimPath(suffix string) string {
	return fmt.Sprintf("/api/2.0/accounts/%s/scim/v2/ServicePrincipals%s", c.accountID, suffix)
}

func (c *Client) findAccountServicePrincipal(ctx context.Context, applicationID string) (*accountServicePrincipal, error) {
	q := url.Values{}
	q.Set("filter", fmt.Sprintf("applicationId eq %q", applicationID))
	var page scimListResponse
	if err := c.doAccount(ctx, http.MethodGet, c.scimPath("?"+q.Encode()), nil, &page); err != nil {
		return nil, err
	}
	if len(page.Resources) == 0 {
		return nil, nil
	}
	return &page.Resources[0], nil
}

func (c *Client) createAccountServicePrincipal(ctx context.Context, applicationID, displayName string) (*accountServicePrincipal, error) {
	body := accountServicePrincipal{
		ApplicationID: applicationID,
		DisplayName:   displayName,
		Active:        true,
		Schemas:       []any{"urn:ietf:params:scim:schemas:core:2.0:ServicePrincipal"},
	}
	var created accountServicePrincipal
	if err := c.doAccount(ctx, http.MethodPost, c.scimPath(""), body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) deleteAccountServicePrincipal(ctx context.Context, id string) error {
	return c.doAccount(ctx, http.MethodDelete, c.scimPath("/"+id), nil, nil)
}

func (c *Client) getStorageCredential(ctx context.Context, name string) (*storageCredential, error) {
	var cred storageCredential
	if err := c.doWorkspace(ctx, http.MethodGet, "/api/2.1/unity-catalog/storage-credentials/"+url.PathEscape(name), nil, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

func (c *Client) createStorageCredential(ctx context.Context, cred storageCredential) (*storageCredential, error) {
	var created storageCredential
	if err := c.doWorkspace(ctx, http.MethodPost, "/api/2.1/unity-catalog/storage-credentials", cred, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) deleteStorageCredential(ctx context.Context, name string) error {
	return c.doWorkspace(ctx, http.MethodDelete,
		"/api/2.1/unity-catalog/storage-credentials/"+url.PathEscape(name)+"?force=true", nil, nil)
}

func (c *Client) createExternalLocation(ctx context.Context, loc externalLocation) (*externalLocation, error) {
	var created externalLocation
	if err := c.doWorkspace(ctx, http.MethodPost, "/api/2.1/unity-catalog/external-locations", loc, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) deleteExternalLocation(ctx context.Context, name string) error {
	return c.doWorkspace(ctx, http.MethodDelete,
		"/api/2.1/unity-catalog/external-locations/"+url.PathEscape(name)+"?force=true", nil, nil)
}

func (c *Client) createCatalog(ctx context.Context, cat catalogInfo) (*catalogInfo, error) {
	var created catalogInfo
	if err := c.doWorkspace(ctx, http.MethodPost, "/api/2.1/unity-catalog/catalogs", cat, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) deleteCatalog(ctx context.Context, name string) error {
	return c.doWorkspace(ctx, http.MethodDelete,
		"/api/2.1/unity-catalog/catalogs/"+url.PathEscape(name)+"?force=true", nil, nil)
}

func (c *Client) updateCatalogPermissions(ctx context.Context, catalogName string, patch permissionsPatch) error {
	return c.doWorkspace(ctx, http.MethodPatch,
		"/api/2.1/unity-catalog/permissions/catalog/"+url.PathEscape(catalogName), patch, nil)
}

func (c *Client) doWorkspace(ctx context.Context, method, path string, body, out any) error {
	return c.do(ctx, c.workspaceHTTP, method, c.workspaceURL+path, body, out)
}

func (c *Client) doAccount(ctx context.Context, method, path string, body, out any) error {
	return c.do(ctx, c.accountHTTP, method, c.accountURL+path, body, out)
}

func (c *Client) do(ctx context.Context, httpClient *http.Client, method, fullURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding Databricks request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return fmt.Errorf("building Databricks request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return newAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding Databricks response: %w", err)
	}
	return nil
}
