// Package entra implements the directory subsystem adapter on the
// Microsoft Graph API: app registrations, service principals, security
// groups, and group memberships.
package entra

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

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	"github.com/openlakehouse/lakesource/pkg/config"
)

// tokenProvider yields bearer tokens for Graph requests. Tests inject a
// static provider; production uses an Entra client-secret credential.
type tokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type credentialTokenProvider struct {
	cred  azcore.TokenCredential
	scope string
}

func (p *credentialTokenProvider) Token(ctx context.Context) (string, error) {
	tok, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{p.scope}})
	if err != nil {
		return "", fmt.Errorf("acquiring Graph token: %w", err)
	}
	return tok.Token, nil
}

// StaticTokenProvider returns the same token for every request.
type StaticTokenProvider string

// Token implements tokenProvider.
func (t StaticTokenProvider) Token(context.Context) (string, error) { return string(t), nil }

// Client is a minimal Microsoft Graph REST client covering the
// directory objects the adapter manages.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  tokenProvider
}

// NewClient builds a Graph client authenticating with the directory
// client-secret credential.
func NewClient(cfg *config.DirectoryConfig) (*Client, error) {
	cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("building directory credential: %w", err)
	}
	base := strings.TrimRight(cfg.GraphURL, "/")
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: 30 * time.Second},
		tokens:  &credentialTokenProvider{cred: cred, scope: base + "/.default"},
	}, nil
}

// NewClientWithTransport builds a client against an arbitrary base URL
// and token provider. Used by tests running against a local server.
func NewClientWithTransport(baseURL string, httpClient *http.Client, tokens tokenProvider) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient, tokens: tokens}
}

// BaseURL returns the Graph endpoint the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

type application struct {
	ID             string `json:"id,omitempty"`
	AppID          string `json:"appId,omitempty"`
	DisplayName    string `json:"displayName,omitempty"`
	SignInAudience string `json:"signInAudience,omitempty"`
}

type servicePrincipal struct {
	ID          string `json:"id,omitempty"`
	AppID       string `json:"appId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type group struct {
	ID              string `json:"id,omitempty"`
	DisplayName     string `json:"displayName,omitempty"`
	MailEnabled     *bool  `json:"mailEnabled,omitempty"`
	MailNickname    string `json:"mailNickname,omitempty"`
	SecurityEnabled *bool  `json:"securityEnabled,omitempty"`
}

type passwordCredential struct {
	DisplayName string `json:"displayName,omitempty"`
	KeyID       string `json:"keyId,omitempty"`
	SecretText  string `json:"secretText,omitempty"`
}

type collection[T any] struct {
	Value []T `json:"value"`
}

func (c *Client) findApplication(ctx context.Context, displayName string) (*application, error) {
	var page collection[application]
	if err := c.get(ctx, "/v1.0/applications?"+eqFilter("displayName", displayName), &page); err != nil {
		return nil, err
	}
	if len(page.Value) == 0 {
		return nil, nil
	}
	return &page.Value[0], nil
}

func (c *Client) createApplication(ctx context.Context, displayName string) (*application, error) {
	body := application{DisplayName: displayName, SignInAudience: "AzureADMyOrg"}
	var created application
	if err := c.post(ctx, "/v1.0/applications", body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) addApplicationPassword(ctx context.Context, objectID, displayName string) (*passwordCredential, error) {
	body := map[string]passwordCredential{
		"passwordCredential": {DisplayName: displayName},
	}
	var cred passwordCredential
	if err := c.post(ctx, "/v1.0/applications/"+objectID+"/addPassword", body, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

func (c *Client) deleteApplication(ctx context.Context, objectID string) error {
	return c.delete(ctx, "/v1.0/applications/"+objectID)
}

func (c *Client) findServicePrincipal(ctx context.Context, appID string) (*servicePrincipal, error) {
	var page collection[servicePrincipal]
	if err := c.get(ctx, "/v1.0/servicePrincipals?"+eqFilter("appId", appID), &page); err != nil {
		return nil, err
	}
	if len(page.Value) == 0 {
		return nil, nil
	}
	return &page.Value[0], nil
}

func (c *Client) createServicePrincipal(ctx context.Context, appID string) (*servicePrincipal, error) {
	var created servicePrincipal
	if err := c.post(ctx, "/v1.0/servicePrincipals", servicePrincipal{AppID: appID}, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) deleteServicePrincipal(ctx context.Context, objectID string) error {
	return c.delete(ctx, "/v1.0/servicePrincipals/"+objectID)
}

func (c *Client) findGroup(ctx context.Context, displayName string) (*group, error) {
	var page collection[group]
	if err := c.get(ctx, "/v1.0/groups?"+eqFilter("displayName", displayName), &page); err != nil {
		return nil, err
	}
	if len(page.Value) == 0 {
		return nil, nil
	}
	return &page.Value[0], nil
}

func (c *Client) createGroup(ctx context.Context, displayName, mailNickname string) (*group, error) {
	body := group{
		DisplayName:     displayName,
		MailEnabled:     boolPtr(false),
		MailNickname:    mailNickname,
		SecurityEnabled: boolPtr(true),
	}
	var created group
	if err := c.post(ctx, "/v1.0/groups", body, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) deleteGroup(ctx context.Context, objectID string) error {
	return c.delete(ctx, "/v1.0/groups/"+objectID)
}

func (c *Client) addGroupMember(ctx context.Context, groupID, memberID string) error {
	body := map[string]string{
		"@odata.id": c.baseURL + "/v1.0/directoryObjects/" + memberID,
	}
	return c.post(ctx, "/v1.0/groups/"+groupID+"/members/$ref", body, nil)
}

func (c *Client) removeGroupMember(ctx context.Context, groupID, memberID string) error {
	return c.delete(ctx, "/v1.0/groups/"+groupID+"/members/"+memberID+"/$ref")
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding Graph request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("building Graph request: %w", err)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return newGraphError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding Graph response: %w", err)
	}
	return nil
}

// eqFilter builds an OData equality filter query string.
func eqFilter(field, value string) string {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("%s eq '%s'", field, strings.ReplaceAll(value, "'", "''")))
	return q.Encode()
}

func boolPtr(v bool) *bool { return &v }
