// Package config loads and validates the automation configuration that
// wires the subsystem adapters and the state backend.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AzureConfig configures the storage subsystem adapter.
type AzureConfig struct {
	SubscriptionID        string `yaml:"subscription_id" validate:"required"`
	TenantID              string `yaml:"tenant_id" validate:"required"`
	ClientID              string `yaml:"client_id"`
	ClientSecret          string `yaml:"client_secret"`
	ResourceGroup         string `yaml:"resource_group" validate:"required"`
	StorageAccount        string `yaml:"storage_account" validate:"required"`
	Location              string `yaml:"location" validate:"required"`
	IdentityResourceGroup string `yaml:"identity_resource_group" validate:"required"`
	// DataPlaneDNSSuffix is the DNS suffix for ADLS Gen2 endpoints.
	DataPlaneDNSSuffix string `yaml:"data_plane_dns_suffix"`
}

// DirectoryConfig configures the directory subsystem adapter (Entra ID).
type DirectoryConfig struct {
	GraphURL     string `yaml:"graph_url"`
	TenantID     string `yaml:"tenant_id" validate:"required"`
	ClientID     string `yaml:"client_id" validate:"required"`
	ClientSecret string `yaml:"client_secret" validate:"required"`
}

// DatabricksConfig configures the catalog subsystem adapter.
type DatabricksConfig struct {
	AccountID    string `yaml:"account_id" validate:"required"`
	WorkspaceURL string `yaml:"workspace_url" validate:"required,url"`
	AccountURL   string `yaml:"account_url" validate:"required,url"`
	MetastoreID  string `yaml:"metastore_id" validate:"required"`
	// AccessConnectorID is the resource ID of the Azure access connector
	// associated with Unity Catalog storage credentials.
	AccessConnectorID     string   `yaml:"access_connector_id" validate:"required"`
	WorkspaceClientID     string   `yaml:"workspace_client_id" validate:"required"`
	WorkspaceClientSecret string   `yaml:"workspace_client_secret" validate:"required"`
	WorkspaceOAuthScopes  []string `yaml:"workspace_oauth_scopes"`
	AccountClientID       string   `yaml:"account_client_id" validate:"required"`
	AccountClientSecret   string   `yaml:"account_client_secret" validate:"required"`
	AccountOAuthScopes    []string `yaml:"account_oauth_scopes"`
}

// SnowflakeConfig configures the warehouse subsystem adapter.
type SnowflakeConfig struct {
	Account       string `yaml:"account" validate:"required"`
	User          string `yaml:"user" validate:"required"`
	Password      string `yaml:"password" validate:"required"`
	Role          string `yaml:"role"`
	Warehouse     string `yaml:"warehouse"`
	Database      string `yaml:"database"`
	DefaultSchema string `yaml:"default_schema"`
}

// StateConfig selects and configures the state backend.
type StateConfig struct {
	// Backend is filesystem or sqlite.
	Backend string `yaml:"backend" validate:"omitempty,oneof=filesystem sqlite"`
	// Path is the state directory (filesystem) or database file (sqlite).
	Path string `yaml:"path"`
}

// NamingConfig controls datasource name normalization.
type NamingConfig struct {
	Prefix    string `yaml:"prefix"`
	Separator string `yaml:"separator"`
}

// Config is the root automation configuration.
type Config struct {
	Azure      AzureConfig      `yaml:"azure" validate:"required"`
	Directory  DirectoryConfig  `yaml:"directory" validate:"required"`
	Databricks DatabricksConfig `yaml:"databricks" validate:"required"`
	Snowflake  SnowflakeConfig  `yaml:"snowflake" validate:"required"`
	State      StateConfig      `yaml:"state"`
	Naming     NamingConfig     `yaml:"naming"`
}

// Load reads, parses, and validates a YAML config file.
func Load(path string) (*Config, error) {
	resolved, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Azure.DataPlaneDNSSuffix == "" {
		c.Azure.DataPlaneDNSSuffix = "dfs.core.windows.net"
	}
	if c.Directory.GraphURL == "" {
		c.Directory.GraphURL = "https://graph.microsoft.com"
	}
	if len(c.Databricks.WorkspaceOAuthScopes) == 0 {
		c.Databricks.WorkspaceOAuthScopes = []string{"all-apis"}
	}
	if len(c.Databricks.AccountOAuthScopes) == 0 {
		c.Databricks.AccountOAuthScopes = []string{"all-apis"}
	}
	if c.State.Backend == "" {
		c.State.Backend = "filesystem"
	}
	if c.State.Path == "" {
		c.State.Path = "./state"
	}
	if c.Naming.Separator == "" {
		c.Naming.Separator = "-"
	}
}

// Validate applies struct-tag validation plus the cross-field checks
// tags cannot express.
func (c *Config) Validate() error {
	rejectPlaceholders(c)
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if len(c.Naming.Separator) > 1 {
		return fmt.Errorf("naming.separator must be a single character or empty")
	}
	if strings.TrimRight(c.Databricks.AccountURL, "/") == strings.TrimRight(c.Databricks.WorkspaceURL, "/") {
		return fmt.Errorf("databricks.account_url must be the accounts domain, not the workspace URL")
	}
	parsed, err := url.Parse(c.Databricks.AccountURL)
	if err != nil || !strings.Contains(parsed.Host, "accounts") {
		return fmt.Errorf("databricks.account_url should point at the Databricks accounts endpoint (hostname contains %q)", "accounts")
	}
	return nil
}

// rejectPlaceholders blanks out template values like "<client-id>" so
// the required-field validation catches them.
func rejectPlaceholders(c *Config) {
	fields := []*string{
		&c.Azure.ClientID, &c.Azure.ClientSecret,
		&c.Directory.ClientID, &c.Directory.ClientSecret,
		&c.Databricks.WorkspaceClientID, &c.Databricks.WorkspaceClientSecret,
		&c.Databricks.AccountClientID, &c.Databricks.AccountClientSecret,
		&c.Databricks.AccessConnectorID,
		&c.Snowflake.Password,
	}
	for _, f := range fields {
		v := strings.TrimSpace(*f)
		if strings.HasPrefix(v, "<") && strings.HasSuffix(v, ">") {
			v = ""
		}
		*f = v
	}
}

