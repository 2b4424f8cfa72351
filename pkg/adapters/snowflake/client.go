// Package snowflake implements the warehouse subsystem adapter with
// Snowflake DDL: external volumes, catalog integrations, and
// catalog-linked databases.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/snowflakedb/gosnowflake"

	"github.com/openlakehouse/lakesource/pkg/config"
)

// executor is the slice of database/sql the adapter uses. Tests swap in
// a recording fake; production uses *sql.DB over the gosnowflake
// driver.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Open connects to Snowflake with the configured credentials. The
// connection is lazy; the first statement performs the handshake.
func Open(cfg *config.SnowflakeConfig) (*sql.DB, error) {
	dsn, err := gosnowflake.DSN(&gosnowflake.Config{
		Account:   cfg.Account,
		User:      cfg.User,
		Password:  cfg.Password,
		Role:      cfg.Role,
		Warehouse: cfg.Warehouse,
		Database:  cfg.Database,
		Schema:    cfg.DefaultSchema,
	})
	if err != nil {
		return nil, fmt.Errorf("building Snowflake DSN: %w", err)
	}
	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening Snowflake connection: %w", err)
	}
	return db, nil
}

// identifier converts a datasource name into an unquoted Snowflake
// identifier: uppercase, underscores, leading letter guaranteed.
func identifier(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	id := strings.Trim(b.String(), "_")
	if id == "" || (id[0] >= '0' && id[0] <= '9') {
		id = "DS_" + id
	}
	return id
}

// quoteLiteral renders a string literal for embedding in DDL.
// Snowflake DDL properties do not accept bind parameters, so values
// are escaped and inlined.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
