package snowflake

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/snowflakedb/gosnowflake"

	"github.com/openlakehouse/lakesource/pkg/engine"
)

// sqlstateAlreadyExists is the Snowflake SQLSTATE for "object already
// exists".
const sqlstateAlreadyExists = "42710"

// classify maps a Snowflake driver error to a classified engine error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var sferr *gosnowflake.SnowflakeError
	if errors.As(err, &sferr) {
		switch {
		case sferr.SQLState == sqlstateAlreadyExists:
			return engine.NewPermanentError(op, err).WithCode(engine.ErrCodeAlreadyExists)
		case strings.Contains(strings.ToLower(sferr.Message), "does not exist"):
			return engine.NewPermanentError(op, err).WithCode(engine.ErrCodeNotFound)
		case strings.Contains(strings.ToLower(sferr.Message), "not authorized"):
			return engine.NewPermanentError(op, err).WithCode(engine.ErrCodeUnauthorized)
		default:
			return engine.NewPermanentError(op, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientError(op, err).WithCode(engine.ErrCodeUnavailable)
	}

	return engine.NewPermanentError(op, err)
}

// isAlreadyExists reports whether err is the duplicate-object error.
// On create that means the object can be adopted.
func isAlreadyExists(err error) bool {
	var sferr *gosnowflake.SnowflakeError
	if !errors.As(err, &sferr) {
		return false
	}
	return sferr.SQLState == sqlstateAlreadyExists ||
		strings.Contains(strings.ToLower(sferr.Message), "already exists")
}
