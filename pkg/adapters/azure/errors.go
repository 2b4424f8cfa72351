package azure

import (
	"errors"
	"fmt"
	"net"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"github.com/openlakehouse/lakesource/pkg/engine"
)

// classify maps an Azure SDK error to a classified engine error.
// Throttling and server-side failures are transient; everything the
// caller can only fix by changing inputs or remote state is permanent.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == 404:
			return engine.NewPermanentError(op, err).WithCode(engine.ErrCodeNotFound)
		case respErr.StatusCode == 409:
			return engine.NewPermanentError(op, err).WithCode(engine.ErrCodeAlreadyExists)
		case respErr.StatusCode == 401 || respErr.StatusCode == 403:
			return engine.NewPermanentError(op, err).WithCode(engine.ErrCodeUnauthorized)
		case respErr.StatusCode == 429:
			return engine.NewTransientError(op, err).WithCode(engine.ErrCodeThrottled)
		case respErr.StatusCode == 408 || respErr.StatusCode >= 500:
			return engine.NewTransientError(op, err).WithCode(engine.ErrCodeUnavailable)
		default:
			return engine.NewPermanentError(op, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return engine.NewTransientError(op, err).WithCode(engine.ErrCodeUnavailable)
	}

	return engine.NewPermanentError(op, err)
}

// isNotFound reports whether err is a 404 from ARM. On delete that
// means the goal state is already reached.
func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

// isConflict reports whether err is a 409 from ARM. On create that
// means the resource already exists and can be adopted.
func isConflict(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 409
}

func opf(format string, args ...any) string {
	return fmt.Sprintf(format, args...)
}
