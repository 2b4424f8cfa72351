package databricks

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/openlakehouse/lakesource/pkg/engine"
)

// apiError carries the status and error payload of a failed Databricks
// request. Unity Catalog reports error_code strings like
// CATALOG_ALREADY_EXISTS; the SCIM plane reports "detail" instead.
type apiError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *apiError) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("databricks request failed: %d %s: %s", e.StatusCode, e.ErrorCode, e.Message)
	}
	return fmt.Sprintf("databricks request failed: %d: %s", e.StatusCode, e.Message)
}

func newAPIError(resp *http.Response) error {
	aerr := &apiError{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err == nil {
		var payload struct {
			ErrorCode string `json:"error_code"`
			Message   string `json:"message"`
			Detail    string `json:"detail"`
		}
		if json.Unmarshal(body, &payload) == nil {
			aerr.ErrorCode = payload.ErrorCode
			aerr.Message = payload.Message
			if aerr.Message == "" {
				aerr.Message = payload.Detail
			}
		}
	}
	return aerr
}

// classify maps a Databricks error to a classified engine error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var aerr *apiError
	if errors.As(err, &aerr) {
		switch {
		case aerr.StatusCode == 404:
			return engine.NewPermanentError(op, err).WithCode(engine.ErrCodeNotFound)
		case aerr.StatusCode == 409:
			return engine.NewPermanentError(op, err).WithCode(engine.ErrCodeAlreadyExists)
		case aerr.StatusCode == 401 || aerr.StatusCode == 403:
			return engine.NewPermanentError(op, err).WithCode(engine.ErrCodeUnauthorized)
		case aerr.StatusCode == 429:
			return engine.NewTransientError(op, err).WithCode(engine.ErrCodeThrottled)
		case aerr.StatusCode >= 500:
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

func isNotFound(err error) bool {
	var aerr *apiError
	if !errors.As(err, &aerr) {
		return false
	}
	return aerr.StatusCode == 404 || strings.Contains(aerr.ErrorCode, "DOES_NOT_EXIST")
}

func isAlreadyExists(err error) bool {
	var aerr *apiError
	if !errors.As(err, &aerr) {
		return false
	}
	return aerr.StatusCode == 409 || strings.Contains(aerr.ErrorCode, "ALREADY_EXISTS")
}
