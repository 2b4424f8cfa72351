package entra

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

// graphError carries the status and OData error body of a failed Graph
// request.
type graphError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *graphError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph request failed: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph request failed: %d", e.StatusCode)
}

func newGraphError(resp *http.Response) error {
	gerr := &graphError{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err == nil {
		var payload struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil {
			gerr.Code = payload.Error.Code
			gerr.Message = payload.Error.Message
		}
	}
	return gerr
}

// classify maps a Graph error to a classified engine error.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var gerr *graphError
	if errors.As(err, &gerr) {
		switch {
		case gerr.StatusCode == 404:
			return engine.NewPermanentError(op, err).WithCode(engine.ErrCodeNotFound)
		case gerr.StatusCode == 409:
			return engine.NewPermanentError(op, err).WithCode(engine.ErrCodeAlreadyExists)
		case gerr.StatusCode == 401 || gerr.StatusCode == 403:
			return engine.NewPermanentError(op, err).WithCode(engine.ErrCodeUnauthorized)
		case gerr.StatusCode == 429:
			return engine.NewTransientError(op, err).WithCode(engine.ErrCodeThrottled)
		case gerr.StatusCode >= 500:
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
	var gerr *graphError
	return errors.As(err, &gerr) && gerr.StatusCode == 404
}

// isAlreadyMember matches the 400 Graph returns when a $ref add names a
// member the group already contains.
func isAlreadyMember(err error) bool {
	var gerr *graphError
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.StatusCode == 400 && strings.Contains(gerr.Message, "already exist")
}
