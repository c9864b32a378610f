package directory

import (
	"errors"
	"net/http"

	"github.com/dkeye/relaylobby/internal/domain"
)

var (
	ErrInvalidIdentity = errors.New("invalid identity")
	ErrInvalidCapacity = errors.New("invalid session capacity")
	ErrRateLimited     = errors.New("session creation rate limited")
)

// wireErrors maps directory failures to the codes carried in REST error bodies.
var wireErrors = []struct {
	code   string
	status int
	err    error
}{
	{"session_not_found", http.StatusNotFound, domain.ErrSessionNotFound},
	{"session_full", http.StatusConflict, domain.ErrSessionFull},
	{"session_not_joinable", http.StatusConflict, domain.ErrSessionNotJoinable},
	{"not_member", http.StatusConflict, domain.ErrNotMember},
	{"unknown_metadata_key", http.StatusBadRequest, domain.ErrUnknownMetadataKey},
	{"invalid_identity", http.StatusBadRequest, ErrInvalidIdentity},
	{"invalid_capacity", http.StatusBadRequest, ErrInvalidCapacity},
	{"rate_limited", http.StatusTooManyRequests, ErrRateLimited},
}

// ErrorBody is the JSON body of every non-2xx REST response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// ErrorStatus returns the HTTP status and wire code for err.
func ErrorStatus(err error) (int, string) {
	for _, w := range wireErrors {
		if errors.Is(err, w.err) {
			return w.status, w.code
		}
	}
	return http.StatusInternalServerError, ""
}

// errorFromBody turns a REST error body back into the sentinel it was built from.
func errorFromBody(status int, body ErrorBody) error {
	for _, w := range wireErrors {
		if body.Code == w.code {
			return w.err
		}
	}
	if status == http.StatusNotFound {
		return domain.ErrSessionNotFound
	}
	if body.Error == "" {
		body.Error = http.StatusText(status)
	}
	return &StatusError{Status: status, Message: body.Error}
}

// StatusError is an unexpected REST response.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return http.StatusText(e.Status) + ": " + e.Message
}
