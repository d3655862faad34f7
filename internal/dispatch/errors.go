package dispatch

import "net/http"

// ErrKind classifies why a dispatch failed, mapped to an HTTP status by the
// gin handler.
type ErrKind string

const (
	ErrClient           ErrKind = "client-error"
	ErrLookup           ErrKind = "lookup-error"
	ErrAdmissionTimeout ErrKind = "admission-timeout"
	ErrNoEndpoint       ErrKind = "no-endpoint"
	ErrUpstreamConnect  ErrKind = "upstream-connect"
	ErrUpstreamTimeout  ErrKind = "upstream-timeout"
	ErrUpstreamOther    ErrKind = "upstream-other"
	ErrUpstreamStatus   ErrKind = "upstream-status"
	ErrUpstreamParse    ErrKind = "upstream-parse"
	ErrCodec            ErrKind = "codec-error"
)

// statusByKind mirrors §7's propagation policy.
var statusByKind = map[ErrKind]int{
	ErrClient:           http.StatusBadRequest,
	ErrLookup:           http.StatusInternalServerError,
	ErrAdmissionTimeout: http.StatusServiceUnavailable,
	ErrNoEndpoint:       http.StatusServiceUnavailable,
	ErrUpstreamConnect:  http.StatusBadGateway,
	ErrUpstreamTimeout:  http.StatusGatewayTimeout,
	ErrUpstreamOther:    http.StatusBadGateway,
	ErrUpstreamStatus:   0, // forwards the upstream status code verbatim
	ErrUpstreamParse:    http.StatusInternalServerError,
	ErrCodec:            http.StatusInternalServerError,
}

// Error is the single typed failure surfaced by the dispatch engine.
type Error struct {
	Kind       ErrKind
	StatusCode int // only meaningful for ErrUpstreamStatus
	Message    string
}

func (e *Error) Error() string {
	return e.Message
}

// HTTPStatus returns the status code the handler should respond with.
func (e *Error) HTTPStatus() int {
	if e.Kind == ErrUpstreamStatus {
		return e.StatusCode
	}

	return statusByKind[e.Kind]
}

func newError(kind ErrKind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}
