// Package errs defines the typed error kinds used across aspyx's request
// path. Each kind maps to an HTTP status so handlers can translate an error
// into a response without re-deriving policy at every call site.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies one of the error taxonomy entries from the proxy's error
// handling design: configuration, client input, upstream transport,
// translation, persistence, embedding provider, cache poisoning, and
// transformation failures.
type Kind int

const (
	KindConfiguration Kind = iota
	KindClientInput
	KindUpstreamTransport
	KindTranslation
	KindPersistence
	KindEmbeddingProvider
	KindCachePoisoned
	KindTransformation
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindClientInput:
		return "client_input"
	case KindUpstreamTransport:
		return "upstream_transport"
	case KindTranslation:
		return "translation"
	case KindPersistence:
		return "persistence"
	case KindEmbeddingProvider:
		return "embedding_provider"
	case KindCachePoisoned:
		return "cache_poisoned"
	case KindTransformation:
		return "transformation"
	default:
		return "unknown"
	}
}

// Error is a typed error carrying enough context to build an HTTP response
// and a structured log line without string-sniffing.
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus returns the status code this error should surface as. Kinds
// that default to a fixed status (upstream transport -> 502) can still be
// overridden by setting Status explicitly.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	switch e.Kind {
	case KindClientInput, KindTranslation, KindTransformation:
		return http.StatusBadRequest
	case KindUpstreamTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

func NewWithStatus(kind Kind, message string, status int, cause error) *Error {
	return &Error{Kind: kind, Message: message, Status: status, Err: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
