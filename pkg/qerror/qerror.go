// Package qerror defines the normalized error type shared by the fetching
// layer. Every failure raised inside the client — transport, cache, parse or
// subscription — is funneled through Normalize before it reaches a caller or
// an error-handling strategy, so downstream code can classify on Kind alone.
package qerror

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/illmade-knight/go-queryflow/pkg/graphql"
)

// Kind classifies a normalized error.
type Kind string

const (
	// KindValidation marks malformed or invalid operation text.
	KindValidation Kind = "validation"
	// KindNetwork marks a transport-level failure, including non-2xx
	// HTTP responses.
	KindNetwork Kind = "network"
	// KindParse marks a malformed response body.
	KindParse Kind = "parse"
	// KindCache marks a cache miss under the cache-only policy or a
	// cache-store I/O failure.
	KindCache Kind = "cache"
	// KindSubscription marks connection, timeout or protocol errors on
	// the push channel.
	KindSubscription Kind = "subscription"
	// KindUnknown marks an unclassified error.
	KindUnknown Kind = "unknown"
)

// Error is the single structured error type produced by Normalize.
type Error struct {
	Kind    Kind
	Message string

	// StatusCode carries the HTTP status for network errors; zero means
	// the failure happened below the HTTP layer (connection, timeout).
	StatusCode int

	// Operation holds any operation-level errors returned by the server
	// alongside the failure.
	Operation []graphql.OperationError

	// Err is the originating error, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a normalized error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates a normalized error of the given kind around an originating
// error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Network creates a network error carrying an HTTP status code. A zero
// status means a connection-level failure.
func Network(message string, statusCode int, err error) *Error {
	return &Error{Kind: KindNetwork, Message: message, StatusCode: statusCode, Err: err}
}

// CacheMiss creates the error returned when the cache-only policy finds no
// entry for a key.
func CacheMiss(key string) *Error {
	return &Error{Kind: KindCache, Message: fmt.Sprintf("no cached value for key %s", key)}
}

// Normalize converts an arbitrary error into an *Error. Already-normalized
// errors pass through unchanged, including when wrapped.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var qe *Error
	if errors.As(err, &qe) {
		return qe
	}
	return &Error{Kind: KindUnknown, Message: err.Error(), Err: err}
}

// Retryable reports whether a failed network call may be retried. Only
// transport-class failures qualify: connection/timeout errors (no status),
// server-side 5xx, and 429. Client errors and every non-network kind
// propagate immediately; operation-level errors returned with HTTP 200 are
// never retried.
func Retryable(err error) bool {
	qe := Normalize(err)
	if qe == nil || qe.Kind != KindNetwork {
		return false
	}
	if qe.StatusCode == 0 {
		return true
	}
	if qe.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return qe.StatusCode >= 500 && qe.StatusCode <= 599
}

// UserMessage returns a generic, human-readable message for an error kind,
// independent of the raw message, for presentation layers that want a
// fallback string.
func UserMessage(kind Kind) string {
	switch kind {
	case KindValidation:
		return "The request was not valid."
	case KindNetwork:
		return "Network connection error - check connectivity."
	case KindParse:
		return "The server response could not be read."
	case KindCache:
		return "Data not available offline."
	case KindSubscription:
		return "The live connection was interrupted."
	default:
		return "Something went wrong."
	}
}
