// Package apierror defines the typed error taxonomy shared by the gateway, session and notes layers.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Kind classifies a failure by how callers are expected to react to it.
type Kind string

const (
	// KindValidation marks local or server-side input validation failures.
	KindValidation Kind = "validation"
	// KindAuthentication marks rejected credentials during login or signup.
	KindAuthentication Kind = "authentication"
	// KindSessionExpired marks an irrecoverable refresh failure; the session has been wiped.
	KindSessionExpired Kind = "session_expired"
	// KindConflict marks an optimistic concurrency precondition failure.
	KindConflict Kind = "conflict"
	// KindNotFound marks a missing resource.
	KindNotFound Kind = "not_found"
	// KindRequest marks any other client error reported by the server.
	KindRequest Kind = "request"
	// KindTransient marks network failures and server errors.
	KindTransient Kind = "transient"
)

// Error is the error value returned by every client operation.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Fields  map[string]string
	Err     error
}

// New constructs an Error of the given kind.
func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// Validation constructs a validation Error carrying per-field messages.
func Validation(op string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: summarizeFields(fields), Fields: fields}
}

func (e *Error) Error() string {
	var builder strings.Builder
	builder.WriteString(e.Code())
	if e.Status != 0 {
		fmt.Fprintf(&builder, " (status %d)", e.Status)
	}
	if e.Message != "" {
		builder.WriteString(": ")
		builder.WriteString(e.Message)
	}
	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}
	return builder.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Code returns a stable "operation.kind" identifier.
func (e *Error) Code() string {
	if e.Op == "" {
		return string(e.Kind)
	}
	return e.Op + "." + string(e.Kind)
}

// KindOf extracts the Kind of err, or the empty Kind when err is not an *Error.
func KindOf(err error) Kind {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return ""
}

// IsKind reports whether err carries the given Kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Recoverable reports whether the session survives err.
func Recoverable(err error) bool {
	return err == nil || KindOf(err) != KindSessionExpired
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// FromResponse maps a non-2xx response to an Error, reading the server's message if present.
func FromResponse(op string, status int, body []byte) *Error {
	message := ""
	var payload errorBody
	if len(body) > 0 && json.Unmarshal(body, &payload) == nil {
		message = payload.Message
		if message == "" {
			message = payload.Error
		}
	}
	if message == "" {
		message = strings.ToLower(http.StatusText(status))
	}
	return &Error{Kind: kindForStatus(status), Op: op, Status: status, Message: message}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindAuthentication
	case status == http.StatusConflict, status == http.StatusPreconditionFailed:
		return KindConflict
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return KindValidation
	case status >= 500, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return KindTransient
	default:
		return KindRequest
	}
}

func summarizeFields(fields map[string]string) string {
	if len(fields) == 0 {
		return ""
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+fields[name])
	}
	return strings.Join(parts, "; ")
}
