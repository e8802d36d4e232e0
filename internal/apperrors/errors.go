// Package apperrors defines the error kinds surfaced by the upload pipeline.
//
// Every error returned to a caller of the pipeline wraps exactly one of the
// sentinels below, so callers can classify with errors.Is and recover the
// upstream HTTP status and body with errors.As.
package apperrors

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrInvalidParameter       = errors.New("invalid parameter")
	ErrNoArtifactFound        = errors.New("no artifact found")
	ErrAmbiguousArtifactMatch = errors.New("ambiguous artifact match")
	ErrMissingCredential      = errors.New("missing credential")
	ErrUpstreamAuthFailure    = errors.New("upstream auth failure")
	ErrNegotiationFailure     = errors.New("negotiation failure")
	ErrMalformedResponse      = errors.New("malformed response")
	ErrTransferFailure        = errors.New("transfer failure")
)

var kinds = []error{
	ErrInvalidParameter,
	ErrNoArtifactFound,
	ErrAmbiguousArtifactMatch,
	ErrMissingCredential,
	ErrUpstreamAuthFailure,
	ErrNegotiationFailure,
	ErrMalformedResponse,
	ErrTransferFailure,
}

// Error provides structured error with context.
type Error struct {
	Sentinel   error  // Wrapped sentinel for errors.Is() classification
	Message    string // Human-readable message
	Op         string // Operation that failed (e.g., "registry.negotiate")
	Field      string // For parameter errors (e.g., "architecture")
	StatusCode int    // Upstream HTTP status, 0 when no response was received
	Body       string // Upstream response body, already scrubbed of secrets
	Cause      error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status: %d", e.StatusCode)
		if e.Body != "" {
			fmt.Fprintf(&b, ", body: %s", e.Body)
		}
		b.WriteString(")")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap exposes both the sentinel and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// InvalidParameter reports a caller-supplied value outside its allowed set.
func InvalidParameter(field, message string) error {
	return &Error{
		Sentinel: ErrInvalidParameter,
		Message:  fmt.Sprintf("invalid %s: %s", field, message),
		Field:    field,
	}
}

// NoArtifactFound reports a discovery pass that matched nothing.
func NoArtifactFound(root, pattern string) error {
	return &Error{
		Sentinel: ErrNoArtifactFound,
		Message:  fmt.Sprintf("no files found matching %q under %s", pattern, root),
		Op:       "artifact.locate",
	}
}

// AmbiguousArtifactMatch reports more matches than the configured mode allows.
func AmbiguousArtifactMatch(pattern string, paths []string) error {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = fmt.Sprintf("%q", p)
	}
	return &Error{
		Sentinel: ErrAmbiguousArtifactMatch,
		Message:  fmt.Sprintf("too many files found for %q: %s", pattern, strings.Join(quoted, ",")),
		Op:       "artifact.locate",
	}
}

// MissingCredential reports an absent upstream secret.
func MissingCredential(name string) error {
	return &Error{
		Sentinel: ErrMissingCredential,
		Message:  fmt.Sprintf("%s must be present in environment", name),
		Field:    name,
		Op:       "token.acquire",
	}
}

// UpstreamAuthFailure reports a failed token exchange.
func UpstreamAuthFailure(message string, status int, body string, cause error) error {
	return &Error{
		Sentinel:   ErrUpstreamAuthFailure,
		Message:    message,
		Op:         "token.acquire",
		StatusCode: status,
		Body:       body,
		Cause:      cause,
	}
}

// NegotiationFailure reports a non-success answer to an upload negotiation.
func NegotiationFailure(op string, status int, body string, cause error) error {
	return &Error{
		Sentinel:   ErrNegotiationFailure,
		Message:    "failed to negotiate upload destination",
		Op:         op,
		StatusCode: status,
		Body:       body,
		Cause:      cause,
	}
}

// MalformedResponse reports a successful response that could not be used.
func MalformedResponse(op, message string, cause error) error {
	return &Error{
		Sentinel: ErrMalformedResponse,
		Message:  message,
		Op:       op,
		Cause:    cause,
	}
}

// TransferFailure reports a failed byte transfer.
func TransferFailure(path string, status int, body string, cause error) error {
	return &Error{
		Sentinel:   ErrTransferFailure,
		Message:    fmt.Sprintf("failed to upload file %q", path),
		Op:         "transfer.put",
		StatusCode: status,
		Body:       body,
		Cause:      cause,
	}
}

// Kind returns the taxonomy sentinel wrapped by err, or nil if there is none.
func Kind(err error) error {
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// StatusCode returns the upstream HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 0
}
