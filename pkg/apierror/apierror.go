// Package apierror defines the director's closed set of domain errors: each
// carries a stable numeric code and the HTTP status it maps to when it
// reaches the API layer. Anything that is not one of these is treated as an
// opaque failure, logged with its full text and reported to callers without
// detail.
package apierror

import (
	"errors"
	"fmt"
)

// Kind identifies one of the director's domain error variants.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindValidationFailed    Kind = "validation_failed"
	KindBadManifest         Kind = "bad_manifest"
	KindUserImmutableName   Kind = "user_immutable_username"
	KindNotAuthorized       Kind = "not_authorized"
	KindLockBusy            Kind = "lock_busy"
	KindReleaseInUse        Kind = "release_in_use"
	KindStemcellInUse       Kind = "stemcell_in_use"
	KindDeploymentInUse     Kind = "deployment_in_use"
	KindAgentUnreachable    Kind = "agent_unreachable"
	KindAgentTimeout        Kind = "agent_timeout"
	KindRemoteError         Kind = "remote_error"
	KindCloudError          Kind = "cloud_error"
	KindCompilationFailed   Kind = "compilation_failed"
	KindInstanceUpdateError Kind = "instance_update_failed"
	KindCancelled           Kind = "cancelled"
)

// codes maps each Kind to its stable numeric error code and default HTTP
// status. The numbers are an internal contract between the director and its
// clients; they must never be renumbered once assigned.
var codes = map[Kind]struct {
	code   int
	status int
}{
	KindNotFound:            {100000, 404},
	KindValidationFailed:    {110000, 400},
	KindBadManifest:         {110001, 400},
	KindUserImmutableName:   {110002, 400},
	KindNotAuthorized:       {120000, 401},
	KindLockBusy:            {130000, 409},
	KindReleaseInUse:        {130001, 409},
	KindStemcellInUse:       {130002, 409},
	KindDeploymentInUse:     {130003, 409},
	KindAgentUnreachable:    {140000, 502},
	KindAgentTimeout:        {140001, 504},
	KindRemoteError:         {140002, 502},
	KindCloudError:          {140003, 502},
	KindCompilationFailed:   {150000, 500},
	KindInstanceUpdateError: {150001, 500},
	KindCancelled:           {150002, 500},
}

// Error is a domain error: a closed tagged variant carrying a code, a
// human-readable description and the HTTP status it maps to.
type Error struct {
	Kind        Kind
	Code        int
	Status      int
	Description string
	cause       error
}

func (e *Error) Error() string {
	return e.Description
}

func (e *Error) Unwrap() error {
	return e.cause
}

// New constructs a domain error of the given kind with a formatted
// description.
func New(kind Kind, format string, args ...interface{}) *Error {
	meta := codes[kind]
	return &Error{
		Kind:        kind,
		Code:        meta.code,
		Status:      meta.status,
		Description: fmt.Sprintf(format, args...),
	}
}

// Wrap constructs a domain error of the given kind whose description
// includes the underlying cause, and preserves it for errors.Unwrap.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	e := New(kind, format, args...)
	e.cause = cause
	return e
}

// Is reports whether err is, or wraps, a domain error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// AsDomainError extracts the *Error from err, if it is or wraps one.
func AsDomainError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
