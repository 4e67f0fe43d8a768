// Package errs defines the flat error-kind taxonomy used across the
// orchestrator instead of stringified error chains. Every layer that can
// fail in a way a caller needs to branch on (HTTP status mapping, retry
// policy, task-result serialisation) returns an *Error, never a bare
// fmt.Errorf string.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error categories. New kinds must also get an
// HTTPStatus() mapping below.
type Kind string

const (
	NotFound                    Kind = "not_found"
	Conflict                    Kind = "conflict"
	LimitExceeded                Kind = "limit_exceeded"
	InvalidUserDefinedParameters Kind = "invalid_user_defined_parameters"
	InvalidDeploymentHook        Kind = "invalid_deployment_hook"
	UnapplicableHook             Kind = "unapplicable_hook"
	TemplatingIssue              Kind = "templating_issue"
	ImageRegistryNotFound        Kind = "image_registry_not_found"
	ImageRegistryAuthFailure     Kind = "image_registry_auth_failure"
	ImageRegistryUnexpected      Kind = "image_registry_unexpected"
	InfrastructureError          Kind = "infrastructure_error"
	FailedToParseTraefikRule     Kind = "failed_to_parse_traefik_rule"
)

// Error carries a Kind plus whatever structured fields are relevant to
// that failure, so a log line or an API error body can include
// "app_name=foo image=bar" instead of re-parsing a message string.
type Error struct {
	Kind    Kind
	Message string

	AppName string
	Service string
	Image   string

	// Cause is the wrapped underlying error, if any (network error,
	// SDK error, parse error). Unwrap exposes it so errors.Is/As still
	// work against e.g. context.DeadlineExceeded.
	Cause error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.AppName != "" {
		msg += fmt.Sprintf(" (app=%s)", e.AppName)
	}
	if e.Service != "" {
		msg += fmt.Sprintf(" (service=%s)", e.Service)
	}
	if e.Image != "" {
		msg += fmt.Sprintf(" (image=%s)", e.Image)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a bare *Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error that chains an underlying cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithApp returns a copy of e annotated with an app name; used to thread
// context onto an error returned by a lower layer that doesn't know the
// app it's operating on (e.g. the registry client).
func (e *Error) WithApp(appName string) *Error {
	clone := *e
	clone.AppName = appName
	return &clone
}

func (e *Error) WithService(service string) *Error {
	clone := *e
	clone.Service = service
	return &clone
}

func (e *Error) WithImage(image string) *Error {
	clone := *e
	clone.Image = image
	return &clone
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error,
// reporting ok=false otherwise so callers default to a generic 500.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// HTTPStatus maps a Kind to the status code the HTTP surface should
// return. Kept here, not in httpapi, so the mapping is grounded on the
// same taxonomy the rest of the system branches on.
func (k Kind) HTTPStatus() int {
	switch k {
	case NotFound, ImageRegistryNotFound:
		return 404
	case Conflict:
		return 409
	case LimitExceeded:
		return 412
	case InvalidUserDefinedParameters:
		return 400
	case InvalidDeploymentHook, UnapplicableHook, TemplatingIssue,
		ImageRegistryAuthFailure, ImageRegistryUnexpected,
		InfrastructureError, FailedToParseTraefikRule:
		return 500
	default:
		return 500
	}
}
