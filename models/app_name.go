// Package models holds the data shapes shared by every layer of the
// orchestrator: the queue, the builder, the infrastructure adapters and
// the HTTP surface all import this package and nothing else pulls them
// in, which keeps it the root of the dependency graph (the same role
// the teacher's models package plays).
package models

import (
	"regexp"
	"strconv"
	"strings"
)

// AppName identifies one logical review application. It is a named
// string type rather than a plain string so the compiler rejects
// passing a raw literal where an AppName is expected by accident at
// call sites that also take a service name or image string.
type AppName string

// MasterAppName is the distinguished template source used by
// replicate_from when a deployment does not specify one explicitly.
const MasterAppName AppName = "master"

// rfc1123LabelPattern matches a valid Kubernetes namespace / DNS label:
// lowercase alphanumerics and '-', not starting or ending with '-',
// max 63 characters.
var rfc1123LabelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// NewAppName trims the input and validates it against RFC 1123 label
// rules, since every AppName is eventually projected onto a Kubernetes
// namespace even when the active back-end is Docker (so behaviour does
// not change when the operator switches back-ends later).
func NewAppName(raw string) (AppName, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errInvalidAppName(raw, "must not be empty")
	}
	if len(trimmed) > 63 {
		return "", errInvalidAppName(raw, "must be 63 characters or fewer")
	}
	if !rfc1123LabelPattern.MatchString(trimmed) {
		return "", errInvalidAppName(raw, "must be a valid RFC 1123 label (lowercase alphanumerics and '-')")
	}
	return AppName(trimmed), nil
}

func errInvalidAppName(raw string, reason string) error {
	return &invalidAppNameError{raw: raw, reason: reason}
}

type invalidAppNameError struct {
	raw    string
	reason string
}

func (e *invalidAppNameError) Error() string {
	return "invalid app name " + strconv.Quote(e.raw) + ": " + e.reason
}

// IsMaster reports whether this AppName is the template source.
func (a AppName) IsMaster() bool {
	return a == MasterAppName
}
