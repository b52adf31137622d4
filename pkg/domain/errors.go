package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a lookup misses. Mutating operations that hit
// it abort with zero writes.
type ErrNotFound struct {
	Entity EntityType
	Ref    string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Ref)
}

// ErrInvalidArgument is returned for malformed input such as an unknown enum
// value or a non-positive amount.
type ErrInvalidArgument struct {
	Field  string
	Reason string
}

func (e ErrInvalidArgument) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrDuplicateConflict is returned when a write would violate a uniqueness
// constraint (member email, entity ID, relation tuple).
type ErrDuplicateConflict struct {
	Entity EntityType
	Field  string
	Value  string
}

func (e ErrDuplicateConflict) Error() string {
	return fmt.Sprintf("%s with %s %q already exists", e.Entity, e.Field, e.Value)
}

// ErrPermissionDenied is returned when an authorization check fails closed.
type ErrPermissionDenied struct {
	Subject    string
	Permission string
	Resource   string
}

func (e ErrPermissionDenied) Error() string {
	return fmt.Sprintf("%s denied %s on %s", e.Subject, e.Permission, e.Resource)
}

// ErrUpstreamUnavailable wraps a timeout or failure from an external
// collaborator (store driver, dispatcher, archive). Callers retry with the
// same idempotency key; the engine never retries writes on its own.
type ErrUpstreamUnavailable struct {
	Op  string
	Err error
}

func (e ErrUpstreamUnavailable) Error() string {
	return fmt.Sprintf("upstream unavailable during %s: %v", e.Op, e.Err)
}

func (e ErrUpstreamUnavailable) Unwrap() error { return e.Err }

// ErrDataIntegrity flags corrupted persisted state such as a duplicate email
// resolving to more than one member or a cycle in the group tree. It is never
// auto-repaired; the affected operation halts until manual remediation.
type ErrDataIntegrity struct {
	Entity EntityType
	Ref    string
	Reason string
}

func (e ErrDataIntegrity) Error() string {
	return fmt.Sprintf("data integrity violation on %s %s: %s", e.Entity, e.Ref, e.Reason)
}

// IsNotFound reports whether err is or wraps an ErrNotFound.
func IsNotFound(err error) bool {
	var target ErrNotFound
	return errors.As(err, &target)
}

// IsInvalidArgument reports whether err is or wraps an ErrInvalidArgument.
func IsInvalidArgument(err error) bool {
	var target ErrInvalidArgument
	return errors.As(err, &target)
}

// IsDuplicateConflict reports whether err is or wraps an ErrDuplicateConflict.
func IsDuplicateConflict(err error) bool {
	var target ErrDuplicateConflict
	return errors.As(err, &target)
}

// IsPermissionDenied reports whether err is or wraps an ErrPermissionDenied.
func IsPermissionDenied(err error) bool {
	var target ErrPermissionDenied
	return errors.As(err, &target)
}

// IsUpstreamUnavailable reports whether err is or wraps an ErrUpstreamUnavailable.
func IsUpstreamUnavailable(err error) bool {
	var target ErrUpstreamUnavailable
	return errors.As(err, &target)
}

// IsDataIntegrity reports whether err is or wraps an ErrDataIntegrity.
func IsDataIntegrity(err error) bool {
	var target ErrDataIntegrity
	return errors.As(err, &target)
}
