package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorTaxonomyPredicates(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", ErrNotFound{Entity: EntityMember, Ref: "M-1"}, IsNotFound},
		{"invalid argument", ErrInvalidArgument{Field: "status", Reason: "unknown value"}, IsInvalidArgument},
		{"duplicate conflict", ErrDuplicateConflict{Entity: EntityMember, Field: "email", Value: "a@b.c"}, IsDuplicateConflict},
		{"permission denied", ErrPermissionDenied{Subject: "user:bob", Permission: "edit", Resource: "team:t1"}, IsPermissionDenied},
		{"upstream unavailable", ErrUpstreamUnavailable{Op: "append", Err: errors.New("timeout")}, IsUpstreamUnavailable},
		{"data integrity", ErrDataIntegrity{Entity: EntityGroup, Ref: "G-1", Reason: "cycle"}, IsDataIntegrity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if !tc.check(tc.err) {
				t.Fatalf("predicate rejected %v", tc.err)
			}
			wrapped := fmt.Errorf("operation failed: %w", tc.err)
			if !tc.check(wrapped) {
				t.Fatalf("predicate rejected wrapped %v", wrapped)
			}
			if tc.err.Error() == "" {
				t.Fatalf("error string empty for %T", tc.err)
			}
		})
	}
}

func TestUpstreamUnavailableUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := ErrUpstreamUnavailable{Op: "dispatch", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("expected unwrap to expose cause")
	}
}

func TestPredicatesRejectUnrelatedErrors(t *testing.T) {
	plain := errors.New("boom")
	if IsNotFound(plain) || IsInvalidArgument(plain) || IsDuplicateConflict(plain) ||
		IsPermissionDenied(plain) || IsUpstreamUnavailable(plain) || IsDataIntegrity(plain) {
		t.Fatalf("predicates must reject unrelated errors")
	}
}
