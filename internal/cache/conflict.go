package cache

import (
	"errors"
	"fmt"
	"strings"
)

// MergeConflict describes one incoming field whose kind disagrees with the stored field.
type MergeConflict struct {
	Key      CacheKey
	Field    string
	Existing Kind
	Incoming Kind
}

// String returns a short description of the conflict.
func (c MergeConflict) String() string {
	return fmt.Sprintf("%s.%s: stored %s, incoming %s", c.Key, c.Field, c.Existing, c.Incoming)
}

// ConflictError carries the conflicts of a merge that otherwise completed.
// It matches ErrMergeConflict with errors.Is.
type ConflictError struct {
	Conflicts []MergeConflict
}

func (e *ConflictError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = c.String()
	}
	return fmt.Sprintf("%s (%d): %s", ErrMergeConflict, len(e.Conflicts), strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrMergeConflict) succeed.
func (e *ConflictError) Is(target error) bool {
	return target == ErrMergeConflict
}

// conflictError returns nil when there is nothing to report.
func conflictError(conflicts []MergeConflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	return &ConflictError{Conflicts: conflicts}
}

// Conflicts collects every MergeConflict carried by err, walking wrapped and
// joined errors. It returns nil when err holds none.
func Conflicts(err error) []MergeConflict {
	if err == nil {
		return nil
	}
	var out []MergeConflict
	if ce, ok := err.(*ConflictError); ok {
		out = append(out, ce.Conflicts...)
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			out = append(out, Conflicts(inner)...)
		}
	case interface{ Unwrap() error }:
		out = append(out, Conflicts(u.Unwrap())...)
	}
	return out
}

// OnlyConflicts reports whether err is non-nil and every failure it carries is a
// merge conflict, meaning the changed-key set is complete for the fields that applied.
func OnlyConflicts(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := err.(*ConflictError); ok {
		return true
	}
	if u, ok := err.(interface{ Unwrap() []error }); ok {
		for _, inner := range u.Unwrap() {
			if !OnlyConflicts(inner) {
				return false
			}
		}
		return true
	}
	if u := errors.Unwrap(err); u != nil {
		return OnlyConflicts(u)
	}
	return false
}
