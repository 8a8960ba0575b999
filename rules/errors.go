package rules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound means the requested row does not exist at all. It is
	// always checked before any tenant comparison so a 404 never leaks
	// whether an id exists in another tenant.
	ErrNotFound = errors.New("not found")

	// ErrAccessDenied means the row exists but belongs to another tenant
	// and the caller is not a superadmin.
	ErrAccessDenied = errors.New("access denied")

	// ErrAgencyRequired means the request carried no agency id.
	ErrAgencyRequired = errors.New("agency id is required")

	// ErrEvaluationExists is returned by stores when an evaluation row for
	// the same (rule, version, signal) already exists.
	ErrEvaluationExists = errors.New("evaluation already recorded")

	// ErrVersionConflict is returned when version-number allocation kept
	// colliding after the bounded number of retries.
	ErrVersionConflict = errors.New("version number allocation conflict")
)

// FieldError describes one invalid field in a payload. For condition and
// action batches the field name carries the item index, e.g.
// "conditions[2].operator".
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError aggregates every field error found in one payload so the
// caller gets the full list in a single 400 response.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s: %s", f.Field, f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

func (e *ValidationError) addf(field, format string, args ...any) {
	e.add(field, fmt.Sprintf(format, args...))
}

// orNil collapses an empty ValidationError to nil so callers can return it
// directly.
func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}
