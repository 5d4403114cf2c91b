package pipeline

import (
	"fmt"

	"github.com/gidorah/image-processing-service-api/internal/model"
)

// ValidationError reports a kind-specific constraint violation in a
// requested operation. It is surfaced directly to the caller and is
// never retried or enqueued.
type ValidationError struct {
	Kind   model.OpKind
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid %s operation: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("invalid %s operation: field %q: %s", e.Kind, e.Field, e.Reason)
}

func invalid(kind model.OpKind, field, reason string) error {
	return &ValidationError{Kind: kind, Field: field, Reason: reason}
}
