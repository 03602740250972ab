package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors of a bulk operation, logs them as
// one entry and returns the joined error, or nil when every step succeeded.
func AggregateErrors(operation string, errs []error, fields ...Field) error {
	failed := make([]error, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			failed = append(failed, err)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	joined := errors.Join(failed...)
	Log().Error(operation+" failed", append(fields,
		F("operation", operation),
		F("error_count", len(failed)),
		F("error", joined),
	)...)
	return fmt.Errorf("%s failed: %w", operation, joined)
}
