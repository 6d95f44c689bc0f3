package extract

import (
	"errors"
	"fmt"
)

var (
	// ErrExtraction is the sentinel all extraction failures unwrap to.
	ErrExtraction = errors.New("extraction failed")

	// ErrUnsupportedFormat is returned by File for unknown extensions.
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// ExtractionError records which format and source failed.
type ExtractionError struct {
	Format string
	Source string
	Err    error
}

func (e *ExtractionError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("extract %s: %v", e.Format, e.Err)
	}
	return fmt.Sprintf("extract %s %s: %v", e.Format, e.Source, e.Err)
}

// Unwrap returns both the cause and ErrExtraction so errors.Is matches either.
func (e *ExtractionError) Unwrap() []error {
	return []error{ErrExtraction, e.Err}
}

func newError(format, source string, err error) error {
	return &ExtractionError{Format: format, Source: source, Err: err}
}
