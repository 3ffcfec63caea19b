package executor

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrJobNotFound is returned when the job id does not exist.
	ErrJobNotFound = errors.New("generation job not found")

	// ErrUnitTimeout is raised when one generation call exceeds its own deadline.
	ErrUnitTimeout = errors.New("generation request timeout")

	// ErrAllVariationsFailed is the summary used when no specific error was captured.
	ErrAllVariationsFailed = errors.New("All variations failed")
)

// ConfigurationError marks a job that can never run as configured. It fails
// the job at setup without attempting any unit.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return e.Err.Error() }

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(format string, args ...any) error {
	return &ConfigurationError{Err: fmt.Errorf(format, args...)}
}

// GenerationError carries an explicit retry classification that overrides
// message matching.
type GenerationError struct {
	Err       error
	Retriable bool
}

func (e *GenerationError) Error() string { return e.Err.Error() }

func (e *GenerationError) Unwrap() error { return e.Err }

// Permanent wraps err so it is never retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &GenerationError{Err: err}
}

// Transient wraps err so it is always eligible for retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &GenerationError{Err: err, Retriable: true}
}

// transientPattern counts a 5xx code only when it follows a status label.
var transientPattern = regexp.MustCompile(`(?i)rate.?limit|too many requests|\b429\b|time.?out|timed out|deadline exceeded|abort|` +
	`(?:status(?:\s?code)?|http(?:/[\d.]+)?)[\s:=]*5\d\d\b|internal server error|bad gateway|unavailable|overloaded|resource.?exhausted|connection reset`)

// IsRetriable classifies err as transient (rate limit, timeout, abort, 5xx)
// or fatal.
func IsRetriable(err error) bool {
	if err == nil {
		return false
	}
	var gerr *GenerationError
	if errors.As(err, &gerr) {
		return gerr.Retriable
	}
	if errors.Is(err, ErrUnitTimeout) {
		return true
	}
	return transientPattern.MatchString(err.Error())
}
