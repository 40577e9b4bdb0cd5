package forecast

import (
	"fmt"
	"sort"
	"strings"
)

// InsufficientDataError indicates a series is too short to fit a model.
type InsufficientDataError struct {
	Series   string
	Required int
	Actual   int
}

// Error returns the error message string.
func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data for series %s: need %d observations, have %d", e.Series, e.Required, e.Actual)
}

// NewInsufficientDataError creates a new InsufficientDataError.
//
// Parameters:
//   - series: The series identifier the check was performed for.
//   - required: The minimum number of observations needed.
//   - actual: The number of observations available.
//
// Returns:
//   - An error interface wrapping the InsufficientDataError.
func NewInsufficientDataError(series string, required, actual int) error {
	return &InsufficientDataError{
		Series:   series,
		Required: required,
		Actual:   actual,
	}
}

// ModelFitError indicates a single base model failed to train on a series.
// It wraps the underlying cause so callers can inspect it with errors.As.
type ModelFitError struct {
	Model  string
	Series string
	Cause  error
}

// Error returns the error message string.
func (e *ModelFitError) Error() string {
	return fmt.Sprintf("model %s failed to fit series %s: %v", e.Model, e.Series, e.Cause)
}

// Unwrap returns the underlying cause of the fit failure.
func (e *ModelFitError) Unwrap() error {
	return e.Cause
}

// NewModelFitError creates a new ModelFitError.
//
// Parameters:
//   - model: The base model kind that failed.
//   - series: The series identifier the model was fitting.
//   - cause: The underlying error.
//
// Returns:
//   - An error interface wrapping the ModelFitError.
func NewModelFitError(model, series string, cause error) error {
	return &ModelFitError{
		Model:  model,
		Series: series,
		Cause:  cause,
	}
}

// AllModelsFailedError indicates every base model failed on a series, so no
// forecast can be produced. Failures holds the per-model cause.
type AllModelsFailedError struct {
	Series   string
	Failures map[string]error
}

// Error returns the error message string with per-model causes in a stable order.
func (e *AllModelsFailedError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failures[name]))
	}
	return fmt.Sprintf("all models failed for series %s [%s]", e.Series, strings.Join(parts, "; "))
}

// NewAllModelsFailedError creates a new AllModelsFailedError.
//
// Parameters:
//   - series: The series identifier no model could fit.
//   - failures: A map from model kind to the error it returned.
//
// Returns:
//   - An error interface wrapping the AllModelsFailedError.
func NewAllModelsFailedError(series string, failures map[string]error) error {
	return &AllModelsFailedError{
		Series:   series,
		Failures: failures,
	}
}

// NotFittedError indicates an operation was called before training completed.
type NotFittedError struct {
	Operation string
}

// Error returns the error message string.
func (e *NotFittedError) Error() string {
	return fmt.Sprintf("%s called before the model was fitted", e.Operation)
}

// NewNotFittedError creates a new NotFittedError for the given operation.
func NewNotFittedError(operation string) error {
	return &NotFittedError{Operation: operation}
}

// InvalidWeightsError indicates a weight vector that cannot be used for
// blending, for example one that does not sum to 1 or contains negatives.
type InvalidWeightsError struct {
	Reason string
	Sum    float64
}

// Error returns the error message string.
func (e *InvalidWeightsError) Error() string {
	return fmt.Sprintf("invalid ensemble weights (sum=%.6f): %s", e.Sum, e.Reason)
}

// NewInvalidWeightsError creates a new InvalidWeightsError.
func NewInvalidWeightsError(reason string, sum float64) error {
	return &InvalidWeightsError{Reason: reason, Sum: sum}
}
