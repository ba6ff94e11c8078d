package services

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when an entity is not found
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when attempting to create a duplicate entity
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrStepConflict is returned when a new step would be a second open step
	// for the same chat.
	ErrStepConflict = errors.New("chat already has an open step")

	// ErrStepNotOpen is returned when a step transition targets a step that
	// has already been completed, interrupted or errored.
	ErrStepNotOpen = errors.New("step is no longer open")

	// ErrNoActiveDeployment is returned when an agent has no deployment to run against
	ErrNoActiveDeployment = errors.New("agent has no active deployment")
)

// Constraint names from the embedded migrations.
const (
	constraintOneOpenStep = "steps_one_open_per_chat"
	uniqueViolationCode   = "23505"
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// uniqueViolation returns the violated constraint name when err is a
// PostgreSQL unique violation.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return pgErr.ConstraintName, true
	}
	return "", false
}
