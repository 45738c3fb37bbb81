package alerts

import "errors"

var (
	// ErrNotFound is returned when an alert or rule does not exist.
	ErrNotFound = errors.New("alerts: not found")
	// ErrVehicleNotFound is returned when a vehicle reference resolves to nothing.
	// Callers must not retry the write.
	ErrVehicleNotFound = errors.New("alerts: vehicle not found")
	// ErrPersistence marks a failed alert write. It is retryable.
	ErrPersistence = errors.New("alerts: persistence write failed")
	// ErrInvalidTransition is returned when a status change would move backwards.
	ErrInvalidTransition = errors.New("alerts: invalid status transition")
	// ErrInvalidRule is returned when a rule or patch fails validation.
	ErrInvalidRule = errors.New("alerts: invalid rule")
	// ErrUnknownKind is returned for alert kinds with no configured rule.
	ErrUnknownKind = errors.New("alerts: unknown alert kind")
)

// IsRetryable reports whether err is a transient write failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}
