package queue

import "errors"

// Sentinel errors for engine operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrDuplicateJob indicates the job id is already waiting, in flight or retained in history.
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrInvalidJob indicates required identity or classification fields are missing.
	ErrInvalidJob = errors.New("invalid job")

	// ErrJobNotInFlight indicates a lifecycle call for a job that holds no reservation.
	// Usually a lost or duplicated executor delivery.
	ErrJobNotInFlight = errors.New("job not in flight")

	// ErrJobNotFound indicates the id is unknown to the engine.
	ErrJobNotFound = errors.New("job not found")

	// ErrReservationExpired is recorded as the failure cause when an in-flight job outlives its deadline.
	ErrReservationExpired = errors.New("reservation expired")
)
