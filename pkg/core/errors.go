package core

import "errors"

var (
	// ErrDeviceNotFound indicates a device was not found in the registry.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceUnavailable indicates a device is disconnected or otherwise
	// cannot host a session right now.
	ErrDeviceUnavailable = errors.New("device unavailable")

	// ErrDriverRefused indicates the device driver backend refused to
	// create a session (backend error, resource exhaustion, etc).
	ErrDriverRefused = errors.New("driver refused session")

	// ErrScenarioNotFound indicates a scenario graph could not be located.
	ErrScenarioNotFound = errors.New("scenario not found")

	// ErrInvalidRequest indicates a TestRequest failed admission validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound indicates a queued/running test could not be located.
	ErrNotFound = errors.New("test not found")

	// ErrForbidden indicates the caller is not the original requester.
	ErrForbidden = errors.New("forbidden")

	// ErrPreconditionFailed indicates forceComplete was called while a
	// device in the execution is still actively running.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrCancelled indicates the operation was cancelled.
	ErrCancelled = errors.New("operation cancelled")

	// ErrMalformedGraph indicates a scenario graph violates a structural
	// invariant (missing Start, unlabeled Condition edge, bounds exceeded).
	ErrMalformedGraph = errors.New("malformed scenario graph")
)
