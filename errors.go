package taskhost

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("taskhost: no store configured")
	ErrStoreClosed     = errors.New("taskhost: store closed")
	ErrMigrationFailed = errors.New("taskhost: migration failed")

	// Not found errors.
	ErrItemNotFound  = errors.New("taskhost: work item not found")
	ErrStateNotFound = errors.New("taskhost: job state not found")
	ErrLeaseNotFound = errors.New("taskhost: lease not found")

	// Registration errors.
	ErrAlreadyStarted      = errors.New("taskhost: orchestrator already started")
	ErrNotStarted          = errors.New("taskhost: orchestrator not started")
	ErrDuplicateQueue      = errors.New("taskhost: queue already registered")
	ErrDuplicateJob        = errors.New("taskhost: scheduled job already registered")
	ErrUnknownQueue        = errors.New("taskhost: queue not registered")
	ErrHandlerNotFound     = errors.New("taskhost: handler not registered")
	ErrInvalidDescriptor   = errors.New("taskhost: invalid descriptor")
	ErrHandlerTypeMismatch = errors.New("taskhost: handler has unexpected type")

	// Lease errors.
	ErrLeaseBusy   = errors.New("taskhost: lease held by another holder")
	ErrLeaseDenied = errors.New("taskhost: lease renewal denied")
	ErrLeaseLost   = errors.New("taskhost: lease lost")

	// ErrTimer is fatal: the timer engine could not schedule a tick.
	ErrTimer = errors.New("taskhost: timer engine failure")
)
