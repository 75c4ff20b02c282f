package domain

import "errors"

// Error kinds. Engines wrap these with fmt.Errorf("...: %w", ErrX) so callers
// can test with errors.Is while still getting a contextual message.
var (
	// ErrInvalidInput marks rejected coordinates, empty agent ids, bad
	// timestamps, or an invalid geofence. Nothing is persisted.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotInitialized marks a public call made before Initialize or
	// after Shutdown.
	ErrNotInitialized = errors.New("service not initialized")

	// ErrBackend marks any failure reported by the storage driver.
	ErrBackend = errors.New("backend error")

	// ErrAbsent names the "found nothing" outcome of a storage read. No
	// Driver returns it: absent reads are reported as (zero-value, false,
	// nil), and the engines and facade pass that result on unchanged.
	ErrAbsent = errors.New("absent")

	// ErrSubscriberFailure marks a subscriber handler that failed while
	// processing an event. Always caught at the publish site, never
	// propagated to the publisher.
	ErrSubscriberFailure = errors.New("subscriber failure")

	// ErrWatchdogIteration marks a single agent's failure inside a sweep.
	// Always caught inside the sweep, never propagated to the caller of
	// Start/ForceCheckAll.
	ErrWatchdogIteration = errors.New("watchdog iteration failure")
)
