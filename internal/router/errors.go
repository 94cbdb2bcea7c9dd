package router

import "errors"

// Submission errors
var (
	// ErrCatalogEntryOffline indicates the workflow's provider is not
	// connected; submissions fail fast instead of queueing
	ErrCatalogEntryOffline = errors.New("workflow is offline")

	// ErrDispatchFailed indicates the job frame could not be written to
	// the provider transport
	ErrDispatchFailed = errors.New("dispatch to provider failed")
)

// Lifecycle errors
var (
	// ErrJobNotFound indicates the job id is unknown
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTerminal indicates the job already reached a terminal state
	ErrJobTerminal = errors.New("job already terminal")

	// ErrTimedOut indicates the job exceeded its deadline and its
	// reservation was released
	ErrTimedOut = errors.New("job timed out")

	// ErrProviderDisconnected indicates the provider's connection died
	// while the job was in flight
	ErrProviderDisconnected = errors.New("provider disconnected")
)
