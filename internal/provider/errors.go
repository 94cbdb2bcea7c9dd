package provider

import "errors"

// Server errors
var (
	// ErrServerAlreadyRunning indicates Start was called twice
	ErrServerAlreadyRunning = errors.New("provider server already running")

	// ErrServerNotRunning indicates Stop was called before Start
	ErrServerNotRunning = errors.New("provider server not running")

	// ErrRateLimited indicates too many connection attempts from one IP
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrMaxConnectionsReached indicates the connection cap is hit
	ErrMaxConnectionsReached = errors.New("maximum connections reached")
)

// Protocol errors
var (
	// ErrBadFrame indicates a frame that does not satisfy the protocol
	ErrBadFrame = errors.New("invalid frame")

	// ErrReadyTimeout indicates the provider never sent its ready frame
	ErrReadyTimeout = errors.New("timed out waiting for ready frame")
)
