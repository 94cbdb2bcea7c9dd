package gateway

import "errors"

// Configuration errors
var (
	ErrInvalidPort           = errors.New("port must be between 1 and 65535")
	ErrMissingDataDir        = errors.New("data directory must be set")
	ErrInvalidMarkup         = errors.New("markup percent must be in [0,100)")
	ErrInvalidJobTimeout     = errors.New("job timeout must be at least one second")
	ErrInvalidMaxConnections = errors.New("max connections must be at least 1")
)

// Lifecycle errors
var (
	ErrAlreadyRunning = errors.New("gateway already running")
	ErrNotRunning     = errors.New("gateway not running")
)
