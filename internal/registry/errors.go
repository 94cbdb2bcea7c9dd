package registry

import "errors"

// Session errors
var (
	// ErrNotConnected indicates the provider has no live session
	ErrNotConnected = errors.New("provider not connected")

	// ErrInvalidProviderID indicates an empty provider id
	ErrInvalidProviderID = errors.New("provider id must not be empty")

	// ErrNilTransport indicates a registration without a transport
	ErrNilTransport = errors.New("transport must not be nil")
)
