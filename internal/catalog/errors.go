package catalog

import "errors"

// Catalog errors
var (
	// ErrWorkflowNotFound indicates the workflow id is not listed
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrNotOwner indicates a provider tried to modify another provider's listing
	ErrNotOwner = errors.New("workflow owned by another provider")

	// ErrInvalidPrice indicates a negative price was supplied
	ErrInvalidPrice = errors.New("price must not be negative")

	// ErrEntryOffline indicates the workflow's provider is not connected
	ErrEntryOffline = errors.New("workflow is offline")
)
