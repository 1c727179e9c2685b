package data

import "errors"

// Shared sentinel errors for data-layer repositories.
var (
	// ErrScopeNotFound is returned when a scope does not exist.
	ErrScopeNotFound = errors.New("scope not found")
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")
	// ErrItemNotFound is returned when a job item is not found.
	ErrItemNotFound = errors.New("job item not found")
	// ErrExecutionNotFound is returned when a ledger record is not found.
	ErrExecutionNotFound = errors.New("execution not found")
)
