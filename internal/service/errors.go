package service

import "errors"

var (
	// ErrAlreadyRunning is returned when an import for the same account and
	// source has not finished yet.
	ErrAlreadyRunning = errors.New("an import is already running for this source")

	// ErrSourceNotFound is returned for a source name no adapter is registered under.
	ErrSourceNotFound = errors.New("source not found")

	// ErrNotConfigured is returned when the account has no binding for the source.
	ErrNotConfigured = errors.New("source is not configured")

	// ErrBindingDisabled is returned when the binding exists but is switched off.
	ErrBindingDisabled = errors.New("source is disabled")

	// ErrFetchTimeout is returned when an adapter does not finish within the fetch deadline.
	ErrFetchTimeout = errors.New("fetch timed out")

	// ErrRunsActive is returned by maintenance operations that need the importer idle.
	ErrRunsActive = errors.New("imports are still running")

	// ErrIndexDisabled is returned when search is used without a retrieval index.
	ErrIndexDisabled = errors.New("retrieval index is not configured")

	ErrEmptyQuery = errors.New("query must not be empty")
)
