package orchestrator

import "errors"

// Sentinel errors mapped onto HTTP statuses by the API layer.
var (
	// ErrNotFound is returned for unknown runs, tasks, servers, or templates.
	ErrNotFound = errors.New("not found")
	// ErrBadRequest is returned for state or ownership mismatches: a run that
	// does not belong to the submitting server, a task already in a terminal
	// sub-state, or starting an audit against an offline host.
	ErrBadRequest = errors.New("bad request")
)
