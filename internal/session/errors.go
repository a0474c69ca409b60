package session

import "errors"

// Sentinel errors for the operations callers can act on. Transports map
// these onto status codes; everything else is internal and only logged.
var (
	// ErrInvalidArgument marks a rejected request (bad worktree, empty
	// command, non-positive dimensions).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSpawnFailed marks a PTY or process start failure.
	ErrSpawnFailed = errors.New("spawn failed")

	// ErrNotFound marks an unknown session id.
	ErrNotFound = errors.New("session not found")
)
