package matchmaker

import "errors"

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrConflict         = errors.New("conflict")
	ErrAlreadyQueued    = errors.New("user already has a running matchmaking task")
	ErrLockTimeout      = errors.New("lock not acquired before wait elapsed")
	ErrSessionExhausted = errors.New("session creation retries exhausted")
	ErrCancelled        = errors.New("matchmaking cancelled")
	ErrClosed           = errors.New("matchmaker closed")
	ErrNoBots           = errors.New("no bot available")
)
