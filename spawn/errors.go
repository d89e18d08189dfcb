package spawn

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSpawned is returned by operations that need a running process
	// before Spawn has succeeded.
	ErrNotSpawned = errors.New("process has not been spawned")

	// ErrAlreadySpawned is returned by a second Spawn on the same Spawner.
	ErrAlreadySpawned = errors.New("process has already been spawned")
)

// ValidationError reports a spec rejected before any process was forked.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid process spec: " + e.Reason
}

// SpawnError reports that the child could not exec the target binary. The
// message is the OS error reported by the child over the notify pipe, so the
// caller can distinguish "never started" from "started and later crashed".
type SpawnError struct {
	Binary  string
	Message string
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %s", e.Binary, e.Message)
}
