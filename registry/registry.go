// Package registry tracks spawned processes by opaque handle and drives
// their orderly shutdown.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/robolab/procserver/spawn"
)

// Handle identifies a tracked process. Handles are unique for the lifetime
// of the registry and independent of OS pids, so pid reuse can never cause a
// collision.
type Handle int64

// ErrUnknownHandle is returned for handles that were never issued or were
// already drained by PollExited.
var ErrUnknownHandle = errors.New("unknown process handle")

// Transform is a pure rewrite of a spec, applied before spawning.
type Transform func(spawn.Spec) spawn.Spec

// Exit is one drained exit notification.
type Exit struct {
	Handle Handle           `json:"handle"`
	Status spawn.ExitStatus `json:"status"`
}

type entry struct {
	spawner *spawn.Spawner
	status  spawn.ExitStatus
	exited  bool
}

// Registry owns all processes spawned through it. All bookkeeping happens
// under one mutex; only the per-process reapers cross into it from their own
// goroutines.
type Registry struct {
	log *zap.SugaredLogger

	mu    sync.Mutex
	next  Handle
	procs map[Handle]*entry
}

type Option func(r *Registry)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		log:   zap.NewNop().Sugar(),
		procs: make(map[Handle]*entry),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Start applies the transforms in order to a clone of spec, spawns the
// result, and returns the new process's handle. The handle is tracked before
// Start returns, and a background reaper awaits the process's termination, so
// the call never blocks on the child's lifetime beyond the spawn itself.
func (r *Registry) Start(spec spawn.Spec, transforms ...Transform) (Handle, error) {
	spec = spec.Clone()
	for _, t := range transforms {
		spec = t(spec)
	}

	s := spawn.New(spec, spawn.WithLogger(r.log))
	pid, err := s.Spawn()
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.next++
	h := r.next
	r.procs[h] = &entry{spawner: s}
	r.mu.Unlock()

	r.log.Infow("started process", "Handle", h, "Name", spec.Name, "Binary", spec.Binary, "PID", pid)
	go r.reap(h, s)
	return h, nil
}

func (r *Registry) reap(h Handle, s *spawn.Spawner) {
	status, err := s.Wait(context.Background())
	if err != nil {
		r.log.Errorw("waiting on process", "Handle", h, "Error", err)
	}
	r.mu.Lock()
	if e, ok := r.procs[h]; ok {
		e.status = status
		e.exited = true
	}
	r.mu.Unlock()
	r.log.Infow("process exited", "Handle", h, "Status", status)
}

// Kill sends sig to the process group of the tracked process.
func (r *Registry) Kill(h Handle, sig unix.Signal) error {
	r.mu.Lock()
	e, ok := r.procs[h]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return e.spawner.Kill(sig)
}

// OutputFilePath returns the output file of the tracked process.
func (r *Registry) OutputFilePath(h Handle) (string, error) {
	r.mu.Lock()
	e, ok := r.procs[h]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	return e.spawner.OutputFilePath()
}

// PollExited drains every tracked process that has terminated since the last
// call. A handle is reported exactly once, then forgotten.
func (r *Registry) PollExited() []Exit {
	r.mu.Lock()
	defer r.mu.Unlock()
	var exits []Exit
	for h, e := range r.procs {
		if e.exited {
			exits = append(exits, Exit{Handle: h, Status: e.status})
			delete(r.procs, h)
		}
	}
	return exits
}

// Len returns the number of tracked processes, exited but not yet polled
// included.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Shutdown terminates every still-running tracked process and waits for all
// of them to be reaped, leaving the registry empty. It is idempotent and safe
// with zero entries.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	spawners := make([]*spawn.Spawner, 0, len(r.procs))
	for _, e := range r.procs {
		spawners = append(spawners, e.spawner)
	}
	r.mu.Unlock()

	for _, s := range spawners {
		if err := s.Kill(unix.SIGTERM); err != nil {
			r.log.Debugw("terminating process during shutdown", "Error", err)
		}
	}
	var firstErr error
	for _, s := range spawners {
		if _, err := s.Wait(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	r.mu.Lock()
	r.procs = make(map[Handle]*entry)
	r.mu.Unlock()
	r.log.Infow("registry drained", "Processes", len(spawners))
	return firstErr
}
