package spawn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// ExitStatus is the final status of a spawned process: the exit code if it
// exited, or the terminating signal if it was killed.
type ExitStatus struct {
	Code   int `json:"code"`
	Signal int `json:"signal,omitempty"`
}

func (s ExitStatus) String() string {
	if s.Signal != 0 {
		return fmt.Sprintf("killed by signal %d", s.Signal)
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// Spawner owns one process spec and the child process spawned from it.
// Lifecycle: unspawned, running once Spawn succeeds, exited once the child is
// reaped. The exit status is assigned exactly once, by the single reaper
// goroutine started from Spawn.
type Spawner struct {
	log  *zap.SugaredLogger
	spec Spec

	mu   sync.Mutex
	cmd  *exec.Cmd
	pid  int
	done chan struct{}

	// written by the reaper goroutine before done is closed
	status ExitStatus
}

type Option func(s *Spawner)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Spawner) {
		s.log = l
	}
}

// New builds a spawner for spec. The spec is cloned, so later mutation of the
// caller's copy has no effect.
func New(spec Spec, opts ...Option) *Spawner {
	s := &Spawner{
		log:  zap.NewNop().Sugar(),
		spec: spec.Clone(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Spec returns a copy of the spawner's spec.
func (s *Spawner) Spec() Spec {
	return s.spec.Clone()
}

// Spawn starts the child process and returns its pid. The child runs in its
// own process group, with stdout and stderr redirected to the spec's output
// file and placeholders resolved with the child's pid.
//
// The helper child reports an exec failure on a pipe established before it
// was started; in that case the child is reaped here and Spawn returns a
// SpawnError carrying the OS error text, so an exec failure is never confused
// with a post-start crash.
func (s *Spawner) Spawn() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return 0, ErrAlreadySpawned
	}
	if err := s.spec.validate(); err != nil {
		return 0, err
	}

	specJSON, err := json.Marshal(s.spec)
	if err != nil {
		return 0, fmt.Errorf("encoding spec: %w", err)
	}
	exe, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("locating own executable: %w", err)
	}
	notifyR, notifyW, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("creating notify pipe: %w", err)
	}

	cmd := exec.Command(exe)
	cmd.Stdin = bytes.NewReader(specJSON)
	cmd.ExtraFiles = []*os.File{notifyW} // fd 3 in the child
	cmd.Env = append(os.Environ(), helperEnvVar+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		notifyR.Close()
		notifyW.Close()
		return 0, &SpawnError{Binary: s.spec.Binary, Message: err.Error()}
	}
	notifyW.Close()

	// Blocks until the child either execs (pipe closes, EOF) or fails and
	// writes the OS error before exiting.
	msg, _ := io.ReadAll(notifyR)
	notifyR.Close()
	if len(msg) > 0 {
		// reap the terminated child so it is not leaked
		_ = cmd.Wait()
		return 0, &SpawnError{Binary: s.spec.Binary, Message: string(msg)}
	}

	s.cmd = cmd
	s.pid = cmd.Process.Pid
	s.done = make(chan struct{})
	s.log.Debugw("spawned process", "Name", s.spec.Name, "Binary", s.spec.Binary, "PID", s.pid)
	go s.reap()
	return s.pid, nil
}

// reap blocks on the native wait primitive and publishes the exit status.
// Closing done is the only cross-goroutine hand-off of the status.
func (s *Spawner) reap() {
	err := s.cmd.Wait()
	var status ExitStatus
	if ps := s.cmd.ProcessState; ps != nil {
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = int(ws.Signal())
		} else {
			status.Code = ps.ExitCode()
		}
	} else if err != nil {
		status.Code = -1
	}
	s.status = status
	s.log.Debugw("reaped process", "Name", s.spec.Name, "PID", s.pid, "Status", status)
	close(s.done)
}

// PID returns the pid assigned at spawn time.
func (s *Spawner) PID() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return 0, ErrNotSpawned
	}
	return s.pid, nil
}

// OutputFilePath returns the file the process's stdout and stderr are
// redirected to.
func (s *Spawner) OutputFilePath() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return "", ErrNotSpawned
	}
	return s.spec.OutputFilePath(s.pid), nil
}

// Wait blocks until the process terminates and returns its exit status. If
// ctx is cancelled first, Wait kills the whole process group and still waits
// for the final status before returning it together with the context error;
// an unreaped child is never left behind.
func (s *Spawner) Wait(ctx context.Context) (ExitStatus, error) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return ExitStatus{}, ErrNotSpawned
	}

	select {
	case <-done:
		return s.status, nil
	case <-ctx.Done():
		if err := s.Kill(unix.SIGKILL); err != nil {
			s.log.Debugw("kill after cancellation", "Error", err)
		}
		<-done
		return s.status, ctx.Err()
	}
}

// Kill sends sig to the process's entire process group, so descendants of
// the spawned binary are terminated with it.
func (s *Spawner) Kill(sig unix.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return ErrNotSpawned
	}
	err := unix.Kill(-s.pid, sig)
	if err == unix.ESRCH {
		// already fully exited
		return nil
	}
	return err
}
