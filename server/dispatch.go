package server

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/robolab/procserver/deploy"
	"github.com/robolab/procserver/protocol"
	"github.com/robolab/procserver/registry"
	"github.com/robolab/procserver/spawn"
)

// DefaultGDBPort is the gdbserver port used when a start request enables gdb
// without picking one.
const DefaultGDBPort = 30001

type handlerFunc func(*Server, *protocol.Request) (any, error)

// handlers is the command dispatch table. It is fixed at build time; an
// unknown tag is a dispatch error reported to the peer, never a dropped
// connection.
var handlers = map[protocol.Tag]handlerFunc{
	protocol.TagSystemInfo:   (*Server).systemInfo,
	protocol.TagServerPID:    (*Server).serverPID,
	protocol.TagCreateLogDir: (*Server).createLogDir,
	protocol.TagStartProcess: (*Server).startProcess,
	protocol.TagPollExit:     (*Server).pollExit,
	protocol.TagEndProcess:   (*Server).endProcess,
	protocol.TagQuit:         (*Server).quit,
}

// InvalidLogLevelError reports a start request with a log level outside the
// accepted set.
type InvalidLogLevelError struct {
	Level string
}

func (e *InvalidLogLevelError) Error() string {
	return fmt.Sprintf("invalid log level %q", e.Level)
}

var logLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"error":   true,
	"fatal":   true,
	"disable": true,
}

// optionalArg decodes the i'th argument if the request carries one.
func optionalArg(req *protocol.Request, i int, out any) error {
	if i >= len(req.Args) {
		return nil
	}
	return req.Arg(i, out)
}

func (s *Server) systemInfo(*protocol.Request) (any, error) {
	return []map[string]string{
		s.loader.Projects(),
		s.loader.Deployments(),
		s.loader.Typekits(),
	}, nil
}

func (s *Server) serverPID(*protocol.Request) (any, error) {
	return []int{os.Getpid()}, nil
}

func (s *Server) createLogDir(req *protocol.Request) (any, error) {
	var base, timeTag string
	var metadata map[string]any
	if err := optionalArg(req, 0, &base); err != nil {
		return nil, err
	}
	if err := req.Arg(1, &timeTag); err != nil {
		return nil, err
	}
	if err := optionalArg(req, 2, &metadata); err != nil {
		return nil, err
	}
	_, err := s.logDirs.CreateLogDir(base, timeTag, metadata)
	return nil, err
}

func (s *Server) startProcess(req *protocol.Request) (any, error) {
	var opts protocol.StartOptions
	if err := req.Arg(0, &opts.Name); err != nil {
		return nil, err
	}
	if err := req.Arg(1, &opts.Deployment); err != nil {
		return nil, err
	}
	if err := optionalArg(req, 2, &opts.NameMappings); err != nil {
		return nil, err
	}
	if err := optionalArg(req, 3, &opts.GDB); err != nil {
		return nil, err
	}
	if err := optionalArg(req, 4, &opts.Valgrind); err != nil {
		return nil, err
	}
	if err := optionalArg(req, 5, &opts.LogLevel); err != nil {
		return nil, err
	}
	if err := optionalArg(req, 6, &opts.Tracing); err != nil {
		return nil, err
	}
	if err := optionalArg(req, 7, &opts.NameServiceIP); err != nil {
		return nil, err
	}

	binary, ok := s.loader.FindDeploymentBinary(opts.Deployment)
	if !ok {
		return nil, &deploy.UnknownDeploymentError{Name: opts.Deployment}
	}

	wd := s.logDirs.ActiveDir()
	if wd == "" {
		wd = s.workDir
	}
	spec := spawn.Spec{
		WorkingDir: wd,
		Name:       opts.Name,
		Binary:     binary,
	}

	if opts.Tracing {
		lib, err := s.tracingLib()
		if err != nil {
			return nil, err
		}
		spec.SetEnv("LD_PRELOAD", lib)
	}
	if opts.LogLevel != "" {
		if !logLevels[strings.ToLower(opts.LogLevel)] {
			return nil, &InvalidLogLevelError{Level: opts.LogLevel}
		}
		spec.SetEnv("BASE_LOG_LEVEL", strings.ToUpper(opts.LogLevel))
	}
	if opts.NameServiceIP != "" {
		spec.SetEnv("ORBInitRef", "NameService=corbaname::"+opts.NameServiceIP)
	}

	// one --rename per mapping, in deterministic key order
	keys := make([]string, 0, len(opts.NameMappings))
	for from := range opts.NameMappings {
		keys = append(keys, from)
	}
	sort.Strings(keys)
	for _, from := range keys {
		spec.Args = append(spec.Args, fmt.Sprintf("--rename=%s:%s", from, opts.NameMappings[from]))
	}

	// gdb wraps the command first, valgrind wraps the gdb-wrapped command
	var transforms []registry.Transform
	if opts.GDB.Enabled {
		port := opts.GDB.Port
		if port == 0 {
			port = s.gdbPort
		}
		gdbArgs := opts.GDB.Args
		transforms = append(transforms, func(sp spawn.Spec) spawn.Spec {
			return spawn.GDB(sp, port, gdbArgs...)
		})
	}
	if opts.Valgrind.Enabled {
		valgrindArgs := opts.Valgrind.Args
		transforms = append(transforms, func(sp spawn.Spec) spawn.Spec {
			return spawn.Valgrind(sp, valgrindArgs...)
		})
	}

	return s.registry.Start(spec, transforms...)
}

func (s *Server) pollExit(*protocol.Request) (any, error) {
	exits := s.registry.PollExited()
	notices := make([]protocol.ExitNotice, 0, len(exits))
	for _, e := range exits {
		notices = append(notices, protocol.ExitNotice{
			Handle: int64(e.Handle),
			Code:   e.Status.Code,
			Signal: e.Status.Signal,
		})
	}
	return notices, nil
}

func (s *Server) endProcess(req *protocol.Request) (any, error) {
	var handle int64
	if err := req.Arg(0, &handle); err != nil {
		return nil, err
	}
	sig := int(unix.SIGTERM)
	if err := optionalArg(req, 1, &sig); err != nil {
		return nil, err
	}
	return nil, s.registry.Kill(registry.Handle(handle), unix.Signal(sig))
}

func (s *Server) quit(*protocol.Request) (any, error) {
	s.log.Info("quit requested, draining processes")
	return nil, s.registry.Shutdown(context.Background())
}
