// Package server implements the supervisor's TCP server: connection
// handling, command dispatch, and the wiring between the wire protocol and
// the process registry.
package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/robolab/procserver/deploy"
	"github.com/robolab/procserver/logdir"
	"github.com/robolab/procserver/protocol"
	"github.com/robolab/procserver/registry"
)

// DefaultListenAddr is the supervisor's default listen address.
const DefaultListenAddr = "0.0.0.0:52000"

// TracingResolver returns the preload library path used when a start request
// asks for tracing. It is consulted only then.
type TracingResolver func() (string, error)

// DefaultTracingResolver looks for the LTTng userspace fork helper, first
// through the SUPERVISOR_TRACING_LIB environment variable, then in
// conventional library directories.
func DefaultTracingResolver() (string, error) {
	if p := os.Getenv("SUPERVISOR_TRACING_LIB"); p != "" {
		return p, nil
	}
	candidates := []string{
		"/usr/lib/liblttng-ust-fork.so",
		"/usr/lib/x86_64-linux-gnu/liblttng-ust-fork.so",
		"/usr/local/lib/liblttng-ust-fork.so",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.New("cannot find the tracing preload library; set SUPERVISOR_TRACING_LIB")
}

// Server accepts supervisor connections and dispatches their commands. Each
// connection runs a read loop, and each decoded request is dispatched in its
// own goroutine, so requests on one connection may be replied to out of
// issuance order. The registry and its processes are independent of
// connection lifetime: closing a connection never kills its processes.
type Server struct {
	log          *zap.SugaredLogger
	listenAddr   string
	maxFrameSize uint32
	workDir      string
	gdbPort      int

	loader     deploy.Loader
	logDirs    *logdir.Manager
	tracingLib TracingResolver
	registry   *registry.Registry

	mu       sync.Mutex
	listener net.Listener

	stopOnce sync.Once
	stopped  chan struct{}
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Server) {
		s.log = l
	}
}

func WithMaxFrameSize(n uint32) Option {
	return func(s *Server) {
		s.maxFrameSize = n
	}
}

// WithWorkDir sets the directory processes run in while no log directory has
// been created yet.
func WithWorkDir(dir string) Option {
	return func(s *Server) {
		s.workDir = dir
	}
}

func WithTracingResolver(r TracingResolver) Option {
	return func(s *Server) {
		s.tracingLib = r
	}
}

// WithDefaultGDBPort sets the gdbserver port used when a start request
// enables gdb without choosing one.
func WithDefaultGDBPort(port int) Option {
	return func(s *Server) {
		s.gdbPort = port
	}
}

// New builds a supervisor server over the given collaborators.
func New(loader deploy.Loader, logDirs *logdir.Manager, opts ...Option) *Server {
	s := &Server{
		log:          zap.NewNop().Sugar(),
		listenAddr:   DefaultListenAddr,
		maxFrameSize: protocol.DefaultMaxFrameSize,
		workDir:      os.TempDir(),
		gdbPort:      DefaultGDBPort,
		loader:       loader,
		logDirs:      logDirs,
		tracingLib:   DefaultTracingResolver,
		stopped:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.registry = registry.New(registry.WithLogger(s.log))
	return s
}

// Registry returns the server's process registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Listen binds the server's listener. Run calls it if it has not been called
// yet; calling it first lets the caller read Addr before any client connects.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.listenAddr, err)
	}
	s.listener = l
	s.log.Infow("listening", "Addr", l.Addr().String())
	return nil
}

// Addr returns the bound listen address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run accepts connections until Stop is called (or a quit command arrives)
// and returns once every connection handler has finished.
func (s *Server) Run() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()

	g := new(errgroup.Group)
	var acceptErr error
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.stopped:
			default:
				acceptErr = fmt.Errorf("accepting connection: %w", err)
			}
			break
		}
		g.Go(func() error {
			s.handleConn(conn)
			return nil
		})
	}
	_ = g.Wait()
	return acceptErr
}

// Stop makes the server stop accepting connections. Processes tracked by the
// registry keep running; draining them is the quit command's (or the
// caller's) responsibility.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopped)
		s.mu.Lock()
		l := s.listener
		s.mu.Unlock()
		if l != nil {
			l.Close()
		}
	})
}

// handleConn runs one connection's read loop. Only a malformed frame or a
// peer disconnect ends the session; dispatch failures become error replies.
func (s *Server) handleConn(conn net.Conn) {
	log := s.log.With("Peer", conn.RemoteAddr().String())
	log.Debug("accepted connection")

	var wg sync.WaitGroup
	defer conn.Close()
	defer wg.Wait()

	var writeMu sync.Mutex
	for {
		req, err := protocol.ReadRequest(conn, s.maxFrameSize)
		if err != nil {
			var frameErr *protocol.FrameError
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
				log.Debug("peer closed connection")
			case errors.As(err, &frameErr):
				log.Warnw("protocol error, closing connection", "Error", err)
			default:
				log.Debugw("closing connection", "Error", err)
			}
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dispatch(conn, &writeMu, req, log)
		}()
	}
}

// dispatch runs one request and writes exactly one reply frame. The write
// mutex keeps concurrent replies on the same connection from interleaving.
func (s *Server) dispatch(conn net.Conn, writeMu *sync.Mutex, req *protocol.Request, log *zap.SugaredLogger) {
	rep := s.handle(req, log)

	writeMu.Lock()
	err := protocol.WriteMessage(conn, rep)
	writeMu.Unlock()
	if err != nil {
		log.Debugw("writing reply", "Tag", req.Tag.String(), "Error", err)
		return
	}

	// quit replies success first, then the listener goes down
	if req.Tag == protocol.TagQuit && !rep.Error {
		s.Stop()
	}
}

func (s *Server) handle(req *protocol.Request, log *zap.SugaredLogger) *protocol.Reply {
	h, ok := handlers[req.Tag]
	if !ok {
		log.Warnw("unknown command tag", "Tag", req.Tag.String())
		return protocol.NewErrorReply(req.Tag, fmt.Sprintf("unknown command tag %s", req.Tag))
	}

	value, err := h(s, req)
	if err != nil {
		log.Infow("command failed", "Tag", req.Tag.String(), "Error", err)
		return protocol.NewErrorReply(req.Tag, err.Error())
	}
	rep, err := protocol.NewReply(req.Tag, value)
	if err != nil {
		return protocol.NewErrorReply(req.Tag, err.Error())
	}
	return rep
}
