package server

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/robolab/procserver/client"
	"github.com/robolab/procserver/logdir"
	"github.com/robolab/procserver/protocol"
	"github.com/robolab/procserver/spawn"
)

func TestMain(m *testing.M) {
	if spawn.RunHelper() {
		return
	}
	os.Exit(m.Run())
}

type testLoader struct {
	binaries    map[string]string
	projects    map[string]string
	deployments map[string]string
	typekits    map[string]string
}

func (l *testLoader) FindDeploymentBinary(name string) (string, bool) {
	bin, ok := l.binaries[name]
	return bin, ok
}
func (l *testLoader) Projects() map[string]string    { return l.projects }
func (l *testLoader) Deployments() map[string]string { return l.deployments }
func (l *testLoader) Typekits() map[string]string    { return l.typekits }

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

type testEnv struct {
	server *Server
	client *client.Client
	base   string
}

func startTestEnv(t *testing.T, loader *testLoader) *testEnv {
	t.Helper()
	base := t.TempDir()
	s := New(loader, logdir.New(base),
		WithListenAddr("127.0.0.1:0"),
		WithWorkDir(base),
	)
	require.NoError(t, s.Listen())
	go s.Run()
	t.Cleanup(func() {
		s.Stop()
		require.NoError(t, s.Registry().Shutdown(context.Background()))
	})

	c, err := client.Dial(context.Background(), s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return &testEnv{server: s, client: c, base: base}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestServerPID(t *testing.T) {
	env := startTestEnv(t, &testLoader{})

	pid, err := env.client.ServerPID(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestSystemInfo(t *testing.T) {
	env := startTestEnv(t, &testLoader{
		projects:    map[string]string{"base": "project base"},
		deployments: map[string]string{"worker_deployment": "base"},
		typekits:    map[string]string{"base": "typekit base"},
	})

	info, err := env.client.SystemInfo(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"base": "project base"}, info.Projects)
	assert.Equal(t, map[string]string{"worker_deployment": "base"}, info.Deployments)
	assert.Equal(t, map[string]string{"base": "typekit base"}, info.Typekits)
}

func TestStartUnknownDeployment(t *testing.T) {
	env := startTestEnv(t, &testLoader{})

	_, err := env.client.StartProcess(testCtx(t), protocol.StartOptions{
		Name:       "w",
		Deployment: "unknown_dep",
	})
	var remoteErr *client.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Contains(t, remoteErr.Message, "unknown_dep")
}

func TestStartInvalidLogLevel(t *testing.T) {
	bin := writeScript(t, t.TempDir(), "worker", "exit 0")
	env := startTestEnv(t, &testLoader{binaries: map[string]string{"worker_deployment": bin}})

	_, err := env.client.StartProcess(testCtx(t), protocol.StartOptions{
		Name:       "w",
		Deployment: "worker_deployment",
		LogLevel:   "loud",
	})
	var remoteErr *client.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Contains(t, remoteErr.Message, "invalid log level")
}

func TestStartRunsInActiveLogDir(t *testing.T) {
	ctx := testCtx(t)
	bin := writeScript(t, t.TempDir(), "worker", `echo "args: $@"; echo "level: $BASE_LOG_LEVEL"; echo "ns: $ORBInitRef"`)
	env := startTestEnv(t, &testLoader{binaries: map[string]string{"worker_deployment": bin}})

	require.NoError(t, env.client.CreateLogDir(ctx, "", "20260828-1200", map[string]any{
		"app": map[string]any{"name": "runtime"},
	}))
	logDir := filepath.Join(env.base, "20260828-1200")

	handle, err := env.client.StartProcess(ctx, protocol.StartOptions{
		Name:          "w",
		Deployment:    "worker_deployment",
		NameMappings:  map[string]string{"task_a": "renamed_a", "task_b": "renamed_b"},
		LogLevel:      "debug",
		NameServiceIP: "10.0.0.5",
	})
	require.NoError(t, err)
	require.Greater(t, handle, int64(0))

	var notices []protocol.ExitNotice
	require.Eventually(t, func() bool {
		var err error
		notices, err = env.client.PollExit(ctx)
		require.NoError(t, err)
		return len(notices) > 0
	}, 10*time.Second, 10*time.Millisecond)
	require.Len(t, notices, 1)
	assert.Equal(t, handle, notices[0].Handle)
	assert.Equal(t, 0, notices[0].Code)

	// drained exactly once
	notices, err = env.client.PollExit(ctx)
	require.NoError(t, err)
	assert.Empty(t, notices)

	entries, err := filepath.Glob(filepath.Join(logDir, "w-*.txt"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	b, err := os.ReadFile(entries[0])
	require.NoError(t, err)
	assert.Equal(t, "args: --rename=task_a:renamed_a --rename=task_b:renamed_b\nlevel: DEBUG\nns: NameService=corbaname::10.0.0.5\n", string(b))
}

func TestEndProcess(t *testing.T) {
	ctx := testCtx(t)
	bin := writeScript(t, t.TempDir(), "worker", "sleep 60")
	env := startTestEnv(t, &testLoader{binaries: map[string]string{"worker_deployment": bin}})

	handle, err := env.client.StartProcess(ctx, protocol.StartOptions{
		Name:       "w",
		Deployment: "worker_deployment",
	})
	require.NoError(t, err)

	require.NoError(t, env.client.EndProcess(ctx, handle, int(unix.SIGTERM)))

	var notices []protocol.ExitNotice
	require.Eventually(t, func() bool {
		var err error
		notices, err = env.client.PollExit(ctx)
		require.NoError(t, err)
		return len(notices) > 0
	}, 10*time.Second, 10*time.Millisecond)
	require.Len(t, notices, 1)
	assert.Equal(t, handle, notices[0].Handle)
	assert.Equal(t, int(unix.SIGTERM), notices[0].Signal)

	// ending an unknown handle is an error reply, not a dropped connection
	err = env.client.EndProcess(ctx, handle, int(unix.SIGTERM))
	var remoteErr *client.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Contains(t, remoteErr.Message, "unknown process handle")
}

func TestUnknownCommandTagKeepsConnection(t *testing.T) {
	ctx := testCtx(t)
	env := startTestEnv(t, &testLoader{})

	_, err := env.client.Call(ctx, protocol.Tag('Z'))
	var remoteErr *client.RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Contains(t, remoteErr.Message, "unknown command tag")

	// the session survives a dispatch error
	pid, err := env.client.ServerPID(ctx)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestHandlerFailureDoesNotKillOtherRequests(t *testing.T) {
	ctx := testCtx(t)
	env := startTestEnv(t, &testLoader{})

	for i := 0; i < 10; i++ {
		_, err := env.client.StartProcess(ctx, protocol.StartOptions{Name: "w", Deployment: "unknown_dep"})
		require.Error(t, err)
		_, err = env.client.ServerPID(ctx)
		require.NoError(t, err)
	}
}

func TestMalformedFrameClosesOnlyThatConnection(t *testing.T) {
	ctx := testCtx(t)
	env := startTestEnv(t, &testLoader{})

	conn, err := net.Dial("tcp", env.server.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// declared length below the minimum of 4
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], 2)
	_, err = conn.Write(header[:])
	require.NoError(t, err)

	_, err = io.ReadAll(conn)
	require.NoError(t, err) // server closes the session without a reply

	// other sessions are unaffected
	_, err = env.client.ServerPID(ctx)
	require.NoError(t, err)
}

func TestQuitDrainsAndStopsAccepting(t *testing.T) {
	ctx := testCtx(t)
	bin := writeScript(t, t.TempDir(), "worker", "sleep 60")
	env := startTestEnv(t, &testLoader{binaries: map[string]string{"worker_deployment": bin}})

	_, err := env.client.StartProcess(ctx, protocol.StartOptions{Name: "w", Deployment: "worker_deployment"})
	require.NoError(t, err)

	require.NoError(t, env.client.Quit(ctx))
	assert.Equal(t, 0, env.server.Registry().Len())

	assert.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", env.server.Addr().String(), time.Second)
		if err == nil {
			conn.Close()
			return false
		}
		return true
	}, 10*time.Second, 50*time.Millisecond)
}
