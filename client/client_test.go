package client

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robolab/procserver/protocol"
)

// fakeSupervisor accepts one connection and hands it to serve.
func fakeSupervisor(t *testing.T, serve func(conn net.Conn)) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		serve(conn)
	}()
	return l.Addr().String()
}

func TestCallRoundTrip(t *testing.T) {
	addr := fakeSupervisor(t, func(conn net.Conn) {
		req, err := protocol.ReadRequest(conn, protocol.DefaultMaxFrameSize)
		require.NoError(t, err)
		rep, err := protocol.NewReply(req.Tag, []int{77})
		require.NoError(t, err)
		require.NoError(t, protocol.WriteMessage(conn, rep))
	})

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	pid, err := c.ServerPID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 77, pid)
}

func TestOutOfOrderReplies(t *testing.T) {
	// replies may come back in any order across tags; the client must route
	// each to the matching caller
	addr := fakeSupervisor(t, func(conn net.Conn) {
		first, err := protocol.ReadRequest(conn, protocol.DefaultMaxFrameSize)
		require.NoError(t, err)
		second, err := protocol.ReadRequest(conn, protocol.DefaultMaxFrameSize)
		require.NoError(t, err)

		for _, req := range []*protocol.Request{second, first} {
			var rep *protocol.Reply
			var repErr error
			switch req.Tag {
			case protocol.TagServerPID:
				rep, repErr = protocol.NewReply(req.Tag, []int{99})
			case protocol.TagPollExit:
				rep, repErr = protocol.NewReply(req.Tag, []protocol.ExitNotice{})
			}
			require.NoError(t, repErr)
			require.NoError(t, protocol.WriteMessage(conn, rep))
		}
	})

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pidCh := make(chan int, 1)
	go func() {
		pid, err := c.ServerPID(ctx)
		assert.NoError(t, err)
		pidCh <- pid
	}()

	notices, err := c.PollExit(ctx)
	require.NoError(t, err)
	assert.Empty(t, notices)

	select {
	case pid := <-pidCh:
		assert.Equal(t, 99, pid)
	case <-ctx.Done():
		t.Fatal("server pid call never completed")
	}
}

func TestErrorReply(t *testing.T) {
	addr := fakeSupervisor(t, func(conn net.Conn) {
		req, err := protocol.ReadRequest(conn, protocol.DefaultMaxFrameSize)
		require.NoError(t, err)
		require.NoError(t, protocol.WriteMessage(conn, protocol.NewErrorReply(req.Tag, "cannot find deployment unknown_dep")))
	})

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.StartProcess(context.Background(), protocol.StartOptions{Name: "w", Deployment: "unknown_dep"})
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, protocol.TagStartProcess, remoteErr.Tag)
	assert.Contains(t, remoteErr.Message, "unknown_dep")
}

func TestPendingCallsFailOnDisconnect(t *testing.T) {
	addr := fakeSupervisor(t, func(conn net.Conn) {
		_, err := protocol.ReadRequest(conn, protocol.DefaultMaxFrameSize)
		require.NoError(t, err)
		// close without replying
	})

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = c.ServerPID(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallContextCancellation(t *testing.T) {
	addr := fakeSupervisor(t, func(conn net.Conn) {
		_, _ = protocol.ReadRequest(conn, protocol.DefaultMaxFrameSize)
		// never reply, keep the connection open
		time.Sleep(5 * time.Second)
	})

	c, err := Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.ServerPID(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
