// Package client is the companion peer of the supervisor server. Controlling
// applications and tests use it to exchange protocol frames with a running
// supervisor.
package client

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/robolab/procserver/protocol"
)

// RemoteError is a failure reported by the supervisor in an error reply.
type RemoteError struct {
	Tag     protocol.Tag
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("command %s failed: %s", e.Tag, e.Message)
}

// Client is one connection to a supervisor. Calls are safe for concurrent
// use; replies carry only the command tag, so concurrent calls with the same
// tag are matched to waiters in first-in-first-out order.
type Client struct {
	log          *zap.SugaredLogger
	conn         net.Conn
	maxFrameSize uint32

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[protocol.Tag][]chan *protocol.Reply
	readErr error
}

type Option func(c *Client)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.log = l
	}
}

func WithMaxFrameSize(n uint32) Option {
	return func(c *Client) {
		c.maxFrameSize = n
	}
}

// Dial connects to a supervisor at addr.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing supervisor at %s: %w", addr, err)
	}
	c := &Client{
		log:          zap.NewNop().Sugar(),
		conn:         conn,
		maxFrameSize: protocol.DefaultMaxFrameSize,
		pending:      make(map[protocol.Tag][]chan *protocol.Reply),
	}
	for _, o := range opts {
		o(c)
	}
	go c.readLoop()
	return c, nil
}

// Close closes the connection. Pending calls fail.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) readLoop() {
	for {
		rep, err := protocol.ReadReply(c.conn, c.maxFrameSize)
		if err != nil {
			c.fail(err)
			return
		}
		c.mu.Lock()
		q := c.pending[rep.Tag]
		if len(q) == 0 {
			c.mu.Unlock()
			c.log.Warnw("reply with no pending call", "Tag", rep.Tag.String())
			continue
		}
		ch := q[0]
		c.pending[rep.Tag] = q[1:]
		c.mu.Unlock()
		ch <- rep
	}
}

// fail ends every pending call with the read error.
func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readErr = err
	for tag, q := range c.pending {
		for _, ch := range q {
			close(ch)
		}
		delete(c.pending, tag)
	}
}

func (c *Client) unregister(tag protocol.Tag, ch chan *protocol.Reply) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.pending[tag]
	for i := range q {
		if q[i] == ch {
			c.pending[tag] = append(q[:i], q[i+1:]...)
			return
		}
	}
}

// Call sends one request and waits for its reply. An error reply is returned
// both as the reply and as a RemoteError.
func (c *Client) Call(ctx context.Context, tag protocol.Tag, args ...any) (*protocol.Reply, error) {
	req, err := protocol.NewRequest(tag, args...)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Reply, 1)
	c.mu.Lock()
	if c.readErr != nil {
		err := c.readErr
		c.mu.Unlock()
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	c.pending[tag] = append(c.pending[tag], ch)
	c.mu.Unlock()

	c.writeMu.Lock()
	err = protocol.WriteMessage(c.conn, req)
	c.writeMu.Unlock()
	if err != nil {
		c.unregister(tag, ch)
		return nil, fmt.Errorf("sending request: %w", err)
	}

	select {
	case rep, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.readErr
			c.mu.Unlock()
			return nil, fmt.Errorf("connection failed: %w", err)
		}
		if rep.Error {
			return rep, &RemoteError{Tag: tag, Message: rep.ErrorMessage()}
		}
		return rep, nil
	case <-ctx.Done():
		c.unregister(tag, ch)
		return nil, ctx.Err()
	}
}
