package client

import (
	"context"
	"fmt"

	"github.com/robolab/procserver/protocol"
)

// SystemInfo describes what the supervisor's host can deploy.
type SystemInfo struct {
	Projects    map[string]string
	Deployments map[string]string
	Typekits    map[string]string
}

// SystemInfo returns the host's project, deployment, and typekit mappings.
func (c *Client) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	rep, err := c.Call(ctx, protocol.TagSystemInfo)
	if err != nil {
		return nil, err
	}
	var maps []map[string]string
	if err := rep.DecodeValue(&maps); err != nil {
		return nil, err
	}
	if len(maps) != 3 {
		return nil, fmt.Errorf("system info reply has %d mappings, want 3", len(maps))
	}
	return &SystemInfo{Projects: maps[0], Deployments: maps[1], Typekits: maps[2]}, nil
}

// ServerPID returns the supervisor's own OS process id.
func (c *Client) ServerPID(ctx context.Context) (int, error) {
	rep, err := c.Call(ctx, protocol.TagServerPID)
	if err != nil {
		return 0, err
	}
	var pids []int
	if err := rep.DecodeValue(&pids); err != nil {
		return 0, err
	}
	if len(pids) != 1 {
		return 0, fmt.Errorf("server pid reply has %d values, want 1", len(pids))
	}
	return pids[0], nil
}

// CreateLogDir makes the supervisor create and select a log directory. An
// empty base selects the supervisor's default base directory.
func (c *Client) CreateLogDir(ctx context.Context, base, timeTag string, metadata map[string]any) error {
	_, err := c.Call(ctx, protocol.TagCreateLogDir, base, timeTag, metadata)
	return err
}

// StartProcess starts a deployment on the supervisor's host and returns its
// process handle.
func (c *Client) StartProcess(ctx context.Context, opts protocol.StartOptions) (int64, error) {
	rep, err := c.Call(ctx, protocol.TagStartProcess,
		opts.Name,
		opts.Deployment,
		opts.NameMappings,
		opts.GDB,
		opts.Valgrind,
		opts.LogLevel,
		opts.Tracing,
		opts.NameServiceIP,
	)
	if err != nil {
		return 0, err
	}
	var handle int64
	if err := rep.DecodeValue(&handle); err != nil {
		return 0, err
	}
	return handle, nil
}

// PollExit drains the processes that terminated since the last poll.
func (c *Client) PollExit(ctx context.Context) ([]protocol.ExitNotice, error) {
	rep, err := c.Call(ctx, protocol.TagPollExit)
	if err != nil {
		return nil, err
	}
	var notices []protocol.ExitNotice
	if err := rep.DecodeValue(&notices); err != nil {
		return nil, err
	}
	return notices, nil
}

// EndProcess sends sig to the process behind handle.
func (c *Client) EndProcess(ctx context.Context, handle int64, sig int) error {
	_, err := c.Call(ctx, protocol.TagEndProcess, handle, sig)
	return err
}

// Quit makes the supervisor drain every tracked process and stop accepting
// connections.
func (c *Client) Quit(ctx context.Context) error {
	_, err := c.Call(ctx, protocol.TagQuit)
	return err
}
