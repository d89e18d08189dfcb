package protocol

import "encoding/json"

// ToolOptions configures an optional command-line wrapper (gdbserver or
// valgrind) on a start request. On the wire it is either a plain boolean or
// an options object, so simple clients can just send true/false.
type ToolOptions struct {
	Enabled bool     `json:"enabled"`
	Port    int      `json:"port,omitempty"`
	Args    []string `json:"args,omitempty"`
}

func (o *ToolOptions) UnmarshalJSON(b []byte) error {
	var enabled bool
	if err := json.Unmarshal(b, &enabled); err == nil {
		*o = ToolOptions{Enabled: enabled}
		return nil
	}
	type plain ToolOptions
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*o = ToolOptions(p)
	return nil
}

// StartOptions are the positional arguments of the start-process command, in
// wire order.
type StartOptions struct {
	Name          string
	Deployment    string
	NameMappings  map[string]string
	GDB           ToolOptions
	Valgrind      ToolOptions
	LogLevel      string
	Tracing       bool
	NameServiceIP string
}

// ExitNotice is one entry of a poll-exit reply.
type ExitNotice struct {
	Handle int64 `json:"handle"`
	Code   int   `json:"code"`
	Signal int   `json:"signal,omitempty"`
}
