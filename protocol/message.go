package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// Tag identifies a supervisor command. Tags are single ASCII characters on
// the wire.
type Tag byte

const (
	TagSystemInfo   Tag = 'I'
	TagServerPID    Tag = 'D'
	TagCreateLogDir Tag = 'C'
	TagStartProcess Tag = 'S'
	TagPollExit     Tag = 'P'
	TagEndProcess   Tag = 'E'
	TagQuit         Tag = 'Q'
)

func (t Tag) String() string { return string(rune(t)) }

func (t Tag) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(rune(t)))
}

func (t *Tag) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if len(s) != 1 {
		return fmt.Errorf("command tag must be a single character, got %q", s)
	}
	*t = Tag(s[0])
	return nil
}

// Request is one command sent to the supervisor. Args are positional; each
// handler decodes its own argument types.
type Request struct {
	Tag  Tag               `json:"tag"`
	Args []json.RawMessage `json:"args,omitempty"`
}

// NewRequest builds a request, JSON-encoding each positional argument.
func NewRequest(tag Tag, args ...any) (*Request, error) {
	req := &Request{Tag: tag}
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encoding argument %d: %w", i, err)
		}
		req.Args = append(req.Args, b)
	}
	return req, nil
}

// Arg decodes the i'th positional argument into out.
func (r *Request) Arg(i int, out any) error {
	if i >= len(r.Args) {
		return fmt.Errorf("command %s: missing argument %d", r.Tag, i)
	}
	if err := json.Unmarshal(r.Args[i], out); err != nil {
		return fmt.Errorf("command %s: argument %d: %w", r.Tag, i, err)
	}
	return nil
}

// Reply is the response to one request. It echoes the request's tag. On
// failure Error is true and Value holds a human-readable message.
type Reply struct {
	Tag   Tag             `json:"tag"`
	Error bool            `json:"error"`
	Value json.RawMessage `json:"value,omitempty"`
}

// NewReply builds a successful reply carrying value.
func NewReply(tag Tag, value any) (*Reply, error) {
	rep := &Reply{Tag: tag}
	if value != nil {
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encoding reply value: %w", err)
		}
		rep.Value = b
	}
	return rep, nil
}

// NewErrorReply builds an error reply carrying msg.
func NewErrorReply(tag Tag, msg string) *Reply {
	b, _ := json.Marshal(msg)
	return &Reply{Tag: tag, Error: true, Value: b}
}

// ErrorMessage decodes the message of an error reply.
func (r *Reply) ErrorMessage() string {
	var s string
	if err := json.Unmarshal(r.Value, &s); err != nil {
		return string(r.Value)
	}
	return s
}

// DecodeValue decodes a successful reply's value into out.
func (r *Reply) DecodeValue(out any) error {
	if len(r.Value) == 0 {
		return fmt.Errorf("reply %s has no value", r.Tag)
	}
	return json.Unmarshal(r.Value, out)
}

// WriteMessage frames and writes one message (a Request or Reply).
func WriteMessage(w io.Writer, msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	return WriteFrame(w, payload)
}

// ReadRequest reads and decodes one request frame.
func ReadRequest(r io.Reader, maxSize uint32) (*Request, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, &FrameError{Length: uint32(len(payload) + HeaderSize), Reason: err.Error()}
	}
	return &req, nil
}

// ReadReply reads and decodes one reply frame.
func ReadReply(r io.Reader, maxSize uint32) (*Reply, error) {
	payload, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	var rep Reply
	if err := json.Unmarshal(payload, &rep); err != nil {
		return nil, &FrameError{Length: uint32(len(payload) + HeaderSize), Reason: err.Error()}
	}
	return &rep, nil
}
