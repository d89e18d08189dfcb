package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
	}{
		{name: "empty", payload: []byte{}},
		{name: "small", payload: []byte("hello")},
		{name: "binary", payload: []byte{0, 1, 2, 0xff, 0xfe}},
		{name: "large", payload: bytes.Repeat([]byte("x"), 1<<16)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, WriteFrame(&buf, c.payload))
			require.Equal(t, HeaderSize+len(c.payload), buf.Len())
			require.Equal(t, uint32(buf.Len()), binary.LittleEndian.Uint32(buf.Bytes()))

			got, err := ReadFrame(&buf, DefaultMaxFrameSize)
			require.NoError(t, err)
			assert.Equal(t, c.payload, got)
		})
	}
}

func TestFramePartialReads(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("one byte at a time")))

	got, err := ReadFrame(iotest.OneByteReader(&buf), DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, []byte("one byte at a time"), got)
}

func TestFrameBadLength(t *testing.T) {
	cases := []struct {
		name   string
		length uint32
	}{
		{name: "zero", length: 0},
		{name: "below header size", length: 3},
		{name: "above max", length: DefaultMaxFrameSize + 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var header [HeaderSize]byte
			binary.LittleEndian.PutUint32(header[:], c.length)
			_, err := ReadFrame(bytes.NewReader(header[:]), DefaultMaxFrameSize)
			var frameErr *FrameError
			require.ErrorAs(t, err, &frameErr)
			assert.Equal(t, c.length, frameErr.Length)
		})
	}
}

func TestRequestRoundTrip(t *testing.T) {
	req, err := NewRequest(TagStartProcess, "worker", "worker_deployment", map[string]string{"task": "renamed"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, req))

	got, err := ReadRequest(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, TagStartProcess, got.Tag)

	var name, deployment string
	var mappings map[string]string
	require.NoError(t, got.Arg(0, &name))
	require.NoError(t, got.Arg(1, &deployment))
	require.NoError(t, got.Arg(2, &mappings))
	assert.Equal(t, "worker", name)
	assert.Equal(t, "worker_deployment", deployment)
	assert.Equal(t, map[string]string{"task": "renamed"}, mappings)

	var missing string
	assert.Error(t, got.Arg(3, &missing))
}

func TestReplyRoundTrip(t *testing.T) {
	rep, err := NewReply(TagServerPID, []int{1234})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, rep))

	got, err := ReadReply(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, TagServerPID, got.Tag)
	assert.False(t, got.Error)

	var pids []int
	require.NoError(t, got.DecodeValue(&pids))
	assert.Equal(t, []int{1234}, pids)
}

func TestErrorReply(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, NewErrorReply(TagStartProcess, "cannot find deployment unknown_dep")))

	got, err := ReadReply(&buf, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.True(t, got.Error)
	assert.Equal(t, "cannot find deployment unknown_dep", got.ErrorMessage())
}

func TestTagDecodeRejectsMultiChar(t *testing.T) {
	var tag Tag
	err := tag.UnmarshalJSON([]byte(`"QQ"`))
	require.Error(t, err)
}
