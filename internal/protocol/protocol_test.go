package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Woutah/configurun/pkg/model"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"hello":"world"}`)

	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestFrame_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFrame_MultipleSequentialFrames(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}
	for _, want := range frames {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestReadFrame_RejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	buf.Write(hdr[:])

	_, err := ReadFrame(&buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame too large")
}

func TestReadFrame_TruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], 100)
	buf.Write(hdr[:])
	buf.WriteString("short")

	_, err := ReadFrame(&buf)
	require.Error(t, err)
}

func TestFrameOverPipe(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	reg := NewRegistry()
	done := make(chan error, 1)
	go func() {
		frame, err := reg.Encode(&Command{ID: "cmd-1", Op: OpPause, ItemID: 7})
		if err != nil {
			done <- err
			return
		}
		done <- WriteFrame(client, frame)
	}()

	server.SetReadDeadline(time.Now().Add(time.Second))
	frame, err := ReadFrame(server)
	require.NoError(t, err)
	require.NoError(t, <-done)

	msg, err := reg.Decode(frame)
	require.NoError(t, err)
	cmd, ok := msg.(*Command)
	require.True(t, ok, "decoded %T", msg)
	assert.Equal(t, "cmd-1", cmd.ID)
	assert.Equal(t, OpPause, cmd.Op)
	assert.Equal(t, int64(7), cmd.ItemID)
}

func TestRegistry_AllMessageTypesRoundTrip(t *testing.T) {
	reg := NewRegistry()
	now := time.Now().UTC().Truncate(time.Millisecond)

	messages := []any{
		&AuthChallenge{Version: Version, Salt: "abc"},
		&Authenticate{ClientName: "deskbox", PasswordHash: "ffff", LastRevision: 12},
		&AuthResult{OK: true, SessionID: "sess-1"},
		&Snapshot{State: &model.QueueSnapshot{Revision: 3}, Controller: "deskbox#1234"},
		&StateDelta{Delta: model.Delta{Revision: 4, Kind: model.DeltaReordered, Order: []int64{2, 1}}},
		&Command{ID: "c1", Op: OpAddItem, Name: "run", Config: json.RawMessage(`{"x":1}`)},
		&CommandResult{ID: "c1", OK: false, Err: model.NewWireError(&model.NotFoundError{ItemID: 9})},
		&OutputChunk{Record: model.OutputRecord{ItemID: 1, Offset: 0, Stream: model.StreamStdout, Timestamp: now, Data: []byte("hi")}},
		&Heartbeat{Time: now},
	}

	for _, msg := range messages {
		frame, err := reg.Encode(msg)
		require.NoError(t, err, "%T", msg)
		got, err := reg.Decode(frame)
		require.NoError(t, err, "%T", msg)
		assert.IsType(t, msg, got)
	}
}

func TestCommandResult_ErrorCodeSurvivesTheWire(t *testing.T) {
	reg := NewRegistry()

	res := &CommandResult{ID: "c2", Err: model.NewWireError(&model.InvalidStateError{
		ItemID: 5, State: model.ItemStateRunning, Op: "remove",
	})}
	frame, err := reg.Encode(res)
	require.NoError(t, err)

	msg, err := reg.Decode(frame)
	require.NoError(t, err)
	got := msg.(*CommandResult)
	require.NotNil(t, got.Err)
	assert.Equal(t, model.ErrInvalidState, got.Err.Code())
	assert.Contains(t, got.Err.Message, "item 5")
}

func TestPasswordHashing(t *testing.T) {
	salt1, err := NewSalt()
	require.NoError(t, err)
	salt2, err := NewSalt()
	require.NoError(t, err)
	assert.NotEqual(t, salt1, salt2, "salts must be unique per connection")

	answer := HashPassword("hunter2", salt1)
	assert.True(t, VerifyPassword("hunter2", salt1, answer))
	assert.False(t, VerifyPassword("hunter2", salt2, answer), "answer must be bound to its salt")
	assert.False(t, VerifyPassword("wrong", salt1, answer))
	assert.NotContains(t, answer, "hunter2")
}
