package wire

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbox/syncbox/pkg/errors"
)

func pipeConns(t *testing.T) (*Conn, *Conn) {
	rawA, rawB := net.Pipe()
	a := NewConn(rawA, time.Second)
	b := NewConn(rawB, time.Second)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestCommandOverConn(t *testing.T) {
	client, server := pipeConns(t)

	exp := Command{Kind: CreateFile, User: "alice", File: "a.txt", Size: 5, Checksum: "abc"}
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- client.WriteCommand(exp)
	}()

	actual, err := server.ReadCommand()
	assert.NoError(t, err)
	assert.Equal(t, exp, actual)
	assert.NoError(t, <-writeErr)
}

func TestReadToken(t *testing.T) {
	client, server := pipeConns(t)

	go client.WriteToken(TokenNoUser)
	token, err := server.ReadToken()
	assert.NoError(t, err)
	assert.Equal(t, TokenNoUser, token)

	go client.WriteLine("MAYBE")
	_, err = server.ReadToken()
	assert.Error(t, err)
	assert.IsType(t, errors.ProtocolError{}, errors.RootCause(err))
}

func TestReadLineEOF(t *testing.T) {
	client, server := pipeConns(t)

	require.NoError(t, client.Close())
	_, err := server.ReadLine()
	assert.Equal(t, errors.ErrConnectionClosed, errors.RootCause(err))
}

func TestReadLineTimeout(t *testing.T) {
	rawA, rawB := net.Pipe()
	defer rawA.Close()
	defer rawB.Close()

	server := NewConn(rawB, 20*time.Millisecond)
	_, err := server.ReadLine()
	assert.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestBlobRoundTrip(t *testing.T) {
	client, server := pipeConns(t)

	payload := []byte("users:\n- alice\n- bob\n")
	writeErr := make(chan error, 1)
	go func() {
		writeErr <- client.SendBlob("alice", "users", payload)
	}()

	frame, actual, err := server.ReadBlob()
	assert.NoError(t, err)
	assert.Equal(t, payload, actual)
	assert.Equal(t, "users", frame.File)
	assert.Equal(t, int64(len(payload)), frame.Size)
	assert.Equal(t, BlobChecksum, frame.Checksum)
	assert.NoError(t, <-writeErr)
}

// The stream must consume exactly the announced byte count so that the
// line protocol resumes cleanly right after the payload.
func TestStreamPreservesFraming(t *testing.T) {
	client, server := pipeConns(t)

	contents := strings.Repeat("x", 1000)
	go func() {
		frame := Command{Kind: UpdateFile, User: "alice", File: "a.txt",
			Size: int64(len(contents)), Checksum: "abc"}
		client.WriteCommand(frame)
		client.SendStream(strings.NewReader(contents), int64(len(contents)),
			StreamOptions{ChunkSize: 64})
		client.WriteCommand(Command{Kind: FinishConnection})
	}()

	frame, err := server.ReadCommand()
	require.NoError(t, err)
	require.Equal(t, int64(len(contents)), frame.Size)

	var received bytes.Buffer
	require.NoError(t, server.ReceiveStream(&received, frame.Size,
		StreamOptions{ChunkSize: 64}))
	assert.Equal(t, contents, received.String())

	next, err := server.ReadCommand()
	assert.NoError(t, err)
	assert.Equal(t, FinishConnection, next.Kind)
}

func TestStreamProgress(t *testing.T) {
	client, server := pipeConns(t)

	contents := strings.Repeat("y", 100)
	go client.SendStream(strings.NewReader(contents), int64(len(contents)),
		StreamOptions{ChunkSize: 25})

	var percents []int
	var received bytes.Buffer
	require.NoError(t, server.ReceiveStream(&received, int64(len(contents)),
		StreamOptions{
			ChunkSize: 25,
			Progress:  func(p int) { percents = append(percents, p) },
		}))
	assert.Equal(t, []int{25, 50, 75, 100}, percents)
}

func TestStreamTruncated(t *testing.T) {
	client, server := pipeConns(t)

	go func() {
		client.SendStream(strings.NewReader("short"), 5, StreamOptions{})
		client.Close()
	}()

	var received bytes.Buffer
	err := server.ReceiveStream(&received, 10, StreamOptions{})
	assert.Equal(t, errors.ErrConnectionClosed, errors.RootCause(err))
}
