package server

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbox/syncbox/pkg/wire"
)

func notifyPair(t *testing.T) (*wire.Conn, *wire.Conn) {
	rawA, rawB := net.Pipe()
	a := wire.NewConn(rawA, time.Second)
	b := wire.NewConn(rawB, time.Second)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestRegistryPush(t *testing.T) {
	r := NewRegistry()
	serverEnd, clientEnd := notifyPair(t)

	r.Register("bob", serverEnd)
	assert.Equal(t, []string{"bob"}, r.Online())

	exp := wire.Command{Kind: wire.ShareFile, User: "alice", File: "a.txt", Receiver: "bob"}
	pushed := make(chan bool, 1)
	go func() {
		pushed <- r.Push("bob", exp)
	}()

	cmd, err := clientEnd.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, exp, cmd)
	assert.True(t, <-pushed)

	assert.False(t, r.Push("nobody", exp),
		"pushing to an offline user reports false")

	r.Drop("bob")
	assert.Empty(t, r.Online())
	assert.False(t, r.Push("bob", exp))
}

// A reconnect replaces the previous channel; the stale connection is
// closed so its reader unblocks.
func TestRegistryRegisterSupersedes(t *testing.T) {
	r := NewRegistry()
	oldServerEnd, oldClientEnd := notifyPair(t)
	newServerEnd, _ := notifyPair(t)

	r.Register("bob", oldServerEnd)
	r.Register("bob", newServerEnd)
	assert.Equal(t, []string{"bob"}, r.Online())

	_, err := oldClientEnd.ReadCommand()
	assert.Error(t, err)
}
