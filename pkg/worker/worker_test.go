package worker

import (
	"net"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbox/syncbox/pkg/errors"
	"github.com/syncbox/syncbox/pkg/wire"
)

func pipeConns(t *testing.T) (*wire.Conn, *wire.Conn) {
	rawA, rawB := net.Pipe()
	a := wire.NewConn(rawA, 2*time.Second)
	b := wire.NewConn(rawB, 2*time.Second)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestReceiveToTemp(t *testing.T) {
	fs = afero.NewMemMapFs()
	sender, receiver := pipeConns(t)

	contents := "file contents"
	sum, err := checksumString(contents)
	require.NoError(t, err)

	go sender.SendStream(strings.NewReader(contents), int64(len(contents)),
		wire.StreamOptions{})

	tmp, err := receiveToTemp(receiver, "/dst", int64(len(contents)), sum,
		wire.DigestSHA256, wire.StreamOptions{})
	require.NoError(t, err)

	received, err := afero.ReadFile(fs, tmp)
	require.NoError(t, err)
	assert.Equal(t, contents, string(received))

	require.NoError(t, publish(tmp, "/dst/file.txt"))
	exists, err := afero.Exists(fs, tmp)
	require.NoError(t, err)
	assert.False(t, exists, "publish must consume the temp file")

	published, err := afero.ReadFile(fs, "/dst/file.txt")
	require.NoError(t, err)
	assert.Equal(t, contents, string(published))
}

// A payload that arrives whole but doesn't match its advertised checksum
// must not leave a temp file behind.
func TestReceiveToTempChecksumMismatch(t *testing.T) {
	fs = afero.NewMemMapFs()
	sender, receiver := pipeConns(t)

	contents := "corrupted in transit"
	go sender.SendStream(strings.NewReader(contents), int64(len(contents)),
		wire.StreamOptions{})

	_, err := receiveToTemp(receiver, "/dst", int64(len(contents)),
		"not-the-checksum", wire.DigestSHA256, wire.StreamOptions{})
	assert.Equal(t, errors.ErrFileChanged, errors.RootCause(err))

	leftovers, err := afero.ReadDir(fs, "/dst")
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func checksumString(contents string) (string, error) {
	scratch := afero.NewMemMapFs()
	if err := afero.WriteFile(scratch, "/scratch", []byte(contents), 0644); err != nil {
		return "", err
	}
	return wire.ChecksumFile(scratch, "/scratch", wire.DigestSHA256)
}
