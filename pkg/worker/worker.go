// Package worker implements the per-connection sync state machines. A
// worker processes one event (client side) or one command (server side)
// at a time with synchronous, blocking I/O. A failed job is terminal for
// that job or for the whole worker, never retried: events are consumed
// exactly once and the startup reconciliation heals whatever a crash
// left behind.
package worker

import (
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/syncbox/syncbox/pkg/errors"
	"github.com/syncbox/syncbox/pkg/watcher"
	"github.com/syncbox/syncbox/pkg/wire"
)

// Mocked out for unit testing.
var fs = afero.NewOsFs()

// receiveToTemp streams `size` bytes from the connection into a fresh
// temp file beside the eventual target and verifies the advertised
// checksum. On any failure the temp file is removed. The caller
// publishes the returned path with an atomic rename.
func receiveToTemp(conn *wire.Conn, dir string, size int64, checksum, algo string,
	opts wire.StreamOptions) (string, error) {

	if err := fs.MkdirAll(dir, 0755); err != nil {
		return "", errors.WithContext(err, "make target dir")
	}

	tmp := filepath.Join(dir, watcher.TempPrefix+uuid.New().String())
	f, err := fs.Create(tmp)
	if err != nil {
		return "", errors.WithContext(err, "create temp file")
	}

	err = conn.ReceiveStream(f, size, opts)
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.WithContext(closeErr, "close temp file")
	}
	if err != nil {
		removeQuietly(tmp)
		return "", err
	}

	actual, err := wire.ChecksumFile(fs, tmp, algo)
	if err != nil {
		removeQuietly(tmp)
		return "", errors.WithContext(err, "checksum received file")
	}
	if actual != checksum {
		removeQuietly(tmp)
		return "", errors.ErrFileChanged
	}
	return tmp, nil
}

// publish atomically replaces `target` with the received temp file.
func publish(tmp, target string) error {
	if err := fs.Rename(tmp, target); err != nil {
		removeQuietly(tmp)
		return errors.WithContext(err, "publish")
	}
	return nil
}

// removeQuietly is best effort; an orphaned temp file doesn't affect
// future syncs.
func removeQuietly(path string) {
	_ = fs.Remove(path)
}
