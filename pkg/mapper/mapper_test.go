package mapper

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbox/syncbox/pkg/errors"
)

const (
	testRoot  = "/sync"
	testState = "/sync/.state.yaml"
)

func newTestMapper(t *testing.T) (*Mapper, afero.Fs) {
	memFs := afero.NewMemMapFs()
	m, err := New(memFs, testRoot, testState)
	require.NoError(t, err)
	return m, memFs
}

func writeFile(t *testing.T, fs afero.Fs, path, contents string) {
	require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0644))
}

func TestAttachDetachUsage(t *testing.T) {
	m, memFs := newTestMapper(t)

	writeFile(t, memFs, "/sync/a.txt", "hello")
	writeFile(t, memFs, "/sync/docs/b.txt", "hello world")

	ok, err := m.Attach("/sync/a.txt", "alice", "sum-a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Attach("/sync/docs/b.txt", "alice", "sum-b")
	require.NoError(t, err)
	assert.True(t, ok)

	// Usage is the sum of the attached files' sizes.
	assert.Equal(t, int64(5+11), m.UsedSpace("alice"))

	// Attaching the same path again is a no-op.
	ok, err = m.Attach("/sync/a.txt", "alice", "sum-a2")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, int64(16), m.UsedSpace("alice"))

	record, found := m.Lookup("alice", "docs/b.txt")
	require.True(t, found)
	assert.Equal(t, "sum-b", record.Checksum)
	assert.Equal(t, int64(11), record.Size)

	ok, err = m.Detach("/sync/docs/b.txt", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(5), m.UsedSpace("alice"))

	ok, err = m.Detach("/sync/docs/b.txt", "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdate(t *testing.T) {
	m, memFs := newTestMapper(t)

	writeFile(t, memFs, "/sync/a.txt", "hello")

	ok, err := m.Update("/sync/a.txt", "alice", "sum-1")
	require.NoError(t, err)
	assert.False(t, ok, "updating an unattached file should be refused")

	_, err = m.Attach("/sync/a.txt", "alice", "sum-1")
	require.NoError(t, err)
	_, err = m.Share("/sync/a.txt", "alice", "bob")
	require.NoError(t, err)

	writeFile(t, memFs, "/sync/a.txt", "hello again")
	ok, err = m.Update("/sync/a.txt", "alice", "sum-2")
	require.NoError(t, err)
	assert.True(t, ok)

	record, found := m.Lookup("alice", "a.txt")
	require.True(t, found)
	assert.Equal(t, "sum-2", record.Checksum)
	assert.Equal(t, int64(11), record.Size)
	assert.Equal(t, []string{"bob"}, record.Receivers,
		"updating contents must not drop share grants")
	assert.Equal(t, int64(11), m.UsedSpace("alice"))
}

func TestPathEscapesRoot(t *testing.T) {
	m, memFs := newTestMapper(t)
	writeFile(t, memFs, "/outside.txt", "x")

	_, err := m.Attach("/outside.txt", "alice", "sum")
	assert.Error(t, err)
}

func TestPersistenceRoundTrip(t *testing.T) {
	memFs := afero.NewMemMapFs()
	m, err := New(memFs, testRoot, testState)
	require.NoError(t, err)

	writeFile(t, memFs, "/sync/a.txt", "hello")
	_, err = m.Attach("/sync/a.txt", "alice", "sum-a")
	require.NoError(t, err)
	_, err = m.Share("/sync/a.txt", "alice", "bob")
	require.NoError(t, err)

	reloaded, err := New(memFs, testRoot, testState)
	require.NoError(t, err)

	expView, ok := m.View("alice")
	require.True(t, ok)
	actualView, ok := reloaded.View("alice")
	require.True(t, ok)
	assert.Equal(t, expView, actualView)
	assert.Equal(t, int64(5), reloaded.UsedSpace("alice"))
}

func TestCorruptStateFile(t *testing.T) {
	memFs := afero.NewMemMapFs()
	writeFile(t, memFs, testState, "{{{ not yaml")

	m, err := New(memFs, testRoot, testState)
	require.NoError(t, err, "a corrupt state file shouldn't prevent startup")
	assert.Empty(t, m.Users())
}

func TestShare(t *testing.T) {
	m, memFs := newTestMapper(t)
	writeFile(t, memFs, "/sync/a.txt", "hello")

	_, err := m.Share("/sync/a.txt", "alice", "bob")
	assert.IsType(t, errors.FileNotFound{}, errors.RootCause(err),
		"sharing an unattached file should fail")

	_, err = m.Attach("/sync/a.txt", "alice", "sum")
	require.NoError(t, err)

	ok, err := m.Share("/sync/a.txt", "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	// Duplicate grants are refused without error.
	ok, err = m.Share("/sync/a.txt", "alice", "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	receivers, found := m.Receivers("alice", "a.txt")
	require.True(t, found)
	assert.Equal(t, []string{"bob"}, receivers)

	ok, err = m.Unshare("/sync/a.txt", "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Unshare("/sync/a.txt", "alice", "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestShareUnsupported(t *testing.T) {
	memFs := afero.NewMemMapFs()
	m, err := NewLimited(memFs, testRoot, testState)
	require.NoError(t, err)

	writeFile(t, memFs, "/sync/a.txt", "hello")
	_, err = m.Attach("/sync/a.txt", "alice", "sum")
	require.NoError(t, err)

	_, err = m.Share("/sync/a.txt", "alice", "bob")
	assert.Equal(t, errors.ErrSharingUnsupported, err)
	_, err = m.Unshare("/sync/a.txt", "alice", "bob")
	assert.Equal(t, errors.ErrSharingUnsupported, err)
}

// On a drive, granting a share also records it under the receiver so
// that the receiver's aggregated view includes it.
func TestDriveShareUpdatesReceiver(t *testing.T) {
	memFs := afero.NewMemMapFs()
	m, err := NewDrive(memFs, "/drive", "/drive/.state.yaml")
	require.NoError(t, err)

	writeFile(t, memFs, "/drive/alice/a.txt", "hello")
	_, err = m.Attach("/drive/alice/a.txt", "alice", "sum")
	require.NoError(t, err)

	ok, err := m.Share("/drive/alice/a.txt", "alice", "bob")
	require.NoError(t, err)
	require.True(t, ok)

	view, found := m.View("bob")
	require.True(t, found)
	require.Len(t, view.Shared, 1)
	assert.Equal(t, "alice", view.Shared[0].Owner)
	assert.Equal(t, "a.txt", view.Shared[0].Path)
	assert.Zero(t, view.UsedSpace, "shared files don't count against the receiver")

	ok, err = m.Unshare("/drive/alice/a.txt", "alice", "bob")
	require.NoError(t, err)
	require.True(t, ok)

	view, _ = m.View("bob")
	assert.Empty(t, view.Shared)
}

func TestAttachShared(t *testing.T) {
	m, memFs := newTestMapper(t)

	abs := filepath.Join(m.SharedRoot("alice", "bob"), "notes.txt")
	writeFile(t, memFs, abs, "shared contents")

	ok, err := m.AttachShared(abs, "alice", "bob", "sum")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.AttachShared(abs, "alice", "bob", "sum")
	require.NoError(t, err)
	assert.False(t, ok)

	view, found := m.View("alice")
	require.True(t, found)
	require.Len(t, view.Shared, 1)
	assert.Equal(t, "notes.txt", view.Shared[0].Path)
	assert.Zero(t, view.UsedSpace)

	ok, err = m.DetachShared(abs, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.DetachShared(abs, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAttachCancelled(t *testing.T) {
	m, memFs := newTestMapper(t)

	abs := filepath.Join(m.CancelledRoot("alice"), "big.bin")
	writeFile(t, memFs, abs, "way too big")

	ok, err := m.AttachCancelled(abs, "alice", "sum")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.AttachCancelled(abs, "alice", "sum")
	require.NoError(t, err)
	assert.False(t, ok)

	view, found := m.View("alice")
	require.True(t, found)
	require.Len(t, view.Cancelled, 1)
	assert.Equal(t, "big.bin", view.Cancelled[0].Path)
	assert.Zero(t, view.UsedSpace, "cancelled files don't count against usage")
}

func TestUsers(t *testing.T) {
	memFs := afero.NewMemMapFs()
	m, err := NewDrive(memFs, "/drive", "/drive/.state.yaml")
	require.NoError(t, err)

	writeFile(t, memFs, "/drive/carol/a.txt", "x")
	writeFile(t, memFs, "/drive/alice/b.txt", "y")
	_, err = m.Attach("/drive/carol/a.txt", "carol", "sum")
	require.NoError(t, err)
	_, err = m.Attach("/drive/alice/b.txt", "alice", "sum")
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "carol"}, m.Users())
	assert.True(t, m.HasUser("alice"))
	assert.False(t, m.HasUser("bob"))
}
