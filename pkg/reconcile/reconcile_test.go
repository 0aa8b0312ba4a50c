package reconcile

import (
	"sort"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncbox/syncbox/pkg/mapper"
	"github.com/syncbox/syncbox/pkg/watcher"
	"github.com/syncbox/syncbox/pkg/wire"
)

type recordingSink struct {
	events []watcher.Event
}

func (s *recordingSink) Add(path string, kind watcher.Kind, meta string) {
	s.events = append(s.events, watcher.Event{Path: path, Kind: kind, Meta: meta})
}

func (s *recordingSink) sorted() []watcher.Event {
	sorted := append([]watcher.Event{}, s.events...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Path != sorted[j].Path {
			return sorted[i].Path < sorted[j].Path
		}
		return sorted[i].Kind < sorted[j].Kind
	})
	return sorted
}

func write(t *testing.T, fs afero.Fs, path, contents string, modTime time.Time) {
	require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0644))
	require.NoError(t, fs.Chtimes(path, modTime, modTime))
}

func checksum(t *testing.T, fs afero.Fs, path string) string {
	sum, err := wire.ChecksumFile(fs, path, wire.DigestSHA256)
	require.NoError(t, err)
	return sum
}

func TestSeed(t *testing.T) {
	memFs := afero.NewMemMapFs()
	older := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	newer := older.Add(time.Hour)

	// unchanged.txt matches the server. edited.txt was modified locally
	// while offline. stale.txt was modified elsewhere and uploaded.
	// brand-new.txt has never been uploaded. Only the server knows
	// other-machine.txt.
	write(t, memFs, "/sync/unchanged.txt", "same", older)
	write(t, memFs, "/sync/edited.txt", "local edit", newer)
	write(t, memFs, "/sync/stale.txt", "old contents", older)
	write(t, memFs, "/sync/brand-new.txt", "new", newer)
	write(t, memFs, "/sync/.syncbox.yaml", "state", newer)

	serverView := mapper.Owner{
		User: "alice",
		Files: []mapper.FileRecord{
			{Path: "unchanged.txt", Checksum: checksum(t, memFs, "/sync/unchanged.txt"), ModTime: older},
			{Path: "edited.txt", Checksum: "server-sum-1", ModTime: older},
			{Path: "stale.txt", Checksum: "server-sum-2", ModTime: newer},
			{Path: "other-machine.txt", Checksum: "server-sum-3", ModTime: older},
		},
	}

	sink := &recordingSink{}
	n, err := Seed(memFs, "/sync", "alice", wire.DigestSHA256, serverView, sink,
		".syncbox.yaml", mapper.SharedDir, mapper.CancelledDir)
	require.NoError(t, err)

	assert.Equal(t, []watcher.Event{
		{Path: "brand-new.txt", Kind: watcher.Create},
		{Path: "edited.txt", Kind: watcher.Update},
		{Path: "other-machine.txt", Kind: watcher.FullDownload},
		{Path: "stale.txt", Kind: watcher.RefreshDownload},
	}, sink.sorted())
	assert.Equal(t, 4, n)
}

func TestSeedEmptyBothSides(t *testing.T) {
	memFs := afero.NewMemMapFs()

	sink := &recordingSink{}
	n, err := Seed(memFs, "/sync", "alice", wire.DigestSHA256,
		mapper.Owner{User: "alice"}, sink)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, sink.events)
}

func TestSeedSharedGrants(t *testing.T) {
	memFs := afero.NewMemMapFs()
	modTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// A healthy local copy of bob's grant, a stale one, and a local copy
	// whose grant was revoked while offline.
	write(t, memFs, "/sync/.shared/bob/ok.txt", "granted", modTime)
	write(t, memFs, "/sync/.shared/bob/stale.txt", "old", modTime)
	write(t, memFs, "/sync/.shared/carol/revoked.txt", "gone", modTime)

	serverView := mapper.Owner{
		User: "alice",
		Shared: []mapper.SharedFileRecord{
			{Owner: "bob", FileRecord: mapper.FileRecord{
				Path: "ok.txt", Checksum: checksum(t, memFs, "/sync/.shared/bob/ok.txt")}},
			{Owner: "bob", FileRecord: mapper.FileRecord{
				Path: "stale.txt", Checksum: "newer-sum"}},
			{Owner: "carol", FileRecord: mapper.FileRecord{
				Path: "fresh.txt", Checksum: "fresh-sum"}},
		},
	}

	sink := &recordingSink{}
	n, err := Seed(memFs, "/sync", "alice", wire.DigestSHA256, serverView, sink,
		mapper.SharedDir)
	require.NoError(t, err)

	assert.Equal(t, []watcher.Event{
		{Path: "fresh.txt", Kind: watcher.SharedDownload, Meta: "carol"},
		{Path: "revoked.txt", Kind: watcher.SharedRemove, Meta: "carol"},
		{Path: "stale.txt", Kind: watcher.SharedDownload, Meta: "bob"},
	}, sink.sorted())
	assert.Equal(t, 3, n)
}
