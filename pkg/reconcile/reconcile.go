// Package reconcile implements the one-shot startup comparison between
// the client's local tree and the server's metadata. It runs once,
// before the steady-state workers start, and seeds the watcher's queue
// with synthetic events: exactly one event per mismatched file, none for
// files identical on both sides.
package reconcile

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/syncbox/syncbox/pkg/errors"
	"github.com/syncbox/syncbox/pkg/mapper"
	"github.com/syncbox/syncbox/pkg/watcher"
	"github.com/syncbox/syncbox/pkg/wire"
)

// An EventSink accepts the synthetic events. *watcher.Queue satisfies it.
type EventSink interface {
	Add(path string, kind watcher.Kind, meta string)
}

type localFile struct {
	checksum string
	modTime  time.Time
}

// Seed diffs the local tree at `root` against the server's view of
// `user` and queues one event per difference:
//   - differing contents, local copy newer: upload (Update);
//   - differing contents, server copy newer: RefreshDownload;
//   - server only: FullDownload;
//   - local only: upload (Create);
//   - shared grant with no local copy (or stale copy): SharedDownload;
//   - local shared copy whose grant is gone: SharedRemove.
//
// It returns the number of events queued.
func Seed(fs afero.Fs, root, user, algo string, serverView mapper.Owner,
	sink EventSink, ignored ...string) (int, error) {

	local, err := snapshot(fs, root, algo, ignored)
	if err != nil {
		return 0, errors.WithContext(err, "snapshot local tree")
	}

	events := 0
	add := func(path string, kind watcher.Kind, meta string) {
		log.WithFields(log.Fields{
			"path": path,
			"kind": kind.String(),
		}).Debug("Reconciliation event")
		sink.Add(path, kind, meta)
		events++
	}

	for path, f := range local {
		record, ok := serverView.Lookup(path)
		switch {
		case !ok:
			add(path, watcher.Create, "")
		case f.checksum == record.Checksum:
			// Identical on both sides.
		case f.modTime.After(record.ModTime):
			add(path, watcher.Update, "")
		default:
			add(path, watcher.RefreshDownload, "")
		}
	}

	for _, record := range serverView.Files {
		if _, ok := local[record.Path]; !ok {
			add(record.Path, watcher.FullDownload, "")
		}
	}

	grants := map[string]bool{}
	for _, grant := range serverView.Shared {
		grants[grant.Owner+"\x00"+grant.Path] = true

		abs := filepath.Join(root, mapper.SharedDir, grant.Owner,
			filepath.FromSlash(grant.Path))
		sum, err := wire.ChecksumFile(fs, abs, algo)
		if err == nil && sum == grant.Checksum {
			continue
		}
		add(grant.Path, watcher.SharedDownload, grant.Owner)
	}

	// Local shared copies whose grant was revoked while we were offline.
	sharedRoot := filepath.Join(root, mapper.SharedDir)
	owners, err := afero.ReadDir(fs, sharedRoot)
	if err != nil && !os.IsNotExist(err) {
		return events, errors.WithContext(err, "read shared dir")
	}
	for _, ownerDir := range owners {
		if !ownerDir.IsDir() {
			continue
		}
		owner := ownerDir.Name()
		ownerRoot := filepath.Join(sharedRoot, owner)
		err := afero.Walk(fs, ownerRoot, func(path string, fi os.FileInfo, err error) error {
			if err != nil || fi.IsDir() {
				return err
			}
			rel, err := filepath.Rel(ownerRoot, path)
			if err != nil {
				return errors.WithContext(err, "relativize shared file")
			}
			rel = filepath.ToSlash(rel)
			if !grants[owner+"\x00"+rel] {
				add(rel, watcher.SharedRemove, owner)
			}
			return nil
		})
		if err != nil {
			return events, errors.WithContext(err, "walk shared dir")
		}
	}

	return events, nil
}

// snapshot walks the tree and checksums every regular file outside the
// ignored entries.
func snapshot(fs afero.Fs, root, algo string, ignored []string) (map[string]localFile, error) {
	files := map[string]localFile{}
	err := afero.Walk(fs, root, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return nil
			}
			return errors.WithContext(err, "walk")
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return errors.WithContext(err, "relativize")
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		for _, name := range ignored {
			if rel == name || strings.HasPrefix(rel, name+"/") {
				if fi.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}
		if fi.IsDir() {
			return nil
		}
		if strings.HasPrefix(fi.Name(), watcher.TempPrefix) {
			return nil
		}

		sum, err := wire.ChecksumFile(fs, path, algo)
		if err != nil {
			return errors.WithContext(err, "checksum")
		}
		files[rel] = localFile{checksum: sum, modTime: fi.ModTime()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
