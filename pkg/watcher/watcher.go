// Package watcher turns raw filesystem notifications into a
// deduplicated, ordered queue of sync events.
package watcher

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/syncbox/syncbox/pkg/errors"
)

var fs = afero.NewOsFs()

// TempPrefix marks in-flight download files. They are invisible to the
// watcher so that receiving a file never echoes back as local activity.
const TempPrefix = ".tmp-"

// A Watcher recursively observes a directory tree. Raw notifications are
// classified and coalesced into the embedded Queue; reconciliation and
// network-triggered share notifications inject their own events through
// Add.
type Watcher struct {
	*Queue

	root    string
	ignored []string
	fsw     *fsnotify.Watcher
}

// New watches `root` and all its current and future subdirectories.
// Entries named in `ignored` (relative to the root) are skipped, along
// with everything under them.
func New(root string, ignored ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	w := &Watcher{
		Queue:   NewQueue(),
		root:    root,
		ignored: ignored,
		fsw:     fsw,
	}

	if err := w.watchTree(root, false); err != nil {
		if closeErr := fsw.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("Failed to close file watcher")
		}
		return nil, errors.WithContext(err, "watch tree")
	}

	go w.run()
	return w, nil
}

// Close releases the filesystem notification handles and unblocks any
// consumer suspended in Pop.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	w.Queue.Close()
	return err
}

// watchTree registers `dir` and every subdirectory below it. When
// `announce` is set, files discovered along the way are queued as
// creations; that covers files written into a new directory before we
// got its watch registered.
func (w *Watcher) watchTree(dir string, announce bool) error {
	return afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk")
		}

		rel, ok := w.relative(path)
		if !ok {
			if fi.IsDir() && path != w.root {
				return filepath.SkipDir
			}
			return nil
		}

		if fi.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				return errors.WithContext(err, "register")
			}
			return nil
		}
		if announce {
			w.Add(rel, Create, "")
		}
		return nil
	})
}

// relative normalizes an absolute notification path, reporting false for
// paths outside the root or under an ignored entry.
func (w *Watcher) relative(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	if strings.HasPrefix(filepath.Base(path), TempPrefix) {
		return "", false
	}

	rel = filepath.ToSlash(rel)
	for _, ignored := range w.ignored {
		if rel == ignored || strings.HasPrefix(rel, ignored+"/") {
			return "", false
		}
	}
	return rel, true
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			// The notification mechanism itself failed. Surface a fatal
			// error to the consumer rather than hang with a silent gap
			// in the event stream.
			w.fail(errors.WithContext(err, "filesystem notifications"))
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	rel, ok := w.relative(ev.Name)
	if !ok {
		return
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		fi, err := fs.Stat(ev.Name)
		if err != nil {
			// Created and removed before we could look at it; the
			// removal notification settles the outcome.
			log.WithError(err).WithField("path", rel).Debug("Stat of new path failed")
			return
		}
		if fi.IsDir() {
			if err := w.watchTree(ev.Name, true); err != nil {
				w.fail(err)
			}
			return
		}
		w.Add(rel, Create, "")
	case ev.Op.Has(fsnotify.Write):
		w.Add(rel, Update, "")
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		w.Add(rel, Delete, "")
	}
}
