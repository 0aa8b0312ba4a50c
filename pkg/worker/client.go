package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"github.com/syncbox/syncbox/pkg/errors"
	"github.com/syncbox/syncbox/pkg/mapper"
	"github.com/syncbox/syncbox/pkg/report"
	"github.com/syncbox/syncbox/pkg/watcher"
	"github.com/syncbox/syncbox/pkg/wire"
)

// An EventSource hands out events to consume. *watcher.Queue satisfies it.
type EventSource interface {
	Pop() (watcher.Event, error)
}

// A Client drives local events to completion against the server, one at
// a time, over its own connection. A fatal condition (negative response,
// I/O failure) terminates the worker and closes its socket; the other
// workers and the listener keep running.
type Client struct {
	User  string
	Root  string
	Algo  string
	Quota int64

	Conn  *wire.Conn
	Store *mapper.Mapper
	Queue EventSource

	Progress report.Progress
	Notifier report.Notifier
	Log      report.EventLog

	Clock    clockwork.Clock
	Throttle time.Duration
}

// Run consumes events until the queue closes or a fatal condition stops
// the worker. The connection is closed on the way out either way.
func (w *Client) Run() error {
	defer w.Conn.Close()

	for {
		ev, err := w.Queue.Pop()
		if err != nil {
			if err == watcher.ErrClosed {
				if err := w.Conn.WriteCommand(wire.Command{Kind: wire.FinishConnection}); err != nil {
					log.WithError(err).Debug("Failed to send FinishConnection")
				}
				return nil
			}
			return err
		}

		if err := w.handle(ev); err != nil {
			w.Notifier.Error("Sync crashed",
				fmt.Sprintf("Stopped syncing %q: %s.", ev.Path, errors.GetPrintableMessage(err)))
			w.Log.Append(report.Entry{
				User: w.User, Path: ev.Path, Op: ev.Kind.String(),
				Outcome: "fatal", Detail: err.Error(),
			})
			return err
		}
	}
}

func (w *Client) handle(ev watcher.Event) error {
	log.WithFields(log.Fields{
		"path": ev.Path,
		"kind": ev.Kind.String(),
	}).Debug("Processing event")

	switch ev.Kind {
	case watcher.Create, watcher.Update:
		return w.upload(ev)
	case watcher.Delete:
		return w.remoteDelete(ev)
	case watcher.Share:
		return w.share(ev, wire.ShareFile)
	case watcher.Unshare:
		return w.share(ev, wire.UnshareFile)
	case watcher.FullDownload, watcher.RefreshDownload:
		return w.download(ev, w.User, false)
	case watcher.SharedDownload:
		return w.download(ev, ev.Meta, true)
	case watcher.LocalRemove:
		return w.localRemove(ev)
	case watcher.SharedRemove:
		return w.sharedRemove(ev)
	default:
		return errors.New(fmt.Sprintf("unhandled event kind %v", ev.Kind))
	}
}

// upload pushes local contents to the server. Whether it's a creation or
// an update is decided by the metadata store, not the event kind, so a
// watcher Create for an already-attached path degrades gracefully.
func (w *Client) upload(ev watcher.Event) error {
	abs := w.abs(ev.Path)

	fi, err := fs.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			// Removed between the notification and now; the pending
			// Delete event settles it.
			log.WithField("path", ev.Path).Debug("File vanished before upload")
			return nil
		}
		return errors.WithContext(err, "stat")
	}

	sum, err := wire.ChecksumFile(fs, abs, w.Algo)
	if err != nil {
		return errors.WithContext(err, "checksum")
	}

	record, exists := w.Store.Lookup(w.User, ev.Path)
	var oldSize int64
	if exists {
		oldSize = record.Size
	}

	projected := w.Store.UsedSpace(w.User) - oldSize + fi.Size()
	if projected > w.Quota {
		return w.cancelUpload(ev, abs, sum, projected)
	}
	if projected*10 > w.Quota*9 {
		w.Notifier.Warn("Storage almost full", fmt.Sprintf(
			"Syncing %q brings %s to %s of the %s limit (%d%%).",
			ev.Path, w.User, humanize.Bytes(uint64(projected)),
			humanize.Bytes(uint64(w.Quota)), projected*100/w.Quota))
	}

	// Attach before send: local metadata leads the server. If the
	// transfer dies in between, the next startup reconciliation
	// re-diffs both sides and repairs the gap.
	if exists {
		if _, err := w.Store.Update(abs, w.User, sum); err != nil {
			return errors.WithContext(err, "update record")
		}
	} else {
		if _, err := w.Store.Attach(abs, w.User, sum); err != nil {
			return errors.WithContext(err, "attach record")
		}
	}

	kind := wire.CreateFile
	if exists {
		kind = wire.UpdateFile
	}
	cmd := wire.Command{
		Kind: kind, User: w.User, File: ev.Path, Size: fi.Size(), Checksum: sum,
	}
	if err := w.roundTrip(cmd); err != nil {
		return err
	}

	f, err := fs.Open(abs)
	if err != nil {
		return errors.WithContext(err, "open")
	}
	defer f.Close()

	w.Progress.Start("Uploading", ev.Path)
	err = w.Conn.SendStream(f, fi.Size(), w.streamOptions())
	if err != nil {
		return errors.WithContext(err, "send contents")
	}
	w.Progress.Done()

	w.logOp(ev, "ok", fmt.Sprintf("%d bytes", fi.Size()))
	return nil
}

// cancelUpload implements the quota policy branch: the file moves to the
// cancelled area and is attached there instead, the user is told, and
// the job ends without touching the worker.
func (w *Client) cancelUpload(ev watcher.Event, abs, sum string, projected int64) error {
	cancelled := filepath.Join(w.Root, mapper.CancelledDir, filepath.FromSlash(ev.Path))
	if err := fs.MkdirAll(filepath.Dir(cancelled), 0755); err != nil {
		return errors.WithContext(err, "make cancelled dir")
	}
	if err := fs.Rename(abs, cancelled); err != nil {
		return errors.WithContext(err, "move to cancelled")
	}
	if _, err := w.Store.AttachCancelled(cancelled, w.User, sum); err != nil {
		return errors.WithContext(err, "attach cancelled record")
	}

	quotaErr := errors.QuotaExceeded{User: w.User, Projected: projected, Limit: w.Quota}
	w.Notifier.Error("Out of storage", fmt.Sprintf(
		"%q was not synced: it would use %s of your %s limit (%d%%). "+
			"The file was moved to the cancelled area.",
		ev.Path, humanize.Bytes(uint64(projected)),
		humanize.Bytes(uint64(w.Quota)), projected*100/w.Quota))
	w.logOp(ev, "quota-rejected", quotaErr.Error())

	log.WithField("path", ev.Path).Info("Upload cancelled by quota")
	return nil
}

func (w *Client) remoteDelete(ev watcher.Event) error {
	abs := w.abs(ev.Path)

	cmd := wire.Command{Kind: wire.DeleteFile, User: w.User, File: ev.Path}
	if err := w.roundTrip(cmd); err != nil {
		return err
	}

	if _, err := w.Store.Detach(abs, w.User); err != nil {
		return errors.WithContext(err, "detach")
	}
	if err := fs.Remove(abs); err != nil && !os.IsNotExist(err) {
		return errors.WithContext(err, "remove local file")
	}

	w.logOp(ev, "ok", "")
	return nil
}

func (w *Client) share(ev watcher.Event, kind wire.Kind) error {
	abs := w.abs(ev.Path)
	if _, ok := w.Store.Lookup(w.User, ev.Path); !ok {
		return errors.FileNotFound{Path: ev.Path}
	}

	cmd := wire.Command{Kind: kind, User: w.User, File: ev.Path, Receiver: ev.Meta}
	if err := w.roundTrip(cmd); err != nil {
		return err
	}

	// The server owns sharing state; locally we only keep the receiver
	// list on the record current.
	var err error
	if kind == wire.ShareFile {
		_, err = w.Store.Share(abs, w.User, ev.Meta)
	} else {
		_, err = w.Store.Unshare(abs, w.User, ev.Meta)
	}
	if err != nil {
		return errors.WithContext(err, "record grant")
	}

	w.logOp(ev, "ok", "receiver "+ev.Meta)
	return nil
}

// download fetches a file from the server into a temp file beside the
// target and atomically replaces the target. Metadata is attached only
// after a successful receive; on failure both temp and target are
// removed and the record detached so no metadata outlives its file.
func (w *Client) download(ev watcher.Event, owner string, shared bool) error {
	target := w.abs(ev.Path)
	if shared {
		target = filepath.Join(w.Root, mapper.SharedDir, owner, filepath.FromSlash(ev.Path))
	}

	if err := w.Conn.WriteCommand(wire.Command{
		Kind: wire.RequestFile, User: owner, File: ev.Path,
	}); err != nil {
		return err
	}

	line, err := w.Conn.ReadLine()
	if err != nil {
		return err
	}
	if line == wire.TokenNo || line == wire.TokenNoUser {
		return errors.WithContext(errors.ErrConnectionClosed,
			fmt.Sprintf("server declined %q with %s", ev.Path, line))
	}
	frame, err := wire.ParseCommand(line)
	if err != nil {
		return err
	}
	if frame.Kind != wire.UpdateFile {
		return errors.ProtocolError{Line: line, Reason: "expected a framing line"}
	}

	w.Progress.Start("Downloading", ev.Path)
	tmp, err := receiveToTemp(w.Conn, filepath.Dir(target), frame.Size,
		frame.Checksum, w.Algo, w.streamOptions())
	if err != nil {
		w.dropFailedDownload(target, owner, shared)
		return errors.WithContext(err, "receive")
	}

	if err := publish(tmp, target); err != nil {
		w.dropFailedDownload(target, owner, shared)
		return err
	}
	w.Progress.Done()

	if shared {
		if _, err := w.Store.AttachShared(target, w.User, owner, frame.Checksum); err != nil {
			return errors.WithContext(err, "attach shared record")
		}
	} else if _, ok := w.Store.Lookup(w.User, ev.Path); ok {
		if _, err := w.Store.Update(target, w.User, frame.Checksum); err != nil {
			return errors.WithContext(err, "update record")
		}
	} else {
		if _, err := w.Store.Attach(target, w.User, frame.Checksum); err != nil {
			return errors.WithContext(err, "attach record")
		}
	}

	w.logOp(ev, "ok", fmt.Sprintf("%d bytes from %s", frame.Size, owner))
	return nil
}

// dropFailedDownload cleans up after a failed receive so that no
// metadata points at a file that isn't there.
func (w *Client) dropFailedDownload(target, owner string, shared bool) {
	removeQuietly(target)
	var err error
	if shared {
		_, err = w.Store.DetachShared(target, w.User, owner)
	} else {
		_, err = w.Store.Detach(target, w.User)
	}
	if err != nil {
		log.WithError(err).WithField("path", target).Warn(
			"Failed to roll back metadata for failed download")
	}
}

// localRemove deletes the local copy and then detaches it. If the
// deletion fails the job aborts without detaching: metadata must not
// disappear while the file still exists.
func (w *Client) localRemove(ev watcher.Event) error {
	abs := w.abs(ev.Path)
	if err := fs.Remove(abs); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("path", ev.Path).Error("Failed to remove local file")
		w.logOp(ev, "aborted", err.Error())
		return nil
	}

	if _, err := w.Store.Detach(abs, w.User); err != nil {
		return errors.WithContext(err, "detach")
	}
	w.logOp(ev, "ok", "")
	return nil
}

func (w *Client) sharedRemove(ev watcher.Event) error {
	abs := filepath.Join(w.Root, mapper.SharedDir, ev.Meta, filepath.FromSlash(ev.Path))
	if err := fs.Remove(abs); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("path", ev.Path).Error("Failed to remove shared file")
		w.logOp(ev, "aborted", err.Error())
		return nil
	}

	if _, err := w.Store.DetachShared(abs, w.User, ev.Meta); err != nil {
		return errors.WithContext(err, "detach shared")
	}
	w.logOp(ev, "ok", "owner "+ev.Meta)
	return nil
}

// roundTrip sends a command and waits for the ack. Any negative token is
// fatal: the connection is assumed desynchronized.
func (w *Client) roundTrip(cmd wire.Command) error {
	if err := w.Conn.WriteCommand(cmd); err != nil {
		return err
	}

	token, err := w.Conn.ReadToken()
	if err != nil {
		return err
	}
	if token != wire.TokenOK {
		return errors.WithContext(errors.ErrConnectionClosed,
			fmt.Sprintf("server answered %s to %s", token, cmd.Kind))
	}
	return nil
}

func (w *Client) streamOptions() wire.StreamOptions {
	return wire.StreamOptions{
		Throttle: w.Throttle,
		Clock:    w.Clock,
		Progress: w.Progress.Percent,
	}
}

func (w *Client) abs(rel string) string {
	return filepath.Join(w.Root, filepath.FromSlash(rel))
}

func (w *Client) logOp(ev watcher.Event, outcome, detail string) {
	w.Log.Append(report.Entry{
		User: w.User, Path: ev.Path, Op: ev.Kind.String(),
		Outcome: outcome, Detail: detail,
	})
}
