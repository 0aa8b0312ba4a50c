// Package client runs the steady-state sync loop on a user's machine:
// one startup reconciliation, N workers draining the shared event
// queue, and one listener for server push notifications.
package client

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/syncbox/syncbox/pkg/config"
	"github.com/syncbox/syncbox/pkg/errors"
	"github.com/syncbox/syncbox/pkg/mapper"
	"github.com/syncbox/syncbox/pkg/reconcile"
	"github.com/syncbox/syncbox/pkg/report"
	"github.com/syncbox/syncbox/pkg/watcher"
	"github.com/syncbox/syncbox/pkg/wire"
	"github.com/syncbox/syncbox/pkg/worker"
)

var fs = afero.NewOsFs()

// StateFileName is the client's metadata file, kept inside the synced
// root and ignored by the watcher.
const StateFileName = ".syncbox.yaml"

// EventLogName is the client's append-only operation log.
const EventLogName = ".syncbox-events.log"

// ignored are the entries under the root that are never synced.
var ignored = []string{
	StateFileName, EventLogName, mapper.SharedDir, mapper.CancelledDir, ".git",
}

// A Client owns the watcher, the metadata store, and the worker pool
// for one synced root.
type Client struct {
	cfg      config.Client
	store    *mapper.Mapper
	notifier report.Notifier
	progress report.Progress
	eventLog report.EventLog
	clock    clockwork.Clock
}

// New opens (or creates) the synced root and its metadata store.
func New(cfg config.Client, notifier report.Notifier, progress report.Progress) (*Client, error) {
	store, err := mapper.New(fs, cfg.Root, filepath.Join(cfg.Root, StateFileName))
	if err != nil {
		return nil, errors.WithContext(err, "open metadata store")
	}

	return &Client{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		progress: progress,
		eventLog: report.NewFileEventLog(fs, filepath.Join(cfg.Root, EventLogName)),
		clock:    clockwork.NewRealClock(),
	}, nil
}

// Run reconciles against the server, then syncs until the watcher fails
// or every worker has terminated.
func (c *Client) Run() error {
	serverView, err := c.fetchMapping()
	if err != nil {
		return errors.WithContext(err, "fetch server mapping")
	}

	w, err := watcher.New(c.cfg.Root, ignored...)
	if err != nil {
		rootCause := errors.RootCause(err)
		if strings.Contains(rootCause.Error(), "too many open files") {
			return errors.NewFriendlyError(
				"Too many files to watch for changes in %q.\n"+
					"Raise the inotify watch limit and try again.", c.cfg.Root)
		}
		return errors.WithContext(err, "watch files")
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.WithError(err).Debug("Failed to close watcher")
		}
	}()

	seeded, err := reconcile.Seed(fs, c.cfg.Root, c.cfg.User, c.cfg.Checksum,
		serverView, w, ignored...)
	if err != nil {
		return errors.WithContext(err, "reconcile")
	}
	if seeded == 0 {
		c.notifier.Info("Already in sync",
			"No differences between this machine and the server.")
	} else {
		log.WithField("events", seeded).Info("Reconciliation queued sync work")
	}

	go c.listenNotifications(w)

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		clientWorker, err := c.newWorker(w)
		if err != nil {
			w.Close()
			return errors.WithContext(err, "connect")
		}

		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := clientWorker.Run(); err != nil {
				// Fatal for this worker only; its socket is closed and
				// the remaining workers keep draining the queue.
				log.WithError(err).WithField("worker", id).Error("Sync worker crashed")
			}
		}(i)
	}

	wg.Wait()
	return nil
}

func (c *Client) newWorker(queue worker.EventSource) (*worker.Client, error) {
	conn, err := c.dial(c.cfg.DataPort)
	if err != nil {
		return nil, err
	}
	return &worker.Client{
		User:     c.cfg.User,
		Root:     c.cfg.Root,
		Algo:     c.cfg.Checksum,
		Quota:    c.cfg.QuotaBytes,
		Conn:     conn,
		Store:    c.store,
		Queue:    queue,
		Progress: c.progress,
		Notifier: c.notifier,
		Log:      c.eventLog,
		Clock:    c.clock,
		Throttle: c.cfg.ChunkDelay(),
	}, nil
}

// fetchMapping asks the server for this user's aggregated view over a
// short-lived connection. An unknown user is a first sync, not an
// error: everything local is new.
func (c *Client) fetchMapping() (mapper.Owner, error) {
	conn, err := c.dial(c.cfg.DataPort)
	if err != nil {
		return mapper.Owner{}, err
	}
	defer c.finish(conn)

	if err := conn.WriteCommand(wire.Command{
		Kind: wire.RequestMapping, User: c.cfg.User,
	}); err != nil {
		return mapper.Owner{}, err
	}

	line, err := conn.ReadLine()
	if err != nil {
		return mapper.Owner{}, err
	}
	if line == wire.TokenNoUser {
		log.WithField("user", c.cfg.User).Info("Server doesn't know this user yet")
		return mapper.Owner{User: c.cfg.User}, nil
	}

	frame, err := wire.ParseCommand(line)
	if err != nil {
		return mapper.Owner{}, err
	}
	if frame.Kind != wire.UpdateFile {
		return mapper.Owner{}, errors.ProtocolError{Line: line, Reason: "expected a framing line"}
	}

	var payload strings.Builder
	if err := conn.ReceiveStream(&payload, frame.Size, wire.StreamOptions{}); err != nil {
		return mapper.Owner{}, err
	}
	return mapper.UnmarshalOwner([]byte(payload.String()))
}

// listenNotifications keeps the dedicated push channel open. Timeouts
// just mean no news; anything else ends the listener, and missed pushes
// are healed by the next startup reconciliation.
func (c *Client) listenNotifications(sink reconcile.EventSink) {
	conn, err := c.dial(c.cfg.NotifyPort)
	if err != nil {
		log.WithError(err).Warn("Notification channel unavailable")
		return
	}
	defer conn.Close()

	if err := conn.WriteLine(c.cfg.User); err != nil {
		log.WithError(err).Warn("Failed to register notification channel")
		return
	}

	for {
		cmd, err := conn.ReadCommand()
		if err != nil {
			if wire.IsTimeout(err) {
				continue
			}
			log.WithError(err).Warn("Notification channel closed")
			c.notifier.Warn("Notifications disconnected",
				"Shared-file updates will arrive on the next restart.")
			return
		}

		switch cmd.Kind {
		case wire.ShareFile:
			c.notifier.Info("New shared file",
				fmt.Sprintf("%s shared %q with you.", cmd.User, cmd.File))
			sink.Add(cmd.File, watcher.SharedDownload, cmd.User)
		case wire.UnshareFile:
			c.notifier.Info("Share revoked",
				fmt.Sprintf("%s stopped sharing %q with you.", cmd.User, cmd.File))
			sink.Add(cmd.File, watcher.SharedRemove, cmd.User)
		default:
			log.WithField("command", cmd.Kind.String()).Debug(
				"Ignoring unexpected notification")
		}
	}
}

func (c *Client) dial(port int) (*wire.Conn, error) {
	raw, err := net.Dial("tcp", fmt.Sprintf("%s:%d", c.cfg.Server, port))
	if err != nil {
		return nil, errors.WithContext(err, "dial")
	}
	return wire.NewConn(raw, c.cfg.ReadTimeout()), nil
}

// ShareFile grants (or, with revoke, takes back) `receiver`'s access to
// the synced file at `path`, over a short-lived connection. The local
// record's receiver list is updated on success.
func (c *Client) ShareFile(path, receiver string, revoke bool) error {
	conn, err := c.dial(c.cfg.DataPort)
	if err != nil {
		return err
	}
	defer c.finish(conn)

	kind := wire.ShareFile
	if revoke {
		kind = wire.UnshareFile
	}
	if err := conn.WriteCommand(wire.Command{
		Kind: kind, User: c.cfg.User, File: path, Receiver: receiver,
	}); err != nil {
		return err
	}

	token, err := conn.ReadToken()
	if err != nil {
		return err
	}
	switch token {
	case wire.TokenOK:
	case wire.TokenNoUser:
		return errors.NewFriendlyError(
			"The server doesn't know %q yet. Run `syncbox sync` first.", c.cfg.User)
	default:
		return errors.NewFriendlyError("The server declined to change sharing "+
			"for %q. Check that the file is synced and the grant state is "+
			"what you think it is.", path)
	}

	abs := filepath.Join(c.cfg.Root, filepath.FromSlash(path))
	if revoke {
		_, err = c.store.Unshare(abs, c.cfg.User, receiver)
	} else {
		_, err = c.store.Share(abs, c.cfg.User, receiver)
	}
	if err != nil {
		return errors.WithContext(err, "record grant")
	}
	return nil
}

// Users fetches the usernames known to the server.
func (c *Client) Users() ([]string, error) {
	conn, err := c.dial(c.cfg.DataPort)
	if err != nil {
		return nil, err
	}
	defer c.finish(conn)

	if err := conn.WriteCommand(wire.Command{
		Kind: wire.RequestUsers, User: c.cfg.User,
	}); err != nil {
		return nil, err
	}

	_, payload, err := conn.ReadBlob()
	if err != nil {
		return nil, err
	}
	return mapper.UnmarshalNames(payload)
}

// Receivers fetches the users the synced file at `path` is shared with.
func (c *Client) Receivers(path string) ([]string, error) {
	conn, err := c.dial(c.cfg.DataPort)
	if err != nil {
		return nil, err
	}
	defer c.finish(conn)

	if err := conn.WriteCommand(wire.Command{
		Kind: wire.RequestReceivers, User: c.cfg.User, File: path,
	}); err != nil {
		return nil, err
	}

	line, err := conn.ReadLine()
	if err != nil {
		return nil, err
	}
	switch line {
	case wire.TokenNoUser:
		return nil, errors.NewFriendlyError(
			"The server doesn't know %q yet. Run `syncbox sync` first.", c.cfg.User)
	case wire.TokenNo:
		return nil, errors.NewFriendlyError("The server doesn't have %q.", path)
	}

	frame, err := wire.ParseCommand(line)
	if err != nil {
		return nil, err
	}

	var payload strings.Builder
	if err := conn.ReceiveStream(&payload, frame.Size, wire.StreamOptions{}); err != nil {
		return nil, err
	}
	return mapper.UnmarshalNames([]byte(payload.String()))
}

// finish ends a short-lived connection politely.
func (c *Client) finish(conn *wire.Conn) {
	if err := conn.WriteCommand(wire.Command{Kind: wire.FinishConnection}); err != nil {
		log.WithError(err).Debug("Failed to finish connection")
	}
	if err := conn.Close(); err != nil {
		log.WithError(err).Debug("Failed to close connection")
	}
}
