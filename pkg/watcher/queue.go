package watcher

import (
	"sync"

	"github.com/syncbox/syncbox/pkg/errors"
)

// Kind enumerates the ten synchronization actions an event can carry.
type Kind int

const (
	// Create uploads a brand-new local file to the server.
	Create Kind = iota

	// Update uploads new contents for a file the server already has.
	Update

	// Delete removes a file from the server and detaches it locally.
	Delete

	// Share grants another user access to a local file.
	Share

	// Unshare revokes a grant.
	Unshare

	// FullDownload fetches a file that only exists on the server.
	FullDownload

	// RefreshDownload fetches newer server contents for a local file.
	RefreshDownload

	// LocalRemove deletes the local copy and detaches it, without
	// touching the server.
	LocalRemove

	// SharedDownload fetches a file another user shared with us.
	SharedDownload

	// SharedRemove drops the local copy of a revoked share.
	SharedRemove
)

var kindNames = map[Kind]string{
	Create:          "Create",
	Update:          "Update",
	Delete:          "Delete",
	Share:           "Share",
	Unshare:         "Unshare",
	FullDownload:    "FullDownload",
	RefreshDownload: "RefreshDownload",
	LocalRemove:     "LocalRemove",
	SharedDownload:  "SharedDownload",
	SharedRemove:    "SharedRemove",
}

func (k Kind) String() string {
	return kindNames[k]
}

// An Event is one unit of work for a sync worker. Events are produced by
// the watcher or the startup reconciliation, consumed exactly once, and
// never re-queued on failure.
type Event struct {
	// Path is relative to the synced root, slash-separated.
	Path string

	Kind Kind

	// Meta carries the receiver username for Share/Unshare and the
	// granting owner for the shared-file kinds.
	Meta string
}

// ErrClosed is returned by Pop after the queue has been closed.
var ErrClosed = errors.New("event queue closed")

// A Queue is the watcher's deduplicated, ordered event queue. For the
// mutating kinds (Create/Update/Delete) at most one event may be pending
// per path; producers that re-touch a queued path are absorbed into the
// pending job. Pop blocks cooperatively until an event exists.
type Queue struct {
	mu   sync.Mutex
	cond *sync.Cond

	pending map[string]*entry
	order   []*entry

	closed bool
	err    error
}

type entry struct {
	event   Event
	key     string
	dropped bool
}

// NewQueue returns an empty event queue.
func NewQueue() *Queue {
	q := &Queue{pending: map[string]*entry{}}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func isMutating(k Kind) bool {
	return k == Create || k == Update || k == Delete
}

// The mutating kinds share one slot per path so they can coalesce. The
// other kinds only dedupe exact repeats of the same (path, kind, meta).
func eventKey(ev Event) string {
	if isMutating(ev.Kind) {
		return ev.Path
	}
	return ev.Path + "\x00" + ev.Kind.String() + "\x00" + ev.Meta
}

// Add queues an event, coalescing it with any pending event for the same
// path. Coalescing policy: a repeated Update is absorbed (the upload
// reads the file at send time, so last write wins); a Delete cancels a
// pending Create outright and replaces a pending Update; a Create over a
// pending Delete becomes an Update.
func (q *Queue) Add(path string, kind Kind, meta string) {
	ev := Event{Path: path, Kind: kind, Meta: meta}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	key := eventKey(ev)
	pending, ok := q.pending[key]
	if !ok {
		e := &entry{event: ev, key: key}
		q.pending[key] = e
		q.order = append(q.order, e)
		q.cond.Signal()
		return
	}

	if !isMutating(kind) {
		// Exact repeat of a non-mutating event; absorbed.
		return
	}

	switch {
	case pending.event.Kind == Create && kind == Delete:
		// The server never saw the file; the net effect is nothing.
		pending.dropped = true
		delete(q.pending, key)
	case kind == Delete:
		pending.event.Kind = Delete
	case pending.event.Kind == Delete && kind == Create:
		pending.event.Kind = Update
	default:
		// Update over pending Create/Update: absorbed.
	}
}

// Pop returns the next event, suspending the caller until one exists. An
// event is returned exactly once. After Close (or a watcher failure) it
// returns the queue's terminal error.
func (q *Queue) Pop() (Event, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		for len(q.order) > 0 {
			e := q.order[0]
			q.order = q.order[1:]
			if e.dropped {
				continue
			}
			delete(q.pending, e.key)
			return e.event, nil
		}

		if q.err != nil {
			return Event{}, q.err
		}
		if q.closed {
			return Event{}, ErrClosed
		}
		q.cond.Wait()
	}
}

// Close wakes all blocked consumers and makes further Pops fail with
// ErrClosed. Pending events are still drained first.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

// fail records a fatal producer error. Consumers see it once the queue
// drains; nothing is dropped silently.
func (q *Queue) fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err == nil {
		q.err = err
	}
	q.cond.Broadcast()
}
