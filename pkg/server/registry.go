package server

import (
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/syncbox/syncbox/pkg/wire"
)

// A Registry parks the open notification connections, keyed by username.
// It is the only place those connections are written from, so pushes
// from concurrent workers never interleave.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*wire.Conn
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{conns: map[string]*wire.Conn{}}
}

// Register parks `conn` as `user`'s notification channel, replacing any
// previous one (a reconnect supersedes a stale connection).
func (r *Registry) Register(user string, conn *wire.Conn) {
	r.mu.Lock()
	old := r.conns[user]
	r.conns[user] = conn
	r.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			log.WithError(err).WithField("user", user).Debug(
				"Failed to close superseded notification connection")
		}
	}
	log.WithField("user", user).Info("Notification channel registered")
}

// Drop removes and closes `user`'s notification channel.
func (r *Registry) Drop(user string) {
	r.mu.Lock()
	conn := r.conns[user]
	delete(r.conns, user)
	r.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			log.WithError(err).WithField("user", user).Debug(
				"Failed to close notification connection")
		}
	}
}

// Push writes a command line to `user`'s notification connection, if one
// is open. A write failure drops the connection; the receiver will
// reconcile the missed event on its next startup.
func (r *Registry) Push(user string, cmd wire.Command) bool {
	r.mu.Lock()
	conn := r.conns[user]
	r.mu.Unlock()

	if conn == nil {
		return false
	}
	if err := conn.WriteCommand(cmd); err != nil {
		log.WithError(err).WithField("user", user).Warn(
			"Failed to push notification; dropping the channel")
		r.Drop(user)
		return false
	}
	return true
}

// Online returns the users with an open notification channel, sorted.
func (r *Registry) Online() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var users []string
	for user := range r.conns {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}
