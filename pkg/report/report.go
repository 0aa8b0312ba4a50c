// Package report holds the narrow interfaces the sync engine uses to
// talk to its presentation collaborators: a progress sink, a user-facing
// notification sink, and a durable per-operation event log. The engine
// pushes every quota rejection, sync completion, and fatal worker
// termination through these; how they're rendered is not its concern.
package report

import (
	"time"
)

// A Progress receives transfer progress for display.
type Progress interface {
	Start(title, description string)
	Percent(percent int)
	Done()
}

// A Notifier shows user-facing notifications.
type Notifier interface {
	Success(title, body string)
	Info(title, body string)
	Warn(title, body string)
	Error(title, body string)
}

// An Entry is one structured record in the operation log.
type Entry struct {
	Time    time.Time `json:"time"`
	User    string    `json:"user"`
	Path    string    `json:"path,omitempty"`
	Op      string    `json:"op"`
	Outcome string    `json:"outcome"`
	Detail  string    `json:"detail,omitempty"`
}

// An EventLog appends operation entries to durable storage.
type EventLog interface {
	Append(entry Entry)
}
