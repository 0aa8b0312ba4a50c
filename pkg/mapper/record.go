package mapper

import (
	"time"
)

// A FileRecord is the single-generation metadata kept for one file:
// there's no version history, just the current size, checksum, and
// modification time. Identity is (owner, Path).
type FileRecord struct {
	// Path is relative to the owner's root, slash-separated, and unique
	// per owner.
	Path string `json:"path"`

	// Size is the length of the file contents in bytes.
	Size int64 `json:"size"`

	// Checksum is the hex digest of the file contents.
	Checksum string `json:"checksum"`

	// ModTime is the time of the last modification.
	ModTime time.Time `json:"modTime"`

	// Receivers lists the usernames this file has been shared with.
	Receivers []string `json:"receivers,omitempty"`
}

// A SharedFileRecord is a grant visible to a receiver. It is distinct
// from the owner's own FileRecord for the same path.
type SharedFileRecord struct {
	// Owner is the user the grant came from.
	Owner string `json:"owner"`

	FileRecord
}

// An Owner aggregates everything known about one user on a node: the
// files they own, the grants they've received, the uploads rejected by
// quota, and their current usage.
type Owner struct {
	User string `json:"user"`

	// UsedSpace is the sum of the owned files' sizes. It is recomputed on
	// every attach, detach, and update so it can never drift.
	UsedSpace int64 `json:"usedSpace"`

	Files     []FileRecord       `json:"files,omitempty"`
	Shared    []SharedFileRecord `json:"shared,omitempty"`
	Cancelled []FileRecord       `json:"cancelled,omitempty"`
}

// Lookup returns the owned record at `path`.
func (o Owner) Lookup(path string) (FileRecord, bool) {
	for _, f := range o.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileRecord{}, false
}

// LookupShared returns the grant from `owner` at `path`.
func (o Owner) LookupShared(owner, path string) (SharedFileRecord, bool) {
	for _, f := range o.Shared {
		if f.Owner == owner && f.Path == path {
			return f, true
		}
	}
	return SharedFileRecord{}, false
}
