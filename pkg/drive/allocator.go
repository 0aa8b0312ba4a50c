// Package drive implements the server's storage partition policy. Each
// user's files may be scattered across several drives; the allocator
// load-balances new work across them and pins continued work to the
// drive that already holds the file.
package drive

import (
	"sort"
	"sync"

	"github.com/syncbox/syncbox/pkg/errors"
	"github.com/syncbox/syncbox/pkg/mapper"
)

// A Drive is one storage partition: a name, an absolute location, and
// the metadata store that governs it.
type Drive struct {
	Name   string
	Root   string
	Mapper *mapper.Mapper
}

// A Handle is a lease on a drive, returned by Acquire and ForceAcquire
// and surrendered with Release.
type Handle struct {
	Name   string
	Root   string
	Mapper *mapper.Mapper
}

type driveState struct {
	drive Drive

	// inFlight counts operations currently leased against this drive.
	// Load balancing is by operation count, not bytes.
	inFlight int
}

// An Allocator assigns each server operation to a drive. All counter
// mutation happens under one allocator-wide critical section so that
// concurrent workers never race.
type Allocator struct {
	mu     sync.Mutex
	drives []*driveState
}

// NewAllocator builds an allocator over the given drives. Discovery
// order is preserved: it breaks load ties.
func NewAllocator(drives []Drive) *Allocator {
	alloc := &Allocator{}
	for _, d := range drives {
		alloc.drives = append(alloc.drives, &driveState{drive: d})
	}
	return alloc
}

// Acquire leases the least-loaded drive (first minimum in discovery
// order) and increments its counter. It is used for brand-new files with
// no established home.
func (a *Allocator) Acquire() *Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	var min *driveState
	for _, state := range a.drives {
		if min == nil || state.inFlight < min.inFlight {
			min = state
		}
	}
	if min == nil {
		return nil
	}
	min.inFlight++
	return handle(min.drive)
}

// ForceAcquire leases the named drive, used when continuing work on a
// file that already lives there.
func (a *Allocator) ForceAcquire(name string) (*Handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, state := range a.drives {
		if state.drive.Name == name {
			state.inFlight++
			return handle(state.drive), nil
		}
	}
	return nil, errors.UnknownDrive{Name: name}
}

// Release surrenders a lease. Counters never go below zero.
func (a *Allocator) Release(h *Handle) {
	if h == nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, state := range a.drives {
		if state.drive.Name == h.Name && state.inFlight > 0 {
			state.inFlight--
			return
		}
	}
}

func handle(d Drive) *Handle {
	return &Handle{Name: d.Name, Root: d.Root, Mapper: d.Mapper}
}

// Counters returns a snapshot of the in-flight counters by drive name.
func (a *Allocator) Counters() map[string]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	counters := map[string]int{}
	for _, state := range a.drives {
		counters[state.drive.Name] = state.inFlight
	}
	return counters
}

// Find returns the name of the drive holding `user`'s record at the
// relative path `rel`.
func (a *Allocator) Find(user, rel string) (string, bool) {
	for _, d := range a.snapshot() {
		if _, ok := d.Mapper.Lookup(user, rel); ok {
			return d.Name, true
		}
	}
	return "", false
}

// HasUser reports whether any drive holds state for `user`.
func (a *Allocator) HasUser(user string) bool {
	for _, d := range a.snapshot() {
		if d.Mapper.HasUser(user) {
			return true
		}
	}
	return false
}

// Mapping returns `user`'s aggregated view, merged across all drives on
// demand. Merged views are never stored.
func (a *Allocator) Mapping(user string) mapper.Owner {
	merged := mapper.Owner{User: user}
	for _, d := range a.snapshot() {
		view, ok := d.Mapper.View(user)
		if !ok {
			continue
		}
		merged.Files = append(merged.Files, view.Files...)
		merged.Shared = append(merged.Shared, view.Shared...)
		merged.Cancelled = append(merged.Cancelled, view.Cancelled...)
		merged.UsedSpace += view.UsedSpace
	}

	sort.Slice(merged.Files, func(i, j int) bool {
		return merged.Files[i].Path < merged.Files[j].Path
	})
	sort.Slice(merged.Shared, func(i, j int) bool {
		if merged.Shared[i].Owner != merged.Shared[j].Owner {
			return merged.Shared[i].Owner < merged.Shared[j].Owner
		}
		return merged.Shared[i].Path < merged.Shared[j].Path
	})
	return merged
}

// Users returns every username known to any drive, sorted and deduped.
func (a *Allocator) Users() []string {
	seen := map[string]bool{}
	var users []string
	for _, d := range a.snapshot() {
		for _, user := range d.Mapper.Users() {
			if !seen[user] {
				seen[user] = true
				users = append(users, user)
			}
		}
	}
	sort.Strings(users)
	return users
}

// Receivers returns the receivers of `user`'s record at `rel`, searching
// every drive.
func (a *Allocator) Receivers(user, rel string) ([]string, bool) {
	for _, d := range a.snapshot() {
		if receivers, ok := d.Mapper.Receivers(user, rel); ok {
			return receivers, true
		}
	}
	return nil, false
}

// UsedSpace returns `user`'s total usage across all drives.
func (a *Allocator) UsedSpace(user string) int64 {
	var total int64
	for _, d := range a.snapshot() {
		total += d.Mapper.UsedSpace(user)
	}
	return total
}

// snapshot copies the drive list so the read-only aggregate views don't
// hold the allocator lock while they walk the mappers.
func (a *Allocator) snapshot() []Drive {
	a.mu.Lock()
	defer a.mu.Unlock()

	drives := make([]Drive, 0, len(a.drives))
	for _, state := range a.drives {
		drives = append(drives, state.drive)
	}
	return drives
}
