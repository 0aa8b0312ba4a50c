package mapper

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ghodss/yaml"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/syncbox/syncbox/pkg/errors"
)

// SharedDir is the directory under a client root where received shared
// files are materialized, one subdirectory per granting owner.
const SharedDir = ".shared"

// CancelledDir is the directory under a client root where uploads
// rejected by quota are parked.
const CancelledDir = ".cancelled"

// A Mapper is the metadata store for one node: a client root or a server
// drive. It exclusively owns FileRecord and Owner mutation for that node,
// and persists itself synchronously after every successful mutation. Each
// call is independently durable; there is no atomicity across calls.
type Mapper struct {
	mu sync.Mutex

	fs        afero.Fs
	root      string
	statePath string

	// perOwner is set for server drives, where each user's tree lives
	// under <root>/<user>. Client nodes hold a single user directly
	// under the root.
	perOwner bool

	// shareCapable is unset for nodes that don't hold shareable files,
	// such as the cancelled-file area.
	shareCapable bool

	owners map[string]*ownerState
}

type ownerState struct {
	files     map[string]*FileRecord
	shared    map[string]*SharedFileRecord
	cancelled map[string]*FileRecord
	usedSpace int64
}

func newOwnerState() *ownerState {
	return &ownerState{
		files:     map[string]*FileRecord{},
		shared:    map[string]*SharedFileRecord{},
		cancelled: map[string]*FileRecord{},
	}
}

func sharedKey(owner, path string) string {
	return owner + "\x00" + path
}

// New returns the metadata store for a client node rooted at `root`,
// backed by the state file at `statePath`.
func New(fs afero.Fs, root, statePath string) (*Mapper, error) {
	return load(fs, root, statePath, false, true)
}

// NewDrive returns the metadata store for a server drive. Each owner's
// files live under `<root>/<user>`.
func NewDrive(fs afero.Fs, root, statePath string) (*Mapper, error) {
	return load(fs, root, statePath, true, true)
}

// NewLimited returns a store for a node that can't hold share grants,
// such as the cancelled-file area.
func NewLimited(fs afero.Fs, root, statePath string) (*Mapper, error) {
	return load(fs, root, statePath, false, false)
}

func load(fs afero.Fs, root, statePath string, perOwner, shareCapable bool) (*Mapper, error) {
	if err := fs.MkdirAll(root, 0755); err != nil {
		return nil, errors.WithContext(err, "make root")
	}

	m := &Mapper{
		fs:           fs,
		root:         root,
		statePath:    statePath,
		perOwner:     perOwner,
		shareCapable: shareCapable,
		owners:       map[string]*ownerState{},
	}

	contents, err := afero.ReadFile(fs, statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, errors.WithContext(err, "read state")
	}

	var doc storeDocument
	if err := yaml.Unmarshal(contents, &doc); err != nil {
		// A hand-edited state file that no longer parses shouldn't take
		// the node down. The next startup reconciliation rebuilds it.
		log.WithError(err).WithField("path", statePath).Warn(
			"Metadata file is corrupt. Starting from an empty store.")
		return m, nil
	}

	for _, owner := range doc.Owners {
		state := newOwnerState()
		for i := range owner.Files {
			f := owner.Files[i]
			state.files[f.Path] = &f
		}
		for i := range owner.Shared {
			f := owner.Shared[i]
			state.shared[sharedKey(f.Owner, f.Path)] = &f
		}
		for i := range owner.Cancelled {
			f := owner.Cancelled[i]
			state.cancelled[f.Path] = &f
		}
		state.recompute()
		m.owners[owner.User] = state
	}
	return m, nil
}

// Root returns the absolute directory the node governs.
func (m *Mapper) Root() string {
	return m.root
}

// OwnerRoot returns the directory that holds `user`'s files on this node.
func (m *Mapper) OwnerRoot(user string) string {
	if m.perOwner {
		return filepath.Join(m.root, user)
	}
	return m.root
}

// SharedRoot returns the directory that holds files shared to `user` by
// `owner` on this node.
func (m *Mapper) SharedRoot(user, owner string) string {
	return filepath.Join(m.OwnerRoot(user), SharedDir, owner)
}

// Rel relativizes an absolute file handle against `user`'s root on this
// node. Handles outside the root are rejected.
func (m *Mapper) Rel(abs, user string) (string, error) {
	return relativize(abs, m.OwnerRoot(user))
}

// CancelledRoot returns the directory holding `user`'s quota-rejected
// files on this node.
func (m *Mapper) CancelledRoot(user string) string {
	return filepath.Join(m.OwnerRoot(user), CancelledDir)
}

func relativize(abs, root string) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", errors.WithContext(err, "relativize")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("path escapes the node root")
	}
	return filepath.ToSlash(rel), nil
}

func (s *ownerState) recompute() {
	var total int64
	for _, f := range s.files {
		total += f.Size
	}
	s.usedSpace = total
}

func (m *Mapper) owner(user string) *ownerState {
	state, ok := m.owners[user]
	if !ok {
		state = newOwnerState()
		m.owners[user] = state
	}
	return state
}

// Attach adds a new FileRecord for the file at `abs`, owned by `user`.
// It returns false without side effects if a record already exists for
// that path. Size and modification time come from the file itself.
func (m *Mapper) Attach(abs, user, checksum string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rel, err := m.Rel(abs, user)
	if err != nil {
		return false, err
	}

	state := m.owner(user)
	if _, ok := state.files[rel]; ok {
		return false, nil
	}

	record, err := m.statRecord(abs, rel, checksum)
	if err != nil {
		return false, err
	}

	state.files[rel] = record
	state.recompute()
	return true, m.persist()
}

// Detach removes the record for the file at `abs` and returns false if
// no record exists. The file's last known size is released from the
// owner's usage.
func (m *Mapper) Detach(abs, user string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rel, err := m.Rel(abs, user)
	if err != nil {
		return false, err
	}

	state := m.owner(user)
	if _, ok := state.files[rel]; !ok {
		return false, nil
	}

	delete(state.files, rel)
	state.recompute()
	return true, m.persist()
}

// Update replaces the checksum, size, and modification time of an
// existing record, and returns false if no record exists.
func (m *Mapper) Update(abs, user, checksum string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rel, err := m.Rel(abs, user)
	if err != nil {
		return false, err
	}

	state := m.owner(user)
	old, ok := state.files[rel]
	if !ok {
		return false, nil
	}

	record, err := m.statRecord(abs, rel, checksum)
	if err != nil {
		return false, err
	}
	record.Receivers = old.Receivers

	state.files[rel] = record
	state.recompute()
	return true, m.persist()
}

// Share grants `receiver` access to the file at `abs`. It returns
// ErrSharingUnsupported when the node can't hold grants, false when the
// grant already exists, and true on success.
func (m *Mapper) Share(abs, user, receiver string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.shareCapable {
		return false, errors.ErrSharingUnsupported
	}

	rel, err := m.Rel(abs, user)
	if err != nil {
		return false, err
	}

	state := m.owner(user)
	record, ok := state.files[rel]
	if !ok {
		return false, errors.FileNotFound{Path: rel}
	}

	for _, existing := range record.Receivers {
		if existing == receiver {
			return false, nil
		}
	}
	record.Receivers = append(record.Receivers, receiver)
	sort.Strings(record.Receivers)

	if m.perOwner {
		grant := *record
		grant.Receivers = nil
		m.owner(receiver).shared[sharedKey(user, rel)] =
			&SharedFileRecord{Owner: user, FileRecord: grant}
	}
	return true, m.persist()
}

// Unshare revokes a grant. It mirrors Share: ErrSharingUnsupported on
// incapable nodes, false when no grant exists, true on success.
func (m *Mapper) Unshare(abs, user, receiver string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.shareCapable {
		return false, errors.ErrSharingUnsupported
	}

	rel, err := m.Rel(abs, user)
	if err != nil {
		return false, err
	}

	state := m.owner(user)
	record, ok := state.files[rel]
	if !ok {
		return false, errors.FileNotFound{Path: rel}
	}

	found := false
	kept := record.Receivers[:0]
	for _, existing := range record.Receivers {
		if existing == receiver {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		return false, nil
	}
	record.Receivers = kept
	if len(record.Receivers) == 0 {
		record.Receivers = nil
	}

	if m.perOwner {
		delete(m.owner(receiver).shared, sharedKey(user, rel))
	}
	return true, m.persist()
}

// AttachShared records a received grant from `owner` for the local file
// at `abs`, and returns false if the grant is already recorded.
func (m *Mapper) AttachShared(abs, user, owner, checksum string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rel, err := relativize(abs, m.SharedRoot(user, owner))
	if err != nil {
		return false, err
	}

	state := m.owner(user)
	key := sharedKey(owner, rel)
	if _, ok := state.shared[key]; ok {
		return false, nil
	}

	record, err := m.statRecord(abs, rel, checksum)
	if err != nil {
		return false, err
	}
	state.shared[key] = &SharedFileRecord{Owner: owner, FileRecord: *record}
	return true, m.persist()
}

// DetachShared drops a received grant, and returns false if none is
// recorded.
func (m *Mapper) DetachShared(abs, user, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rel, err := relativize(abs, m.SharedRoot(user, owner))
	if err != nil {
		return false, err
	}

	state := m.owner(user)
	key := sharedKey(owner, rel)
	if _, ok := state.shared[key]; !ok {
		return false, nil
	}
	delete(state.shared, key)
	return true, m.persist()
}

// AttachCancelled records a file that was rejected by quota and moved to
// the cancelled area. Cancelled files don't count against usage.
func (m *Mapper) AttachCancelled(abs, user, checksum string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rel, err := relativize(abs, m.CancelledRoot(user))
	if err != nil {
		return false, err
	}

	state := m.owner(user)
	if _, ok := state.cancelled[rel]; ok {
		return false, nil
	}

	record, err := m.statRecord(abs, rel, checksum)
	if err != nil {
		return false, err
	}
	state.cancelled[rel] = record
	return true, m.persist()
}

// Lookup returns the owned record at the relative path `rel`.
func (m *Mapper) Lookup(user, rel string) (FileRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.owners[user]
	if !ok {
		return FileRecord{}, false
	}
	record, ok := state.files[rel]
	if !ok {
		return FileRecord{}, false
	}
	return *record, true
}

// Receivers returns the usernames the record at `rel` is shared with.
func (m *Mapper) Receivers(user, rel string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.owners[user]
	if !ok {
		return nil, false
	}
	record, ok := state.files[rel]
	if !ok {
		return nil, false
	}
	return append([]string{}, record.Receivers...), true
}

// UsedSpace returns the byte usage of `user` on this node.
func (m *Mapper) UsedSpace(user string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.owners[user]
	if !ok {
		return 0
	}
	return state.usedSpace
}

// HasUser reports whether this node holds any state for `user`.
func (m *Mapper) HasUser(user string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.owners[user]
	return ok
}

// Users returns the users known to this node, sorted.
func (m *Mapper) Users() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var users []string
	for user := range m.owners {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

// View returns a copy of everything this node knows about `user`.
func (m *Mapper) View(user string) (Owner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.owners[user]
	if !ok {
		return Owner{User: user}, false
	}
	return state.view(user), true
}

func (s *ownerState) view(user string) Owner {
	owner := Owner{User: user, UsedSpace: s.usedSpace}
	for _, f := range s.files {
		record := *f
		record.Receivers = append([]string{}, f.Receivers...)
		if len(record.Receivers) == 0 {
			record.Receivers = nil
		}
		owner.Files = append(owner.Files, record)
	}
	for _, f := range s.shared {
		owner.Shared = append(owner.Shared, *f)
	}
	for _, f := range s.cancelled {
		owner.Cancelled = append(owner.Cancelled, *f)
	}

	sort.Slice(owner.Files, func(i, j int) bool {
		return owner.Files[i].Path < owner.Files[j].Path
	})
	sort.Slice(owner.Shared, func(i, j int) bool {
		if owner.Shared[i].Owner != owner.Shared[j].Owner {
			return owner.Shared[i].Owner < owner.Shared[j].Owner
		}
		return owner.Shared[i].Path < owner.Shared[j].Path
	})
	sort.Slice(owner.Cancelled, func(i, j int) bool {
		return owner.Cancelled[i].Path < owner.Cancelled[j].Path
	})
	return owner
}

func (m *Mapper) statRecord(abs, rel, checksum string) (*FileRecord, error) {
	fi, err := m.fs.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: abs}
		}
		return nil, errors.WithContext(err, "stat")
	}
	return &FileRecord{
		Path:     rel,
		Size:     fi.Size(),
		Checksum: checksum,
		ModTime:  fi.ModTime(),
	}, nil
}

type storeDocument struct {
	Owners []Owner `json:"owners"`
}

// persist writes the store to its state file. Callers hold m.mu.
func (m *Mapper) persist() error {
	doc := storeDocument{}
	var users []string
	for user := range m.owners {
		users = append(users, user)
	}
	sort.Strings(users)
	for _, user := range users {
		doc.Owners = append(doc.Owners, m.owners[user].view(user))
	}

	contents, err := yaml.Marshal(doc)
	if err != nil {
		return errors.WithContext(err, "marshal state")
	}

	if err := m.fs.MkdirAll(filepath.Dir(m.statePath), 0755); err != nil {
		return errors.WithContext(err, "make state dir")
	}
	if err := afero.WriteFile(m.fs, m.statePath, contents, 0644); err != nil {
		return errors.WithContext(err, "write state")
	}
	return nil
}
