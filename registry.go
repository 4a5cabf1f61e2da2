package csap

import (
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// DefaultMaxUsers bounds the user table, per spec.md §3 ("capacity
// bounded (e.g. 128)").
const DefaultMaxUsers = 128

type registryRow struct {
	name     string
	home     string
	activeFd net.Conn
}

// UserRegistry tracks known users and the socket of whichever session
// is currently logged in as each one. At most one session per user
// name is registered active at any instant; a re-login replaces the
// previous endpoint (spec.md §3 invariant).
//
// Grounded on the teacher's group.go groupmap (a bounded, mutex-guarded
// map keyed by name). The teacher has no blocking-wait primitive to
// reuse for transfer_request's rendezvous, so WaitForActive is new,
// built in the same mutex-guarded-map idiom with a sync.Cond added for
// the one genuinely new requirement.
type UserRegistry struct {
	root string
	max  int

	mu   sync.Mutex
	cond *sync.Cond
	rows map[string]*registryRow
}

// NewUserRegistry creates a registry rooted at root, bounded to max
// entries (DefaultMaxUsers if max <= 0).
func NewUserRegistry(root string, max int) *UserRegistry {
	if max <= 0 {
		max = DefaultMaxUsers
	}
	r := &UserRegistry{root: root, max: max, rows: make(map[string]*registryRow)}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Home returns <root>/<name> without checking existence.
func (r *UserRegistry) Home(name string) string {
	return filepath.Join(r.root, name)
}

// Create ensures <root>/<name> exists with perm&0770, writes a
// metadata entry (owner=name, perm=masked) into meta, and inserts a
// disabled (no active endpoint) row if one isn't already present. It
// does not authenticate the caller — spec.md's Non-goals exclude
// credentials entirely.
func (r *UserRegistry) Create(meta *MetaStore, name string, perm os.FileMode) error {
	home := r.Home(name)
	if err := os.MkdirAll(home, perm&0770); err != nil {
		return errIO(errors.Wrapf(err, "create user %s", name))
	}
	if err := os.Chmod(home, perm&0770); err != nil {
		return errIO(errors.Wrapf(err, "chmod user home %s", name))
	}
	if err := meta.Set(home, name, perm&0770); err != nil {
		return errIO(errors.Wrap(err, "meta set"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.rows[name]; !found {
		if len(r.rows) >= r.max {
			return errBusy("user table full")
		}
		r.rows[name] = &registryRow{name: name, home: home}
	}
	return nil
}

// RegisterActive upserts the row for name and sets its active
// endpoint, broadcasting to any goroutine blocked in WaitForActive.
func (r *UserRegistry) RegisterActive(name string, conn net.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, found := r.rows[name]
	if !found {
		if len(r.rows) >= r.max {
			return errBusy("user table full")
		}
		row = &registryRow{name: name, home: r.Home(name)}
		r.rows[name] = row
	}
	row.activeFd = conn
	r.cond.Broadcast()
	return nil
}

// UnregisterActive clears whichever row's active endpoint equals conn.
func (r *UserRegistry) UnregisterActive(conn net.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.activeFd == conn {
			row.activeFd = nil
			return
		}
	}
}

// ActiveConn returns the socket of the currently active session for
// name, or nil if none.
func (r *UserRegistry) ActiveConn(name string) net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, found := r.rows[name]
	if !found {
		return nil
	}
	return row.activeFd
}

// WaitForActive blocks until name's active endpoint is set, then
// returns it. It is the only blocking call outside of I/O, used solely
// by transfer_request to serialize against recipient presence — no
// polling, no timeouts, per spec.md §4.D and §9.
func (r *UserRegistry) WaitForActive(name string) net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		row, found := r.rows[name]
		if found && row.activeFd != nil {
			return row.activeFd
		}
		r.cond.Wait()
	}
}

// Exists reports whether name has a registry row (not necessarily
// active).
func (r *UserRegistry) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, found := r.rows[name]
	return found
}
