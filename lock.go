package csap

import "sync"

// LockManager is the single process-wide reader/writer lock guarding
// the logical filesystem: read operations (cd, list, read/download)
// take the shared mode, mutating operations (create, chmod, move,
// delete, write/upload, and the transfer copy) take the exclusive
// mode. It spans both the syscall(s) and the associated metadata
// update so that other sessions never observe metadata out of sync
// with the on-disk tree.
//
// Grounded on the teacher's per-node sync.RWMutex (node.go), widened
// from one lock per tree node to one lock for the whole tree: the
// spec requires mutating ops to see a filesystem+metadata state that
// incorporates every previously committed mutation, which a per-node
// lock cannot guarantee across a move() that touches two nodes at
// once. spec.md §4.C explicitly flags the teacher's per-path variant
// as inconsistently used and tells us not to port it verbatim.
type LockManager struct {
	mu sync.RWMutex
}

// RLock acquires the shared (read) mode.
func (l *LockManager) RLock() { l.mu.RLock() }

// RUnlock releases the shared mode.
func (l *LockManager) RUnlock() { l.mu.RUnlock() }

// Lock acquires the exclusive (write) mode.
func (l *LockManager) Lock() { l.mu.Lock() }

// Unlock releases the exclusive mode.
func (l *LockManager) Unlock() { l.mu.Unlock() }
