package csap

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// DefaultMaxTransfers bounds the pending-request table, per spec.md §3
// ("Bounded table (≤128 outstanding)").
const DefaultMaxTransfers = 128

type pendingTransfer struct {
	id       int
	from     string
	to       string
	source   string // absolute path, captured at submission
	submitAt time.Time
}

// Broker maintains pending peer-to-peer transfer requests and performs
// the approved copy. No analogous component exists in the teacher (9P
// has no peer-to-peer rendezvous); built from scratch in the teacher's
// idiom: a bounded map guarded by one mutex plus a monotonic counter,
// the same shape as FS.pathmap/FS.path in fs.go.
type Broker struct {
	registry *UserRegistry
	locks    *LockManager
	meta     *MetaStore
	max      int

	mu      sync.Mutex
	nextID  int
	pending map[int]*pendingTransfer

	// RequestTTL, when nonzero, is how long a pending request may sit
	// unresolved before the reaper silently drops it. No
	// original_source basis; invented to keep an abandoned request from
	// pinning a slot in the bounded table forever.
	RequestTTL time.Duration

	stopReap chan struct{}
}

// NewBroker creates a broker bounded to max outstanding requests
// (DefaultMaxTransfers if max <= 0).
func NewBroker(registry *UserRegistry, locks *LockManager, meta *MetaStore, max int) *Broker {
	if max <= 0 {
		max = DefaultMaxTransfers
	}
	return &Broker{
		registry: registry,
		locks:    locks,
		meta:     meta,
		max:      max,
		nextID:   1,
		pending:  make(map[int]*pendingTransfer),
	}
}

// StartReaper launches the janitor goroutine that drops requests older
// than RequestTTL. A zero RequestTTL disables it. Call StopReaper to
// release the goroutine.
func (b *Broker) StartReaper(interval time.Duration) {
	if b.RequestTTL <= 0 {
		return
	}
	b.stopReap = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.reapExpired()
			case <-b.stopReap:
				return
			}
		}
	}()
}

// StopReaper stops the janitor goroutine started by StartReaper.
func (b *Broker) StopReaper() {
	if b.stopReap != nil {
		close(b.stopReap)
		b.stopReap = nil
	}
}

func (b *Broker) reapExpired() {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-b.RequestTTL)
	for id, req := range b.pending {
		if req.submitAt.Before(cutoff) {
			delete(b.pending, id)
		}
	}
}

// Request resolves file under sess.cwd, requires it lies within
// sess.home, waits for destUser to be active (emitting WAITING\n to the
// sender first if necessary), allocates an id, records the request,
// and notifies the recipient. It returns the id; the caller replies
// OK <id> to the sender.
func (b *Broker) Request(sess *Session, root, file, destUser string) (int, error) {
	source, err := Resolve(root, sess.cwd, file)
	if err != nil {
		return 0, err
	}
	if !IsWithin(sess.home, source) {
		return 0, errPerm("path outside home")
	}

	recipientConn := b.registry.ActiveConn(destUser)
	if recipientConn == nil {
		if err := writeLine(sess.conn, "WAITING"); err != nil {
			return 0, errIO(err)
		}
		recipientConn = b.registry.WaitForActive(destUser)
	}

	b.mu.Lock()
	if len(b.pending) >= b.max {
		b.mu.Unlock()
		return 0, errBusy("transfer table full")
	}
	id := b.nextID
	b.nextID++
	b.pending[id] = &pendingTransfer{
		id: id, from: sess.user, to: destUser, source: source, submitAt: time.Now(),
	}
	b.mu.Unlock()

	displayName := filepath.Base(source)
	notice := fmt.Sprintf("NOTICE TRANSFER %d %s %s", id, sess.user, displayName)
	_ = writeLine(recipientConn, notice) // best-effort, per spec.md §4.E

	return id, nil
}

// Accept locates the pending request, verifies sess.user is the
// recipient, copies the file into dir, and notifies the sender.
func (b *Broker) Accept(sess *Session, root, dir string, id int) (string, error) {
	req, err := b.takePending(id, sess.user)
	if err != nil {
		return "", err
	}

	destDir, err := Resolve(root, sess.cwd, dir)
	if err != nil {
		return "", err
	}
	if !IsWithin(sess.home, destDir) {
		return "", errPerm("path outside home")
	}
	destPath := filepath.Join(destDir, filepath.Base(req.source))

	b.locks.Lock()
	copyErr := copyFile(req.source, destPath)
	if copyErr == nil {
		copyErr = b.meta.Set(destPath, sess.user, 0700)
	}
	b.locks.Unlock()
	if copyErr != nil {
		return "", errIO(copyErr)
	}

	if senderConn := b.registry.ActiveConn(req.from); senderConn != nil {
		notice := fmt.Sprintf("NOTICE TRANSFER_ACCEPTED %d %s", id, destPath)
		_ = writeLine(senderConn, notice)
	}
	return destPath, nil
}

// Reject locates the pending request, verifies sess.user is the
// recipient, and notifies the sender. No file I/O occurs.
func (b *Broker) Reject(sess *Session, id int) error {
	req, err := b.takePending(id, sess.user)
	if err != nil {
		return err
	}
	if senderConn := b.registry.ActiveConn(req.from); senderConn != nil {
		notice := fmt.Sprintf("NOTICE TRANSFER_REJECTED %d", id)
		_ = writeLine(senderConn, notice)
	}
	return nil
}

func (b *Broker) takePending(id int, recipient string) (*pendingTransfer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, found := b.pending[id]
	if !found {
		return nil, errNotFound("unknown transfer id")
	}
	if req.to != recipient {
		return nil, errPerm("not the recipient")
	}
	delete(b.pending, id)
	return req, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open source")
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0700)
	if err != nil {
		return errors.Wrap(err, "create dest")
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrap(err, "copy")
	}
	return nil
}
