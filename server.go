// Package csap implements a multi-user remote file service: a single
// long-lived server process exposes a sandboxed file tree to many
// concurrent clients over a line-oriented TCP protocol, with owner/
// other permission bits tracked in a side-car metadata store and
// peer-to-peer transfers that require synchronous recipient consent.
//
// This package is a from-scratch line protocol, but its shape —
// a tree-backed filesystem exposed over one TCP listener, one goroutine
// per connection, and a bounded path/fid-style table — is grounded on
// mars9-ramfs, a 9P2000
// in-memory file server of comparable scope. Component names in this
// file's doc comments (sandbox, metadata store, lock manager, user
// registry, transfer broker) refer to the spec this module implements.
package csap

import (
	"net"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/csapfs/csapd/internal/logging"
)

var serverLog = logging.GetLogger("server")

// Config configures a Server. See cmd/csapd for the flag/env/file
// precedence that populates this.
type Config struct {
	Root         string
	MaxUsers     int
	MaxTransfers int
	TransferTTL  int // seconds; 0 disables the reaper
}

// Server owns the shared subsystems (the sandbox is stateless, so it
// has no field of its own) coordinated by every session: the metadata
// store, the lock manager, the user registry, and the transfer broker.
type Server struct {
	root     string
	meta     *MetaStore
	locks    *LockManager
	registry *UserRegistry
	broker   *Broker

	listener net.Listener
}

// New resolves root to an absolute path, opens its metadata store, and
// wires the registry and broker on top of it.
func New(cfg Config) (*Server, error) {
	root, err := absPath(cfg.Root)
	if err != nil {
		return nil, errors.Wrap(err, "resolve root")
	}
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, errors.Wrap(err, "create root")
	}

	meta, err := NewMetaStore(root)
	if err != nil {
		return nil, errors.Wrap(err, "init metadata store")
	}

	locks := &LockManager{}
	registry := NewUserRegistry(root, cfg.MaxUsers)
	broker := NewBroker(registry, locks, meta, cfg.MaxTransfers)
	if cfg.TransferTTL > 0 {
		broker.RequestTTL = time.Duration(cfg.TransferTTL) * time.Second
	}

	return &Server{
		root:     root,
		meta:     meta,
		locks:    locks,
		registry: registry,
		broker:   broker,
	}, nil
}

func absPath(p string) (string, error) {
	if p == "" {
		p = "./server_root"
	}
	return absoluteClean(p)
}

func absoluteClean(p string) (string, error) {
	if p[0] == '/' {
		return cleanSlashes(p), nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return cleanSlashes(wd + "/" + p), nil
}

// cleanSlashes collapses "." and ".." segments the same way
// normalize() does, but without a containment check: this is used
// once, at startup, to resolve the operator-supplied root itself.
func cleanSlashes(p string) string {
	result, err := normalize(p, "/")
	if err != nil {
		return "/"
	}
	return result
}

// Listen accepts connections on network/addr and spawns one Session
// per connection, detached, mirroring the teacher's FS.Listen accept
// loop (fs.go) — one goroutine per accepted net.Conn, no connection
// pooling or backpressure beyond the OS accept queue.
func (s *Server) Listen(network, addr string) error {
	listener, err := net.Listen(network, addr)
	if err != nil {
		return err
	}
	s.listener = listener

	if s.broker.RequestTTL > 0 {
		s.broker.StartReaper(s.broker.RequestTTL / 2)
	}

	serverLog.WithField("addr", addr).Info("listening")
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go s.Serve(conn)
	}
}

// Addr returns the listener's bound address. It is nil until Listen
// has been called.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.broker.StopReaper()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}
