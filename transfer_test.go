package csap

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransferTestServer(t *testing.T) (*Server, *Session, *Session) {
	t.Helper()
	root := t.TempDir()
	srv, err := New(Config{Root: root})
	require.NoError(t, err, "New")
	for _, name := range []string{"alice", "bob"} {
		require.NoError(t, srv.registry.Create(srv.meta, name, 0700), "create %s", name)
	}

	aliceConn, aliceRemote := net.Pipe()
	bobConn, bobRemote := net.Pipe()
	go drainConn(aliceRemote)
	go drainConn(bobRemote)

	alice := &Session{user: "alice", home: srv.registry.Home("alice"), cwd: srv.registry.Home("alice"), loggedIn: true, conn: aliceConn}
	bob := &Session{user: "bob", home: srv.registry.Home("bob"), cwd: srv.registry.Home("bob"), loggedIn: true, conn: bobConn}

	require.NoError(t, srv.registry.RegisterActive("alice", aliceConn), "register alice")
	require.NoError(t, srv.registry.RegisterActive("bob", bobConn), "register bob")
	return srv, alice, bob
}

func TestTransferRequestAcceptCopiesFile(t *testing.T) {
	srv, alice, bob := newTransferTestServer(t)

	require.NoError(t, srv.Create(alice, "photo.jpg", 0600, false), "Create")
	_, err := srv.Write(alice, "photo.jpg", 0, []byte("binary-ish"))
	require.NoError(t, err, "Write")

	id, err := srv.broker.Request(alice, srv.root, "photo.jpg", "bob")
	require.NoError(t, err, "Request")

	dest, err := srv.broker.Accept(bob, srv.root, ".", id)
	require.NoError(t, err, "Accept")

	data, err := os.ReadFile(dest)
	require.NoError(t, err, "ReadFile(%s)", dest)
	assert.Equal(t, "binary-ish", string(data))

	entry, err := srv.meta.Get(dest)
	require.NoError(t, err, "expected a meta entry for the copy")
	assert.Equal(t, "bob", entry.Owner, "expected bob to own the copy")
}

func TestTransferRequestBlocksUntilRecipientActive(t *testing.T) {
	root := t.TempDir()
	srv, err := New(Config{Root: root})
	require.NoError(t, err, "New")
	require.NoError(t, srv.registry.Create(srv.meta, "alice", 0700), "create alice")
	require.NoError(t, srv.registry.Create(srv.meta, "bob", 0700), "create bob")

	aliceConn, aliceRemote := net.Pipe()
	go drainConn(aliceRemote)
	alice := &Session{user: "alice", home: srv.registry.Home("alice"), cwd: srv.registry.Home("alice"), loggedIn: true, conn: aliceConn}
	require.NoError(t, srv.registry.RegisterActive("alice", aliceConn), "register alice")
	require.NoError(t, srv.Create(alice, "doc.txt", 0600, false), "Create")

	result := make(chan int, 1)
	errCh := make(chan error, 1)
	go func() {
		id, err := srv.broker.Request(alice, srv.root, "doc.txt", "bob")
		if err != nil {
			errCh <- err
			return
		}
		result <- id
	}()

	select {
	case <-result:
		t.Fatal("Request returned before bob ever logged in")
	case err := <-errCh:
		t.Fatalf("Request failed: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	bobConn, bobRemote := net.Pipe()
	go drainConn(bobRemote)
	require.NoError(t, srv.registry.RegisterActive("bob", bobConn), "register bob")

	select {
	case <-result:
	case err := <-errCh:
		t.Fatalf("Request failed: %v", err)
	case <-time.After(time.Second):
		t.Fatal("Request never unblocked after bob registered")
	}
}

func TestTransferRejectConsumesRequestWithoutCopy(t *testing.T) {
	srv, alice, bob := newTransferTestServer(t)
	require.NoError(t, srv.Create(alice, "doc.txt", 0600, false), "Create")

	id, err := srv.broker.Request(alice, srv.root, "doc.txt", "bob")
	require.NoError(t, err, "Request")
	require.NoError(t, srv.broker.Reject(bob, id), "Reject")

	_, err = os.Stat(filepath.Join(bob.home, "doc.txt"))
	assert.True(t, os.IsNotExist(err), "rejected transfer should not have copied anything")

	_, err = srv.broker.takePending(id, "bob")
	assert.Error(t, err, "request should have been consumed by Reject")
}

func TestTransferAcceptWrongRecipientDenied(t *testing.T) {
	srv, alice, _ := newTransferTestServer(t)
	require.NoError(t, srv.registry.Create(srv.meta, "carol", 0700), "create carol")
	require.NoError(t, srv.Create(alice, "doc.txt", 0600, false), "Create")

	id, err := srv.broker.Request(alice, srv.root, "doc.txt", "bob")
	require.NoError(t, err, "Request")

	carolConn, carolRemote := net.Pipe()
	go drainConn(carolRemote)
	carol := &Session{user: "carol", home: srv.registry.Home("carol"), cwd: srv.registry.Home("carol"), loggedIn: true, conn: carolConn}

	_, err = srv.broker.Accept(carol, srv.root, ".", id)
	assert.Error(t, err, "expected accept by non-recipient to fail")
}

func TestTransferReaperExpiresStaleRequests(t *testing.T) {
	srv, alice, _ := newTransferTestServer(t)
	srv.broker.RequestTTL = 10 * time.Millisecond

	require.NoError(t, srv.Create(alice, "doc.txt", 0600, false), "Create")
	id, err := srv.broker.Request(alice, srv.root, "doc.txt", "bob")
	require.NoError(t, err, "Request")

	srv.broker.StartReaper(5 * time.Millisecond)
	defer srv.broker.StopReaper()
	time.Sleep(50 * time.Millisecond)

	_, err = srv.broker.takePending(id, "bob")
	assert.Error(t, err, "expected request to have been reaped")
}
