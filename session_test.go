package csap

import (
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testClient drives a live Server the way a real csap client would,
// reusing the package's own Framer for line/blob I/O instead of a
// parallel hand-rolled codec.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	framer *Framer
}

func dialTestServer(t *testing.T, srv *Server) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err, "Dial")
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, framer: NewFramer(conn)}
}

func (c *testClient) send(format string, args ...interface{}) {
	c.t.Helper()
	require.NoError(c.t, c.framer.WriteLine(fmt.Sprintf(format, args...)), "send")
}

func (c *testClient) readLine() string {
	c.t.Helper()
	line, err := c.framer.ReadLine()
	require.NoError(c.t, err, "readLine")
	return line
}

func (c *testClient) expectOK(context string) string {
	c.t.Helper()
	line := c.readLine()
	require.Truef(c.t, strings.HasPrefix(line, "OK"), "%s: got %q, want an OK-prefixed reply", context, line)
	return line
}

func startTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(Config{Root: t.TempDir()})
	require.NoError(t, err, "New")
	go func() {
		_ = srv.Listen("tcp", "127.0.0.1:0")
	}()
	t.Cleanup(func() { srv.Close() })

	deadline := time.Now().Add(time.Second)
	for srv.Addr() == nil {
		require.Falsef(t, time.Now().After(deadline), "server never bound a listener")
		time.Sleep(time.Millisecond)
	}
	return srv
}

func TestEndToEndCreateUserLoginWriteRead(t *testing.T) {
	srv := startTestServer(t)
	c := dialTestServer(t, srv)

	c.send("create_user alice 0700")
	c.expectOK("create_user")

	c.send("login alice")
	c.expectOK("login")

	c.send("create notes.txt 0600")
	c.expectOK("create")

	payload := []byte("hello from the other side")
	c.send("write notes.txt %d", len(payload))
	require.NoError(t, c.framer.WriteBlob(payload), "write payload")
	ack := c.expectOK("write ack")
	require.Equal(t, fmt.Sprintf("OK %d", len(payload)), ack, "write ack")

	c.send("read notes.txt")
	header := c.expectOK("read header")
	var n int
	_, err := fmt.Sscanf(header, "OK %d", &n)
	require.NoErrorf(t, err, "parse read header %q", header)
	require.Equal(t, len(payload), n, "read size")

	data, err := c.framer.ReadBlob(n)
	require.NoError(t, err, "read blob")
	require.Equal(t, string(payload), string(data))
}

func TestEndToEndSandboxEscapeRejected(t *testing.T) {
	srv := startTestServer(t)
	c := dialTestServer(t, srv)

	c.send("create_user alice 0700")
	c.expectOK("create_user")
	c.send("login alice")
	c.expectOK("login")

	c.send("create ../../../etc/passwd 0600")
	line := c.readLine()
	require.Truef(t, strings.HasPrefix(line, "ERR"), "expected ERR for sandbox escape, got %q", line)
}

func TestEndToEndCrossUserDenied(t *testing.T) {
	srv := startTestServer(t)
	a := dialTestServer(t, srv)
	b := dialTestServer(t, srv)

	a.send("create_user alice 0700")
	a.expectOK("create_user")
	a.send("login alice")
	a.expectOK("login")
	a.send("create secret.txt 0600")
	a.expectOK("create")

	b.send("create_user bob 0700")
	b.expectOK("create_user")
	b.send("login bob")
	b.expectOK("login")
	b.send("cd /alice")
	line := b.readLine()
	require.Truef(t, strings.HasPrefix(line, "ERR"), "expected ERR when bob cds into alice's home, got %q", line)
}

func TestEndToEndTransferRendezvous(t *testing.T) {
	srv := startTestServer(t)
	a := dialTestServer(t, srv)

	a.send("create_user alice 0700")
	a.expectOK("create_user")
	a.send("create_user bob 0700")
	a.expectOK("create_user")
	a.send("login alice")
	a.expectOK("login")
	a.send("create gift.txt 0600")
	a.expectOK("create")

	a.send("transfer_request gift.txt bob")
	waiting := a.readLine()
	require.Equal(t, "WAITING", waiting, "expected WAITING before bob logs in")

	b := dialTestServer(t, srv)
	b.send("login bob")
	b.expectOK("login")

	reply := a.expectOK("transfer_request")
	var id int
	_, err := fmt.Sscanf(reply, "OK %d", &id)
	require.NoErrorf(t, err, "parse transfer id from %q", reply)

	notice := b.readLine()
	require.Truef(t, strings.HasPrefix(notice, "NOTICE TRANSFER "), "expected a TRANSFER notice, got %q", notice)

	b.send("accept . %d", id)
	b.expectOK("accept")
}

func TestEndToEndExitClosesOnlyItsSession(t *testing.T) {
	srv := startTestServer(t)
	a := dialTestServer(t, srv)
	b := dialTestServer(t, srv)

	a.send("create_user alice 0700")
	a.expectOK("create_user")
	a.send("login alice")
	a.expectOK("login")

	a.send("exit")
	a.expectOK("exit")

	b.send("create_user bob 0700")
	b.expectOK("create_user")
	b.send("login bob")
	b.expectOK("login")
}
