package csap

import (
	"bufio"
	"io"
	"net"
	"strings"
)

// MaxLineLength bounds a single command/reply line, guarding against a
// client that never sends '\n'.
const MaxLineLength = 8192

// Framer reads lines and raw byte blobs off one connection. Lines are
// terminated by a single '\n'; line reads return the bytes before the
// newline, excluding it. Blob reads/writes are exact-size transfers
// with no framing of their own.
//
// Grounded on the teacher's conn.go recv/send pipeline, generalized
// from plan9.ReadFcall/WriteFcall binary framing to text line framing
// plus raw byte-count blob transfer — the wire contract this port
// implements has no analog to 9P's self-describing Fcall, so the
// line/blob split is new, built in the same "one goroutine reads,
// dispatches, and replies" shape as conn.recv/conn.proc.
type Framer struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewFramer wraps conn for line/blob framing.
func NewFramer(conn net.Conn) *Framer {
	return &Framer{conn: conn, r: bufio.NewReaderSize(conn, MaxLineLength)}
}

// ReadLine reads one line, tolerating a connection that sends
// CRLF-terminated lines as well as bare LF. A line longer than
// MaxLineLength fails with bufio.ErrBufferFull.
func (f *Framer) ReadLine() (string, error) {
	b, err := f.r.ReadSlice('\n')
	line := string(b)
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// WriteLine writes s followed by '\n', appending the newline if the
// caller omitted it, and retries on short writes.
func (f *Framer) WriteLine(s string) error {
	return writeLine(f.conn, s)
}

// ReadBlob reads exactly n bytes, retrying on short reads.
func (f *Framer) ReadBlob(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteBlob writes p in full, retrying on short writes.
func (f *Framer) WriteBlob(p []byte) error {
	return writeAll(f.conn, p)
}

// writeLine is shared by Framer.WriteLine and the broker's NOTICE
// pushes, since both sides of a NOTICE write must tolerate an
// unrelated session's goroutine writing to the same socket —
// spec.md §9 treats each recipient socket as a write-only sink and
// asks that every NOTICE be a single write_all of one line, which is
// what writeAll below gives us without needing a per-session write
// mutex.
func writeLine(conn net.Conn, s string) error {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return writeAll(conn, []byte(s))
}

func writeAll(conn net.Conn, p []byte) error {
	for len(p) > 0 {
		n, err := conn.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
