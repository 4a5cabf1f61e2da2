package csap

import (
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/csapfs/csapd/internal/logging"
)

var sessionLog = logging.GetLogger("session")

// Session holds per-connection state: the socket, the authenticated
// user (empty before login), the absolute home path, the absolute
// current directory, and a logged-in flag. It is created on accept,
// mutated only by its own processor goroutine, and destroyed on
// disconnect (unregistering from the registry).
type Session struct {
	ID     uuid.UUID
	conn   net.Conn
	framer *Framer

	user     string
	home     string
	cwd      string
	loggedIn bool

	// seq is a per-session monotonically increasing command counter,
	// used only for log correlation (seq=N alongside session_id=...).
	// It has no protocol-visible effect and no original_source basis.
	seq int

	log *logrus.Entry
}

// commandsWithoutLogin lists the verbs spec.md §4.G permits before
// login.
var commandsWithoutLogin = map[string]bool{
	"help":        true,
	"exit":        true,
	"create_user": true,
	"login":       true,
	"whoami":      true,
	"logout":      true,
}

// Serve runs the per-connection command loop: read one line, tokenize
// on ASCII space, dispatch, reply, repeat until the connection closes
// or `exit` is received. Grounded on the teacher's conn.go recv/proc
// pipeline, collapsed from 9P's separate reader/worker/writer
// goroutines into one loop per session, since this protocol has no
// need for 9P's Tflush-driven request cancellation.
func (s *Server) Serve(conn net.Conn) {
	sess := &Session{
		ID:     uuid.New(),
		conn:   conn,
		framer: NewFramer(conn),
		cwd:    s.root,
	}
	sess.log = sessionLog.WithField("session_id", sess.ID.String())
	sess.log.Info("session started")

	defer func() {
		s.registry.UnregisterActive(conn)
		conn.Close()
		sess.log.Info("session ended")
	}()

	for {
		line, err := sess.framer.ReadLine()
		if err != nil {
			return
		}
		if line == "" {
			continue
		}
		sess.seq++

		fields := strings.Fields(line)
		verb := fields[0]
		args := fields[1:]

		sess.log.WithFields(logrus.Fields{"seq": sess.seq, "verb": verb}).Debug("command")

		if verb == "exit" {
			_ = sess.framer.WriteLine("OK")
			return
		}

		if !sess.loggedIn && !commandsWithoutLogin[verb] {
			_ = sess.framer.WriteLine(EncodeError(errPerm("login required")))
			continue
		}

		if err := s.dispatch(sess, verb, args); err != nil {
			we := AsWireError(err)
			sess.log.WithError(we).Warn("command failed")
			_ = sess.framer.WriteLine(EncodeError(we))
		}
	}
}

// dispatch routes one parsed command to its handler. It returns a
// non-nil error for the caller to encode; handlers that already wrote
// their own reply (list, read) return nil on success.
func (s *Server) dispatch(sess *Session, verb string, args []string) error {
	switch verb {
	case "help":
		return sess.framer.WriteLine("OK")

	case "whoami":
		if sess.loggedIn {
			return sess.framer.WriteLine("OK " + sess.user)
		}
		return sess.framer.WriteLine("OK none")

	case "create_user":
		return s.cmdCreateUser(sess, args)

	case "login":
		return s.cmdLogin(sess, args)

	case "logout":
		return s.cmdLogout(sess)

	case "create":
		return s.cmdCreate(sess, args)

	case "chmod":
		return s.cmdChmod(sess, args)

	case "move":
		return s.cmdMove(sess, args)

	case "delete":
		return s.cmdDelete(sess, args)

	case "cd":
		return s.cmdCd(sess, args)

	case "list":
		return s.cmdList(sess, args)

	case "read":
		return s.cmdRead(sess, args)

	case "download":
		return s.cmdRead(sess, args)

	case "write":
		return s.cmdWrite(sess, args)

	case "upload":
		return s.cmdWrite(sess, args)

	case "transfer_request":
		return s.cmdTransferRequest(sess, args)

	case "accept":
		return s.cmdAccept(sess, args)

	case "reject":
		return s.cmdReject(sess, args)

	default:
		return errUnsupported("unknown command " + verb)
	}
}

func (s *Server) cmdCreateUser(sess *Session, args []string) error {
	if len(args) != 2 {
		return errInvalid("create_user requires 2 arguments")
	}
	perm, err := parseOctal(args[1])
	if err != nil {
		return err
	}
	if err := s.registry.Create(s.meta, args[0], perm); err != nil {
		return err
	}
	return sess.framer.WriteLine("OK")
}

func (s *Server) cmdLogin(sess *Session, args []string) error {
	if len(args) != 1 {
		return errInvalid("login requires 1 argument")
	}
	name := args[0]
	home := s.registry.Home(name)

	info, err := os.Stat(home)
	if err != nil || !info.IsDir() {
		return errNotFound("unknown user")
	}

	if _, err := s.meta.Get(home); err != nil {
		if err := s.meta.Set(home, name, info.Mode().Perm()&0770); err != nil {
			return errIO(err)
		}
	}

	if err := s.registry.RegisterActive(name, sess.conn); err != nil {
		return err
	}

	sess.user = name
	sess.home = home
	sess.cwd = home
	sess.loggedIn = true
	sess.log = sess.log.WithField("user", name)

	return sess.framer.WriteLine("OK")
}

func (s *Server) cmdLogout(sess *Session) error {
	if sess.loggedIn {
		s.registry.UnregisterActive(sess.conn)
	}
	sess.user = ""
	sess.home = ""
	sess.cwd = s.root
	sess.loggedIn = false
	return sess.framer.WriteLine("OK")
}

func (s *Server) cmdCreate(sess *Session, args []string) error {
	isDir := false
	if len(args) > 0 && args[0] == "-d" {
		isDir = true
		args = args[1:]
	}
	if len(args) != 2 {
		return errInvalid("create requires a path and a mode")
	}
	perm, err := parseOctal(args[1])
	if err != nil {
		return err
	}
	if err := s.Create(sess, args[0], perm, isDir); err != nil {
		return err
	}
	return sess.framer.WriteLine("OK")
}

func (s *Server) cmdChmod(sess *Session, args []string) error {
	if len(args) != 2 {
		return errInvalid("chmod requires a path and a mode")
	}
	perm, err := parseOctal(args[1])
	if err != nil {
		return err
	}
	if err := s.Chmod(sess, args[0], perm); err != nil {
		return err
	}
	return sess.framer.WriteLine("OK")
}

func (s *Server) cmdMove(sess *Session, args []string) error {
	if len(args) != 2 {
		return errInvalid("move requires source and destination")
	}
	if err := s.Move(sess, args[0], args[1]); err != nil {
		return err
	}
	return sess.framer.WriteLine("OK")
}

func (s *Server) cmdDelete(sess *Session, args []string) error {
	if len(args) != 1 {
		return errInvalid("delete requires a path")
	}
	if err := s.Delete(sess, args[0]); err != nil {
		return err
	}
	return sess.framer.WriteLine("OK")
}

func (s *Server) cmdCd(sess *Session, args []string) error {
	if len(args) != 1 {
		return errInvalid("cd requires a path")
	}
	if err := s.Cd(sess, args[0]); err != nil {
		return err
	}
	return sess.framer.WriteLine("OK")
}

func (s *Server) cmdList(sess *Session, args []string) error {
	path := "."
	if len(args) == 1 {
		path = args[0]
	} else if len(args) > 1 {
		return errInvalid("list takes at most one argument")
	}

	entries, err := s.List(sess, path)
	if err != nil {
		return err
	}

	if err := sess.framer.WriteLine("OK"); err != nil {
		return errIO(err)
	}
	for _, e := range entries {
		if err := sess.framer.WriteLine(formatListEntry(e)); err != nil {
			return errIO(err)
		}
	}
	return sess.framer.WriteLine("END")
}

func (s *Server) cmdRead(sess *Session, args []string) error {
	offset, rest, err := parseOffsetArgs(args)
	if err != nil {
		return err
	}
	if len(rest) != 1 {
		return errInvalid("read requires a path")
	}

	data, err := s.Read(sess, rest[0], offset)
	if err != nil {
		return err
	}

	if err := sess.framer.WriteLine("OK " + strconv.Itoa(len(data))); err != nil {
		return errIO(err)
	}
	if len(data) > 0 {
		if err := sess.framer.WriteBlob(data); err != nil {
			return errIO(err)
		}
	}
	return nil
}

func (s *Server) cmdWrite(sess *Session, args []string) error {
	offset, rest, err := parseOffsetArgs(args)
	if err != nil {
		return err
	}
	if len(rest) != 2 {
		return errInvalid("write requires a path and a size")
	}
	size, err := strconv.ParseInt(rest[1], 10, 64)
	if err != nil || size < 0 {
		return errInvalid("invalid size")
	}

	data, err := sess.framer.ReadBlob(int(size))
	if err != nil {
		return errIO(err)
	}

	newSize, err := s.Write(sess, rest[0], offset, data)
	if err != nil {
		return err
	}
	return sess.framer.WriteLine("OK " + strconv.FormatInt(newSize, 10))
}

func (s *Server) cmdTransferRequest(sess *Session, args []string) error {
	if len(args) != 2 {
		return errInvalid("transfer_request requires a file and a user")
	}
	id, err := s.broker.Request(sess, s.root, args[0], args[1])
	if err != nil {
		return err
	}
	return sess.framer.WriteLine("OK " + strconv.Itoa(id))
}

func (s *Server) cmdAccept(sess *Session, args []string) error {
	if len(args) != 2 {
		return errInvalid("accept requires a directory and an id")
	}
	id, err := strconv.Atoi(args[1])
	if err != nil {
		return errInvalid("invalid transfer id")
	}
	if _, err := s.broker.Accept(sess, s.root, args[0], id); err != nil {
		return err
	}
	return sess.framer.WriteLine("OK")
}

func (s *Server) cmdReject(sess *Session, args []string) error {
	if len(args) != 1 {
		return errInvalid("reject requires an id")
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return errInvalid("invalid transfer id")
	}
	if err := s.broker.Reject(sess, id); err != nil {
		return err
	}
	return sess.framer.WriteLine("OK")
}

// parseOctal accepts digits 0-7 only, values 0..0777; anything else is
// INVALID, per spec.md §4.G.
func parseOctal(s string) (os.FileMode, error) {
	if s == "" || len(s) > 4 {
		return 0, errInvalid("invalid mode")
	}
	for _, c := range s {
		if c < '0' || c > '7' {
			return 0, errInvalid("invalid mode")
		}
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil || v > 0777 {
		return 0, errInvalid("invalid mode")
	}
	return os.FileMode(v), nil
}

// parseOffsetArgs recognizes the two equivalent offset forms
// (`-offset=N` and `-o set=N`) at the front of args and returns the
// parsed offset (0 if absent) plus the remaining arguments.
func parseOffsetArgs(args []string) (int64, []string, error) {
	if len(args) == 0 {
		return 0, args, nil
	}

	if strings.HasPrefix(args[0], "-offset=") {
		n, err := strconv.ParseInt(strings.TrimPrefix(args[0], "-offset="), 10, 64)
		if err != nil || n < 0 {
			return 0, nil, errInvalid("invalid offset")
		}
		return n, args[1:], nil
	}

	if args[0] == "-o" && len(args) > 1 && strings.HasPrefix(args[1], "set=") {
		n, err := strconv.ParseInt(strings.TrimPrefix(args[1], "set="), 10, 64)
		if err != nil || n < 0 {
			return 0, nil, errInvalid("invalid offset")
		}
		return n, args[2:], nil
	}

	return 0, args, nil
}
