package csap

import "fmt"

// Code is a wire-level error code, per the protocol's numeric taxonomy.
type Code int

const (
	CodeOK Code = iota
	CodeInvalid
	CodeNotFound
	CodePerm
	CodeExists
	CodeBusy
	CodeIO
	CodeUnsupported
	CodeInternal
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeInvalid:
		return "INVALID"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodePerm:
		return "PERM"
	case CodeExists:
		return "EXISTS"
	case CodeBusy:
		return "BUSY"
	case CodeIO:
		return "IO"
	case CodeUnsupported:
		return "UNSUPPORTED"
	case CodeInternal:
		return "INTERNAL"
	default:
		return "INTERNAL"
	}
}

// WireError is an error that carries a protocol error code alongside a
// human-readable message. Command paths classify their failures as one
// of these; AsWireError maps any other error to INTERNAL, and
// EncodeError is the only place that renders it onto the wire.
type WireError struct {
	Code Code
	Msg  string
	// cause holds the wrapped underlying error for logging; never
	// rendered to the client.
	cause error
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *WireError) Unwrap() error { return e.cause }

func newErr(code Code, msg string) *WireError {
	return &WireError{Code: code, Msg: msg}
}

func wrapErr(code Code, cause error, msg string) *WireError {
	return &WireError{Code: code, Msg: msg, cause: cause}
}

func errInvalid(msg string) *WireError     { return newErr(CodeInvalid, msg) }
func errNotFound(msg string) *WireError    { return newErr(CodeNotFound, msg) }
func errPerm(msg string) *WireError        { return newErr(CodePerm, msg) }
func errExists(msg string) *WireError      { return newErr(CodeExists, msg) }
func errBusy(msg string) *WireError        { return newErr(CodeBusy, msg) }
func errUnsupported(msg string) *WireError { return newErr(CodeUnsupported, msg) }
func errInternal(msg string) *WireError    { return newErr(CodeInternal, msg) }

// errIO wraps a syscall/os failure, carrying the OS error text per
// spec.md §7 ("IO — any syscall failure; the message carries the OS
// error text").
func errIO(cause error) *WireError {
	return wrapErr(CodeIO, cause, cause.Error())
}

// AsWireError maps any error into a *WireError, defaulting to INTERNAL
// for errors the command path didn't already classify.
func AsWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	if we, ok := err.(*WireError); ok {
		return we
	}
	return wrapErr(CodeInternal, err, err.Error())
}

// EncodeError renders a WireError as the single "ERR <n> <NAME> <msg>"
// reply line mandated by spec.md §6. This is the single encoder funnel
// point called for by spec.md §9's error-model design note.
func EncodeError(err *WireError) string {
	return fmt.Sprintf("ERR %d %s %s", int(err.Code), err.Code, err.Msg)
}
