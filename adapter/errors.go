package adapter

import (
	"context"
	"errors"
	"os"

	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"
)

type ErrorKind string

const (
	KindResolutionFailed ErrorKind = "resolution_failed"
	KindUnreachable      ErrorKind = "unreachable"
	KindNextHopFailed    ErrorKind = "next_hop_failed"
	KindPolicyDenied     ErrorKind = "policy_denied"
	KindClientHandshake  ErrorKind = "client_handshake_failed"
	KindServerHandshake  ErrorKind = "server_handshake_failed"
	KindTimeout          ErrorKind = "timeout"
	KindConfiguration    ErrorKind = "configuration_invalid"
	KindClientIO         ErrorKind = "client_io"
	KindServerIO         ErrorKind = "server_io"
)

// SessionError attributes a failure to one step of the session taxonomy so the
// terminal event can carry a stable kind. Phase is set for timeouts only.
type SessionError struct {
	Kind  ErrorKind
	Phase string
	Inner error
}

func (e *SessionError) Error() string {
	if e.Phase != "" {
		return F.ToString(string(e.Kind), " (", e.Phase, "): ", e.Inner)
	}
	return F.ToString(string(e.Kind), ": ", e.Inner)
}

func (e *SessionError) Unwrap() error {
	return e.Inner
}

func MarkError(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	var sessionErr *SessionError
	if errors.As(err, &sessionErr) {
		return err
	}
	return &SessionError{Kind: kind, Inner: err}
}

// MarkTimeout attributes a deadline failure to the phase that armed it. A fired
// timeout takes the same abort path as any I/O error; only the event kind differs.
func MarkTimeout(phase string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &SessionError{Kind: KindTimeout, Phase: phase, Inner: err}
	}
	return err
}

func KindOf(err error) ErrorKind {
	var sessionErr *SessionError
	if errors.As(err, &sessionErr) {
		return sessionErr.Kind
	}
	return ""
}

var (
	ErrPolicyDenied   = E.New("denied by policy")
	ErrNoCandidate    = E.New("no resolved candidate")
	ErrGenerationGone = E.New("generation already released")
)
