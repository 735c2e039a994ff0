package session

import (
	"errors"
	"fmt"

	"github.com/sheerbytes/rankflux/internal/transfer"
	"github.com/sheerbytes/rankflux/pkg/protocol"
)

// Kind classifies session failures.
type Kind int

const (
	KindProtocol Kind = iota
	KindNegotiation
	KindAuthentication
	KindTransferIO
	KindChecksum
	KindNetworkInterrupted
	KindBusiness
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindNegotiation:
		return "negotiation"
	case KindAuthentication:
		return "authentication"
	case KindTransferIO:
		return "transfer_io"
	case KindChecksum:
		return "checksum"
	case KindNetworkInterrupted:
		return "network_interrupted"
	case KindBusiness:
		return "business"
	case KindShutdown:
		return "shutdown"
	default:
		return "protocol"
	}
}

// Error is a session failure with the code reported to, or by, the peer.
type Error struct {
	Kind Kind
	Code protocol.ErrorCode
	// Remote is set when the peer reported the failure.
	Remote bool
	Err    error
}

func (e *Error) Error() string {
	side := "local"
	if e.Remote {
		side = "remote"
	}
	return fmt.Sprintf("%s %s error (%s): %v", side, e.Kind, e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, code protocol.ErrorCode, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

func errorf(kind Kind, code protocol.ErrorCode, format string, args ...any) *Error {
	return newError(kind, code, fmt.Errorf(format, args...))
}

// ErrNoAnswer is returned when a session closes without answering the
// peer, as it does for anything but Authent before authentication.
var ErrNoAnswer = errors.New("session closed without answer")

// IsKind reports whether err is a session Error of kind k.
func IsKind(err error, k Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == k
}

// Retryable reports whether a transfer that ended with err may be
// resubmitted by the scheduler.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *Error
	if !errors.As(err, &se) {
		return !errors.Is(err, ErrNoAnswer)
	}
	if se.Remote {
		return se.Code.Retryable()
	}
	switch se.Kind {
	case KindNetworkInterrupted, KindShutdown:
		return true
	case KindTransferIO:
		return se.Code.Retryable()
	default:
		return false
	}
}

// asError converts arbitrary errors from collaborators into session errors.
func asError(err error) *Error {
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, transfer.ErrRetriesExhausted), errors.Is(err, transfer.ErrChecksumMismatch):
		return newError(KindChecksum, protocol.CodeMD5Error, err)
	case errors.Is(err, transfer.ErrSizeMismatch):
		return newError(KindTransferIO, protocol.CodeSizeNotAllowed, err)
	case errors.Is(err, transfer.ErrInvalidFilename), errors.Is(err, transfer.ErrFilenameTooLong):
		return newError(KindNegotiation, protocol.CodeFileNotAllowed, err)
	default:
		return newError(KindTransferIO, protocol.CodeTransferError, err)
	}
}

// remoteKind maps a code received in an Error packet to a failure kind.
func remoteKind(code protocol.ErrorCode, st State) Kind {
	switch code {
	case protocol.CodeBadAuthent:
		return KindAuthentication
	case protocol.CodeMD5Error:
		return KindChecksum
	case protocol.CodeShutdown, protocol.CodeRemoteShutdown:
		return KindShutdown
	case protocol.CodeExternalOp:
		return KindBusiness
	case protocol.CodeIncorrectCommand, protocol.CodeQueryRemotelyUnknown,
		protocol.CodeFileNotAllowed, protocol.CodeFileNotFound:
		if st <= StateRequestSent {
			return KindNegotiation
		}
	}
	return KindTransferIO
}
