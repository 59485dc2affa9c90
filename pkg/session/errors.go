package session

import (
	"fmt"

	"github.com/livekit/protocol/livekit"
)

// ErrorKind is the engine-visible failure taxonomy. Server kinds map 1:1 to
// the wire DisconnectReason values.
type ErrorKind int

const (
	ErrorKindRTC ErrorKind = iota
	ErrorKindTransport
	ErrorKindServerPingTimedOut
	ErrorKindServerDuplicateIdentity
	ErrorKindServerShutdown
	ErrorKindServerParticipantRemoved
	ErrorKindServerRoomDeleted
	ErrorKindServerStateMismatch
	ErrorKindServerJoinFailure
	ErrorKindServerMigration
	ErrorKindServerSignalClose
	ErrorKindServerRoomClosed
	ErrorKindServerUserUnavailable
	ErrorKindServerUserRejected
	ErrorKindServerSipTrunkFailure
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorKindRTC:
		return "rtc failure"
	case ErrorKindTransport:
		return "signal transport failure"
	case ErrorKindServerPingTimedOut:
		return "server ping timed out"
	case ErrorKindServerDuplicateIdentity:
		return "identity already joined elsewhere"
	case ErrorKindServerShutdown:
		return "server shutdown"
	case ErrorKindServerParticipantRemoved:
		return "participant removed from room"
	case ErrorKindServerRoomDeleted:
		return "room deleted"
	case ErrorKindServerStateMismatch:
		return "client/server state mismatch"
	case ErrorKindServerJoinFailure:
		return "join failure"
	case ErrorKindServerMigration:
		return "server migration"
	case ErrorKindServerSignalClose:
		return "signal connection closed by server"
	case ErrorKindServerRoomClosed:
		return "room closed"
	case ErrorKindServerUserUnavailable:
		return "user unavailable"
	case ErrorKindServerUserRejected:
		return "user rejected"
	case ErrorKindServerSipTrunkFailure:
		return "sip trunk failure"
	}
	return "unknown"
}

// Error pairs a taxonomy kind with optional cause detail.
type Error struct {
	Kind ErrorKind
	err  error
}

func newError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.err }

// errorFromReason translates a server disconnect reason. UNKNOWN_REASON and
// CLIENT_INITIATED are not errors.
func errorFromReason(reason livekit.DisconnectReason) *Error {
	switch reason {
	case livekit.DisconnectReason_DUPLICATE_IDENTITY:
		return newError(ErrorKindServerDuplicateIdentity, nil)
	case livekit.DisconnectReason_SERVER_SHUTDOWN:
		return newError(ErrorKindServerShutdown, nil)
	case livekit.DisconnectReason_PARTICIPANT_REMOVED:
		return newError(ErrorKindServerParticipantRemoved, nil)
	case livekit.DisconnectReason_ROOM_DELETED:
		return newError(ErrorKindServerRoomDeleted, nil)
	case livekit.DisconnectReason_STATE_MISMATCH:
		return newError(ErrorKindServerStateMismatch, nil)
	case livekit.DisconnectReason_JOIN_FAILURE:
		return newError(ErrorKindServerJoinFailure, nil)
	case livekit.DisconnectReason_MIGRATION:
		return newError(ErrorKindServerMigration, nil)
	case livekit.DisconnectReason_SIGNAL_CLOSE:
		return newError(ErrorKindServerSignalClose, nil)
	case livekit.DisconnectReason_ROOM_CLOSED:
		return newError(ErrorKindServerRoomClosed, nil)
	case livekit.DisconnectReason_USER_UNAVAILABLE:
		return newError(ErrorKindServerUserUnavailable, nil)
	case livekit.DisconnectReason_USER_REJECTED:
		return newError(ErrorKindServerUserRejected, nil)
	case livekit.DisconnectReason_SIP_TRUNK_FAILURE:
		return newError(ErrorKindServerSipTrunkFailure, nil)
	}
	return nil
}
