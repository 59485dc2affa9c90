package session

import (
	"github.com/livekit/protocol/livekit"

	"github.com/whoyao/livekit-client/pkg/e2ee"
)

// SessionEvent is the tagged sum delivered to embedders over the engine's
// bounded event channel. Handle what you need, ignore the rest.
type SessionEvent interface {
	isSessionEvent()
}

type StateChangedEvent struct {
	State SessionState
}

type ErrorEvent struct {
	Error *Error
}

type LocalParticipantJoinedEvent struct {
	Sid      string
	Identity string
}

type LocalParticipantLeftEvent struct {
	Sid string
}

type LocalParticipantChangedEvent struct {
	Info *livekit.ParticipantInfo
}

type ParticipantConnectedEvent struct {
	Sid      string
	Identity string
}

type ParticipantDisconnectedEvent struct {
	Sid      string
	Identity string
}

type ParticipantChangedEvent struct {
	Sid  string
	Info *livekit.ParticipantInfo
}

type LocalTrackPublishedEvent struct {
	Cid string
	Sid string
}

type LocalTrackUnpublishedEvent struct {
	Cid string
	Sid string
}

type RemoteTrackAddedEvent struct {
	ParticipantSid string
	Sid            string
	Type           livekit.TrackType
	Encryption     livekit.Encryption_Type
}

type RemoteTrackRemovedEvent struct {
	ParticipantSid string
	Sid            string
	Type           livekit.TrackType
	Encryption     livekit.Encryption_Type
}

type TrackMuteChangedEvent struct {
	ParticipantSid string
	TrackSid       string
	Muted          bool
}

type ActiveSpeakersChangedEvent struct {
	Speakers []*livekit.SpeakerInfo
}

type ConnectionQualityEvent struct {
	Updates []*livekit.ConnectionQualityInfo
}

type StreamStateChangedEvent struct {
	StreamStates []*livekit.StreamStateInfo
}

type SubscribedQualityChangedEvent struct {
	Update *livekit.SubscribedQualityUpdate
}

type SubscriptionPermissionChangedEvent struct {
	Update *livekit.SubscriptionPermissionUpdate
}

type SubscriptionResponseEvent struct {
	Response *livekit.SubscriptionResponse
}

type TrackSubscribedEvent struct {
	TrackSid string
}

type RequestResponseEvent struct {
	Response *livekit.RequestResponse
}

// RefreshTokenEvent carries a fresh auth token. The engine does not store
// it; the embedder refreshes its own credentials.
type RefreshTokenEvent struct {
	Token string
}

type RoomUpdatedEvent struct {
	Room *livekit.Room
}

type RoomMovedEvent struct {
	Room  *livekit.Room
	Token string
}

type UserPacketEvent struct {
	Packet                *livekit.UserPacket
	SenderIdentity        string
	DestinationIdentities []string
}

type ChatMessageEvent struct {
	Message               *livekit.ChatMessage
	SenderIdentity        string
	DestinationIdentities []string
}

type ParseErrorEvent struct {
	Err error
}

type TrackCryptoErrorEvent struct {
	Identity string
	TrackID  string
	State    e2ee.CryptorState
}

type DecryptionStateChangedEvent struct {
	Identity string
	TrackID  string
	State    e2ee.CryptorState
}

func (StateChangedEvent) isSessionEvent()                  {}
func (ErrorEvent) isSessionEvent()                         {}
func (LocalParticipantJoinedEvent) isSessionEvent()        {}
func (LocalParticipantLeftEvent) isSessionEvent()          {}
func (LocalParticipantChangedEvent) isSessionEvent()       {}
func (ParticipantConnectedEvent) isSessionEvent()          {}
func (ParticipantDisconnectedEvent) isSessionEvent()       {}
func (ParticipantChangedEvent) isSessionEvent()            {}
func (LocalTrackPublishedEvent) isSessionEvent()           {}
func (LocalTrackUnpublishedEvent) isSessionEvent()         {}
func (RemoteTrackAddedEvent) isSessionEvent()              {}
func (RemoteTrackRemovedEvent) isSessionEvent()            {}
func (TrackMuteChangedEvent) isSessionEvent()              {}
func (ActiveSpeakersChangedEvent) isSessionEvent()         {}
func (ConnectionQualityEvent) isSessionEvent()             {}
func (StreamStateChangedEvent) isSessionEvent()            {}
func (SubscribedQualityChangedEvent) isSessionEvent()      {}
func (SubscriptionPermissionChangedEvent) isSessionEvent() {}
func (SubscriptionResponseEvent) isSessionEvent()          {}
func (TrackSubscribedEvent) isSessionEvent()               {}
func (RequestResponseEvent) isSessionEvent()               {}
func (RefreshTokenEvent) isSessionEvent()                  {}
func (RoomUpdatedEvent) isSessionEvent()                   {}
func (RoomMovedEvent) isSessionEvent()                     {}
func (UserPacketEvent) isSessionEvent()                    {}
func (ChatMessageEvent) isSessionEvent()                   {}
func (ParseErrorEvent) isSessionEvent()                    {}
func (TrackCryptoErrorEvent) isSessionEvent()              {}
func (DecryptionStateChangedEvent) isSessionEvent()        {}
