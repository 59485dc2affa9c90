package signaling

import (
	"github.com/livekit/protocol/livekit"
)

// ResponsesListener receives every decoded server message, one callback per
// SignalResponse arm, in wire order.
type ResponsesListener interface {
	OnJoin(res *livekit.JoinResponse)
	OnReconnect(res *livekit.ReconnectResponse)
	OnOffer(sdp *livekit.SessionDescription)
	OnAnswer(sdp *livekit.SessionDescription)
	OnTrickle(req *livekit.TrickleRequest)
	OnUpdate(update *livekit.ParticipantUpdate)
	OnTrackPublished(res *livekit.TrackPublishedResponse)
	OnTrackUnpublished(res *livekit.TrackUnpublishedResponse)
	OnLeave(leave *livekit.LeaveRequest)
	OnMute(req *livekit.MuteTrackRequest)
	OnSpeakersChanged(speakers []*livekit.SpeakerInfo)
	OnRoomUpdate(room *livekit.Room)
	OnConnectionQuality(updates []*livekit.ConnectionQualityInfo)
	OnStreamStateUpdate(update *livekit.StreamStateUpdate)
	OnSubscribedQualityUpdate(update *livekit.SubscribedQualityUpdate)
	OnSubscriptionPermission(update *livekit.SubscriptionPermissionUpdate)
	OnRefreshToken(token string)
	OnTrackSubscribed(res *livekit.TrackSubscribed)
	OnRequestResponse(res *livekit.RequestResponse)
	OnSubscriptionResponse(res *livekit.SubscriptionResponse)
	OnPong(pong *livekit.Pong)
	OnRoomMoved(res *livekit.RoomMovedResponse)

	// OnParseError reports a frame that could not be decoded. The channel
	// stays open and subsequent frames are still dispatched.
	OnParseError(err error)
}

// ChannelListener extends the response surface with channel lifecycle
// notifications.
type ChannelListener interface {
	ResponsesListener

	OnChannelStateChanged(state ChannelState)
	OnChannelError(err error)
}
