package signaling

import (
	"github.com/livekit/protocol/livekit"
)

func (c *Channel) dispatch(res *livekit.SignalResponse) {
	l := c.getListener()
	if l == nil {
		return
	}
	switch msg := res.Message.(type) {
	case *livekit.SignalResponse_Join:
		l.OnJoin(msg.Join)
	case *livekit.SignalResponse_Reconnect:
		l.OnReconnect(msg.Reconnect)
	case *livekit.SignalResponse_Offer:
		l.OnOffer(msg.Offer)
	case *livekit.SignalResponse_Answer:
		l.OnAnswer(msg.Answer)
	case *livekit.SignalResponse_Trickle:
		l.OnTrickle(msg.Trickle)
	case *livekit.SignalResponse_Update:
		l.OnUpdate(msg.Update)
	case *livekit.SignalResponse_TrackPublished:
		l.OnTrackPublished(msg.TrackPublished)
	case *livekit.SignalResponse_TrackUnpublished:
		l.OnTrackUnpublished(msg.TrackUnpublished)
	case *livekit.SignalResponse_Leave:
		l.OnLeave(msg.Leave)
	case *livekit.SignalResponse_Mute:
		l.OnMute(msg.Mute)
	case *livekit.SignalResponse_SpeakersChanged:
		l.OnSpeakersChanged(msg.SpeakersChanged.GetSpeakers())
	case *livekit.SignalResponse_RoomUpdate:
		l.OnRoomUpdate(msg.RoomUpdate.GetRoom())
	case *livekit.SignalResponse_ConnectionQuality:
		l.OnConnectionQuality(msg.ConnectionQuality.GetUpdates())
	case *livekit.SignalResponse_StreamStateUpdate:
		l.OnStreamStateUpdate(msg.StreamStateUpdate)
	case *livekit.SignalResponse_SubscribedQualityUpdate:
		l.OnSubscribedQualityUpdate(msg.SubscribedQualityUpdate)
	case *livekit.SignalResponse_SubscriptionPermissionUpdate:
		l.OnSubscriptionPermission(msg.SubscriptionPermissionUpdate)
	case *livekit.SignalResponse_RefreshToken:
		l.OnRefreshToken(msg.RefreshToken)
	case *livekit.SignalResponse_TrackSubscribed:
		l.OnTrackSubscribed(msg.TrackSubscribed)
	case *livekit.SignalResponse_RequestResponse:
		l.OnRequestResponse(msg.RequestResponse)
	case *livekit.SignalResponse_SubscriptionResponse:
		l.OnSubscriptionResponse(msg.SubscriptionResponse)
	case *livekit.SignalResponse_Pong:
		// legacy pong carries only the echoed timestamp
		l.OnPong(&livekit.Pong{LastPingTimestamp: msg.Pong})
	case *livekit.SignalResponse_PongResp:
		l.OnPong(msg.PongResp)
	case *livekit.SignalResponse_RoomMoved:
		l.OnRoomMoved(msg.RoomMoved)
	default:
		// an unknown arm from a newer server is not an error
		c.params.Logger.Debugw("ignoring unrecognized signal response")
	}
}
