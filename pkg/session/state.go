package session

import (
	"github.com/pion/webrtc/v3"

	"github.com/whoyao/livekit-client/pkg/signaling"
)

// SessionState is the single observable state of a session. Signal channel
// states map to the Transport* values, the fused peer connection state to
// the Rtc* values.
type SessionState int

const (
	SessionStateTransportDisconnected SessionState = iota
	SessionStateTransportConnecting
	SessionStateTransportConnected
	SessionStateTransportDisconnecting
	SessionStateRtcConnecting
	SessionStateRtcConnected
	SessionStateRtcDisconnected
	SessionStateRtcClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionStateTransportDisconnected:
		return "transport_disconnected"
	case SessionStateTransportConnecting:
		return "transport_connecting"
	case SessionStateTransportConnected:
		return "transport_connected"
	case SessionStateTransportDisconnecting:
		return "transport_disconnecting"
	case SessionStateRtcConnecting:
		return "rtc_connecting"
	case SessionStateRtcConnected:
		return "rtc_connected"
	case SessionStateRtcDisconnected:
		return "rtc_disconnected"
	case SessionStateRtcClosed:
		return "rtc_closed"
	}
	return "unknown"
}

func stateFromChannel(state signaling.ChannelState) (SessionState, bool) {
	switch state {
	case signaling.ChannelConnecting:
		return SessionStateTransportConnecting, true
	case signaling.ChannelConnected:
		return SessionStateTransportConnected, true
	case signaling.ChannelDisconnecting:
		return SessionStateTransportDisconnecting, true
	case signaling.ChannelDisconnected:
		return SessionStateTransportDisconnected, true
	}
	return 0, false
}

func stateFromPeerConnection(state webrtc.PeerConnectionState) (SessionState, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return SessionStateRtcConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return SessionStateRtcConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return SessionStateRtcDisconnected, true
	case webrtc.PeerConnectionStateClosed:
		return SessionStateRtcClosed, true
	}
	return 0, false
}
