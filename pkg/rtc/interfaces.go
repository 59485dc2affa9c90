package rtc

import (
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// Sender is the publisher-side binding of a local track. The id is the
// client-generated track id (cid) and stays valid after detach.
type Sender interface {
	ID() string
	Kind() webrtc.RTPCodecType
}

// Receiver is the subscriber-side binding of a remote track.
type Receiver interface {
	TrackID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	SSRC() uint32
	ReadRTP() (*rtp.Packet, error)
	Stop()
}

type DataChannel interface {
	Label() string
	ID() *uint16
	Send(payload []byte) error
	OnMessage(f func(payload []byte))
	OnOpen(f func())
	Close() error
}

// PeerConnection is the abstract peer transport the engine drives. The
// production implementation wraps a pion connection; tests substitute fakes.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	AddTrack(track webrtc.TrackLocal) (Sender, error)
	RemoveTrack(sender Sender) error
	CreateDataChannel(label string, options *webrtc.DataChannelInit) (DataChannel, error)

	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnRemoteTrack(f func(Receiver))
	OnDataChannel(f func(DataChannel))
	OnNegotiationNeeded(f func())

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState
	GetStats() webrtc.StatsReport
	WriteRTCP(pkts []rtcp.Packet) error
	Close() error
}

type PeerConnectionFactory interface {
	NewPeerConnection(conf webrtc.Configuration) (PeerConnection, error)
}
