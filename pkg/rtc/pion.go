package rtc

import (
	"errors"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

var errForeignSender = errors.New("sender was not created by this peer connection")

// pionFactory creates production peer connections backed by pion/webrtc.
type pionFactory struct{}

func NewPionFactory() PeerConnectionFactory {
	return pionFactory{}
}

func (pionFactory) NewPeerConnection(conf webrtc.Configuration) (PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(conf)
	if err != nil {
		return nil, err
	}
	return &pionPeerConnection{pc: pc}, nil
}

type pionPeerConnection struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeerConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(options)
}

func (p *pionPeerConnection) CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(options)
}

func (p *pionPeerConnection) SetLocalDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeerConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeerConnection) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *pionPeerConnection) RemoteDescription() *webrtc.SessionDescription {
	return p.pc.RemoteDescription()
}

func (p *pionPeerConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

func (p *pionPeerConnection) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return &pionSender{id: track.ID(), kind: track.Kind(), sender: sender}, nil
}

func (p *pionPeerConnection) RemoveTrack(sender Sender) error {
	ps, ok := sender.(*pionSender)
	if !ok {
		return errForeignSender
	}
	return p.pc.RemoveTrack(ps.sender)
}

func (p *pionPeerConnection) CreateDataChannel(label string, options *webrtc.DataChannelInit) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, options)
	if err != nil {
		return nil, err
	}
	return &pionDataChannel{dc: dc}, nil
}

func (p *pionPeerConnection) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(f)
}

func (p *pionPeerConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeerConnection) OnRemoteTrack(f func(Receiver)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		f(&pionReceiver{track: track, receiver: receiver})
	})
}

func (p *pionPeerConnection) OnDataChannel(f func(DataChannel)) {
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		f(&pionDataChannel{dc: dc})
	})
}

func (p *pionPeerConnection) OnNegotiationNeeded(f func()) {
	p.pc.OnNegotiationNeeded(f)
}

func (p *pionPeerConnection) SignalingState() webrtc.SignalingState {
	return p.pc.SignalingState()
}

func (p *pionPeerConnection) ConnectionState() webrtc.PeerConnectionState {
	return p.pc.ConnectionState()
}

func (p *pionPeerConnection) GetStats() webrtc.StatsReport {
	return p.pc.GetStats()
}

func (p *pionPeerConnection) WriteRTCP(pkts []rtcp.Packet) error {
	return p.pc.WriteRTCP(pkts)
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}

type pionSender struct {
	id     string
	kind   webrtc.RTPCodecType
	sender *webrtc.RTPSender
}

func (s *pionSender) ID() string                { return s.id }
func (s *pionSender) Kind() webrtc.RTPCodecType { return s.kind }

type pionReceiver struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

func (r *pionReceiver) TrackID() string                  { return r.track.ID() }
func (r *pionReceiver) StreamID() string                 { return r.track.StreamID() }
func (r *pionReceiver) Kind() webrtc.RTPCodecType        { return r.track.Kind() }
func (r *pionReceiver) Codec() webrtc.RTPCodecParameters { return r.track.Codec() }
func (r *pionReceiver) SSRC() uint32                     { return uint32(r.track.SSRC()) }

func (r *pionReceiver) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := r.track.ReadRTP()
	return pkt, err
}

func (r *pionReceiver) Stop() {
	_ = r.receiver.Stop()
}

type pionDataChannel struct {
	dc *webrtc.DataChannel
}

func (d *pionDataChannel) Label() string { return d.dc.Label() }
func (d *pionDataChannel) ID() *uint16   { return d.dc.ID() }

func (d *pionDataChannel) Send(payload []byte) error {
	return d.dc.Send(payload)
}

func (d *pionDataChannel) OnMessage(f func(payload []byte)) {
	d.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		f(msg.Data)
	})
}

func (d *pionDataChannel) OnOpen(f func()) {
	d.dc.OnOpen(f)
}

func (d *pionDataChannel) Close() error {
	return d.dc.Close()
}
