package rtc

import (
	"io"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

type fakeSender struct {
	id   string
	kind webrtc.RTPCodecType
}

func (s *fakeSender) ID() string                { return s.id }
func (s *fakeSender) Kind() webrtc.RTPCodecType { return s.kind }

type fakeDataChannel struct {
	label string
	id    uint16

	mu        sync.Mutex
	sent      [][]byte
	onMessage func([]byte)
	onOpen    func()
}

func (d *fakeDataChannel) Label() string { return d.label }
func (d *fakeDataChannel) ID() *uint16   { return &d.id }

func (d *fakeDataChannel) Send(payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	d.sent = append(d.sent, buf)
	return nil
}

func (d *fakeDataChannel) OnMessage(f func([]byte)) {
	d.mu.Lock()
	d.onMessage = f
	d.mu.Unlock()
}

func (d *fakeDataChannel) OnOpen(f func()) {
	d.mu.Lock()
	d.onOpen = f
	d.mu.Unlock()
}

func (d *fakeDataChannel) Close() error { return nil }

type fakePC struct {
	mu sync.Mutex

	signalingState webrtc.SignalingState
	connState      webrtc.PeerConnectionState
	local          *webrtc.SessionDescription
	remote         *webrtc.SessionDescription
	added          []webrtc.ICECandidateInit
	senders        []*fakeSender
	dataChannels   []*fakeDataChannel
	offerCount     int
	rtcpSent       []rtcp.Packet

	failSetRemote error

	onICE        func(*webrtc.ICECandidate)
	onConnChange func(webrtc.PeerConnectionState)
	onTrack      func(Receiver)
	onDC         func(DataChannel)
	onNeg        func()
}

func newFakePC() *fakePC {
	return &fakePC{
		signalingState: webrtc.SignalingStateStable,
		connState:      webrtc.PeerConnectionStateNew,
	}
}

func (p *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offerCount++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}, nil
}

func (p *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}, nil
}

func (p *fakePC) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		p.signalingState = webrtc.SignalingStateHaveLocalOffer
	} else {
		p.signalingState = webrtc.SignalingStateStable
	}
	return nil
}

func (p *fakePC) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failSetRemote != nil {
		return p.failSetRemote
	}
	p.remote = &desc
	if desc.Type == webrtc.SDPTypeOffer {
		p.signalingState = webrtc.SignalingStateHaveRemoteOffer
	} else {
		p.signalingState = webrtc.SignalingStateStable
	}
	return nil
}

func (p *fakePC) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePC) RemoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePC) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.added = append(p.added, candidate)
	return nil
}

func (p *fakePC) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sender := &fakeSender{id: track.ID(), kind: track.Kind()}
	p.senders = append(p.senders, sender)
	return sender, nil
}

func (p *fakePC) RemoveTrack(sender Sender) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.senders {
		if s == sender {
			p.senders = append(p.senders[:i], p.senders[i+1:]...)
			break
		}
	}
	return nil
}

func (p *fakePC) CreateDataChannel(label string, _ *webrtc.DataChannelInit) (DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dc := &fakeDataChannel{label: label, id: uint16(len(p.dataChannels))}
	p.dataChannels = append(p.dataChannels, dc)
	return dc, nil
}

func (p *fakePC) OnICECandidate(f func(*webrtc.ICECandidate)) {
	p.mu.Lock()
	p.onICE = f
	p.mu.Unlock()
}

func (p *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onConnChange = f
	p.mu.Unlock()
}

func (p *fakePC) OnRemoteTrack(f func(Receiver)) {
	p.mu.Lock()
	p.onTrack = f
	p.mu.Unlock()
}

func (p *fakePC) OnDataChannel(f func(DataChannel)) {
	p.mu.Lock()
	p.onDC = f
	p.mu.Unlock()
}

func (p *fakePC) OnNegotiationNeeded(f func()) {
	p.mu.Lock()
	p.onNeg = f
	p.mu.Unlock()
}

func (p *fakePC) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.signalingState
}

func (p *fakePC) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connState
}

func (p *fakePC) GetStats() webrtc.StatsReport {
	return webrtc.StatsReport{}
}

func (p *fakePC) WriteRTCP(pkts []rtcp.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rtcpSent = append(p.rtcpSent, pkts...)
	return nil
}

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connState = webrtc.PeerConnectionStateClosed
	return nil
}

// setConnState flips the connection state and fires the callback like a
// real peer connection would.
func (p *fakePC) setConnState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.connState = state
	f := p.onConnChange
	p.mu.Unlock()
	if f != nil {
		f(state)
	}
}

func (p *fakePC) offers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offerCount
}

func (p *fakePC) addedCandidates() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.added...)
}

type fakeFactory struct {
	mu  sync.Mutex
	pcs []*fakePC
}

func (f *fakeFactory) NewPeerConnection(webrtc.Configuration) (PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := newFakePC()
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

// publisher and subscriber are created in that order by the manager
func (f *fakeFactory) publisher() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[0]
}

func (f *fakeFactory) subscriber() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pcs[1]
}

type fakeReceiver struct {
	trackID  string
	streamID string
	kind     webrtc.RTPCodecType

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newFakeReceiver(trackID, streamID string, kind webrtc.RTPCodecType) *fakeReceiver {
	return &fakeReceiver{
		trackID:  trackID,
		streamID: streamID,
		kind:     kind,
		stopCh:   make(chan struct{}),
	}
}

func (r *fakeReceiver) TrackID() string           { return r.trackID }
func (r *fakeReceiver) StreamID() string          { return r.streamID }
func (r *fakeReceiver) Kind() webrtc.RTPCodecType { return r.kind }
func (r *fakeReceiver) SSRC() uint32              { return 1234 }

func (r *fakeReceiver) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{}
}

func (r *fakeReceiver) ReadRTP() (*rtp.Packet, error) {
	<-r.stopCh
	return nil, io.EOF
}

func (r *fakeReceiver) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}
