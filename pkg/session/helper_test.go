package session

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/livekit"

	"github.com/whoyao/livekit-client/pkg/config"
	"github.com/whoyao/livekit-client/pkg/rtc"
	"github.com/whoyao/livekit-client/pkg/signaling"
)

// --- fake signal client ---

type fakeSignal struct {
	mu       sync.Mutex
	listener signaling.ChannelListener
	state    signaling.ChannelState

	currentSid string
	connects   []string // resume sid at each connect
	connectErr error

	offers       []*livekit.SessionDescription
	answers      []*livekit.SessionDescription
	trickles     []*livekit.TrickleRequest
	addTracks    []*livekit.AddTrackRequest
	mutes        []*livekit.MuteTrackRequest
	leaves       []*livekit.LeaveRequest
	syncStates   []*livekit.SyncState
	audioUpdates []*livekit.UpdateLocalAudioTrack
	pings        int
}

func newFakeSignal() *fakeSignal {
	return &fakeSignal{state: signaling.ChannelDisconnected}
}

func (s *fakeSignal) SetListener(l signaling.ChannelListener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

func (s *fakeSignal) getListener() signaling.ChannelListener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener
}

func (s *fakeSignal) Connect(_ context.Context, _, _ string) error {
	s.mu.Lock()
	if s.connectErr != nil {
		err := s.connectErr
		s.mu.Unlock()
		return err
	}
	s.connects = append(s.connects, s.currentSid)
	s.state = signaling.ChannelConnected
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnChannelStateChanged(signaling.ChannelConnecting)
		l.OnChannelStateChanged(signaling.ChannelConnected)
	}
	return nil
}

func (s *fakeSignal) Close() {
	s.mu.Lock()
	if s.state != signaling.ChannelConnected {
		s.mu.Unlock()
		return
	}
	s.state = signaling.ChannelDisconnected
	l := s.listener
	s.mu.Unlock()
	if l != nil {
		l.OnChannelStateChanged(signaling.ChannelDisconnecting)
		l.OnChannelStateChanged(signaling.ChannelDisconnected)
	}
}

func (s *fakeSignal) State() signaling.ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSignal) SetParticipantSid(sid string) {
	s.mu.Lock()
	s.currentSid = sid
	s.mu.Unlock()
}

func (s *fakeSignal) SendOffer(sdp *livekit.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, sdp)
	return nil
}

func (s *fakeSignal) SendAnswer(sdp *livekit.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, sdp)
	return nil
}

func (s *fakeSignal) SendTrickle(req *livekit.TrickleRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trickles = append(s.trickles, req)
	return nil
}

func (s *fakeSignal) SendAddTrack(req *livekit.AddTrackRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addTracks = append(s.addTracks, req)
	return nil
}

func (s *fakeSignal) SendMuteTrack(sid string, muted bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mutes = append(s.mutes, &livekit.MuteTrackRequest{Sid: sid, Muted: muted})
	return nil
}

func (s *fakeSignal) SendSubscription(*livekit.UpdateSubscription) error   { return nil }
func (s *fakeSignal) SendTrackSettings(*livekit.UpdateTrackSettings) error { return nil }

func (s *fakeSignal) SendLeave(reason livekit.DisconnectReason, action livekit.LeaveRequest_Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves = append(s.leaves, &livekit.LeaveRequest{Reason: reason, Action: action})
	return nil
}

func (s *fakeSignal) SendPing(*livekit.Ping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pings++
	return nil
}

func (s *fakeSignal) SendUpdateAudioTrack(req *livekit.UpdateLocalAudioTrack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioUpdates = append(s.audioUpdates, req)
	return nil
}

func (s *fakeSignal) SendUpdateVideoTrack(*livekit.UpdateLocalVideoTrack) error   { return nil }
func (s *fakeSignal) SendUpdateMetadata(*livekit.UpdateParticipantMetadata) error { return nil }
func (s *fakeSignal) SendSimulate(*livekit.SimulateScenario) error                { return nil }

func (s *fakeSignal) SendSyncState(req *livekit.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncStates = append(s.syncStates, req)
	return nil
}

func (s *fakeSignal) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.connects)
}

func (s *fakeSignal) muteRequests() []*livekit.MuteTrackRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*livekit.MuteTrackRequest(nil), s.mutes...)
}

func (s *fakeSignal) addTrackRequests() []*livekit.AddTrackRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*livekit.AddTrackRequest(nil), s.addTracks...)
}

// --- fake peer connection (implements rtc.PeerConnection) ---

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

func (d *fakeDataChannel) OnOpen(func()) {}
func (d *fakeDataChannel) Close() error  { return nil }

func (d *fakeDataChannel) receive(payload []byte) {
	d.mu.Lock()
	f := d.onMessage
	d.mu.Unlock()
	if f != nil {
		f(payload)
	}
}

func (d *fakeDataChannel) sentPayloads() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

type fakePC struct {
	mu sync.Mutex

	signalingState webrtc.SignalingState
	connState      webrtc.PeerConnectionState
	local          *webrtc.SessionDescription
	remote         *webrtc.SessionDescription
	added          []webrtc.ICECandidateInit
	senders        []*fakeSender
	dataChannels   []*fakeDataChannel

	failSetRemote error

	onConnChange func(webrtc.PeerConnectionState)
	onTrack      func(rtc.Receiver)
	onDC         func(rtc.DataChannel)
}

func newFakePC() *fakePC {
	return &fakePC{
		signalingState: webrtc.SignalingStateStable,
		connState:      webrtc.PeerConnectionStateNew,
	}
}

func (p *fakePC) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
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

func (p *fakePC) AddTrack(track webrtc.TrackLocal) (rtc.Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sender := &fakeSender{id: track.ID(), kind: track.Kind()}
	p.senders = append(p.senders, sender)
	return sender, nil
}

func (p *fakePC) RemoveTrack(sender rtc.Sender) error {
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

func (p *fakePC) CreateDataChannel(label string, _ *webrtc.DataChannelInit) (rtc.DataChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dc := &fakeDataChannel{label: label, id: uint16(len(p.dataChannels))}
	p.dataChannels = append(p.dataChannels, dc)
	return dc, nil
}

func (p *fakePC) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (p *fakePC) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	p.onConnChange = f
	p.mu.Unlock()
}

func (p *fakePC) OnRemoteTrack(f func(rtc.Receiver)) {
	p.mu.Lock()
	p.onTrack = f
	p.mu.Unlock()
}

func (p *fakePC) OnDataChannel(f func(rtc.DataChannel)) {
	p.mu.Lock()
	p.onDC = f
	p.mu.Unlock()
}

func (p *fakePC) OnNegotiationNeeded(func()) {}

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

func (p *fakePC) GetStats() webrtc.StatsReport { return webrtc.StatsReport{} }

func (p *fakePC) WriteRTCP([]rtcp.Packet) error { return nil }

func (p *fakePC) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connState = webrtc.PeerConnectionStateClosed
	return nil
}

func (p *fakePC) setConnState(state webrtc.PeerConnectionState) {
	p.mu.Lock()
	p.connState = state
	f := p.onConnChange
	p.mu.Unlock()
	if f != nil {
		f(state)
	}
}

type fakeFactory struct {
	mu  sync.Mutex
	pcs []*fakePC
}

func (f *fakeFactory) NewPeerConnection(webrtc.Configuration) (rtc.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc := newFakePC()
	f.pcs = append(f.pcs, pc)
	return pc, nil
}

func (f *fakeFactory) publisher() *fakePC {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pcs) == 0 {
		return nil
	}
	return f.pcs[0]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pcs)
}

// --- fake receiver ---

type fakeReceiver struct {
	trackID  string
	streamID string
	kind     webrtc.RTPCodecType

	packets  chan *rtp.Packet
	stopCh   chan struct{}
	stopOnce sync.Once
}

func newFakeReceiver(trackID, streamID string, kind webrtc.RTPCodecType) *fakeReceiver {
	return &fakeReceiver{
		trackID:  trackID,
		streamID: streamID,
		kind:     kind,
		packets:  make(chan *rtp.Packet, 16),
		stopCh:   make(chan struct{}),
	}
}

func (r *fakeReceiver) TrackID() string                  { return r.trackID }
func (r *fakeReceiver) StreamID() string                 { return r.streamID }
func (r *fakeReceiver) Kind() webrtc.RTPCodecType        { return r.kind }
func (r *fakeReceiver) Codec() webrtc.RTPCodecParameters { return webrtc.RTPCodecParameters{} }
func (r *fakeReceiver) SSRC() uint32                     { return 1234 }

func (r *fakeReceiver) ReadRTP() (*rtp.Packet, error) {
	select {
	case pkt := <-r.packets:
		return pkt, nil
	case <-r.stopCh:
		return nil, io.EOF
	}
}

func (r *fakeReceiver) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// --- event collection ---

type eventCollector struct {
	mu     sync.Mutex
	events []SessionEvent
}

func collectEvents(e *Engine) *eventCollector {
	c := &eventCollector{}
	go func() {
		for event := range e.Events() {
			c.mu.Lock()
			c.events = append(c.events, event)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *eventCollector) all() []SessionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SessionEvent(nil), c.events...)
}

func (c *eventCollector) states() []SessionState {
	var states []SessionState
	for _, event := range c.all() {
		if ev, ok := event.(StateChangedEvent); ok {
			states = append(states, ev.State)
		}
	}
	return states
}

func (c *eventCollector) count(match func(SessionEvent) bool) int {
	n := 0
	for _, event := range c.all() {
		if match(event) {
			n++
		}
	}
	return n
}

func (c *eventCollector) firstError() *Error {
	for _, event := range c.all() {
		if ev, ok := event.(ErrorEvent); ok {
			return ev.Error
		}
	}
	return nil
}

// --- engine wiring ---

func newTestEngine(t *testing.T, opts config.ConnectOptions) (*Engine, *fakeSignal, *fakeFactory, *eventCollector) {
	signal := newFakeSignal()
	factory := &fakeFactory{}
	engine := NewEngine(EngineParams{
		Options: opts,
		Signal:  signal,
		Factory: factory,
	})
	t.Cleanup(engine.Close)
	collector := collectEvents(engine)
	return engine, signal, factory, collector
}

func testOptions() config.ConnectOptions {
	opts := config.DefaultOptions()
	opts.ReconnectAttemptDelay = 20 * time.Millisecond
	opts.NegotiationDelay = 5 * time.Millisecond
	return opts
}

func testJoinResponse() *livekit.JoinResponse {
	return &livekit.JoinResponse{
		Room: &livekit.Room{Sid: "RM_1", Name: "test"},
		Participant: &livekit.ParticipantInfo{
			Sid:      "PA_p1",
			Identity: "local",
			State:    livekit.ParticipantInfo_JOINED,
		},
		SubscriberPrimary: false,
		FastPublish:       true,
		PingInterval:      10,
		PingTimeout:       20,
		ServerInfo:        &livekit.ServerInfo{Version: "1.5.0"},
	}
}

func connectAndJoin(t *testing.T, engine *Engine, signal *fakeSignal, join *livekit.JoinResponse) {
	require.NoError(t, engine.Connect(context.Background(), "ws://localhost:7880", "token"))
	signal.getListener().OnJoin(join)
	require.Eventually(t, func() bool {
		return engine.LocalParticipant().Sid() == join.GetParticipant().GetSid()
	}, time.Second, 5*time.Millisecond)
}
