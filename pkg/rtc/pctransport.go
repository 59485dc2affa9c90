package rtc

import (
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/frostbyte73/core"
	"github.com/gammazero/deque"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
)

const defaultNegotiationDelay = 20 * time.Millisecond

type PCTransportParams struct {
	Target           livekit.SignalTarget
	Factory          PeerConnectionFactory
	Configuration    webrtc.Configuration
	NegotiationDelay time.Duration
	Logger           logger.Logger
}

// PCTransport wraps one peer transport with offer scheduling and
// trickle-candidate buffering. The publisher transport is the offerer, the
// subscriber answers remote offers.
type PCTransport struct {
	params PCTransportParams
	pc     PeerConnection

	lock              sync.Mutex
	pendingCandidates deque.Deque[webrtc.ICECandidateInit]
	renegotiate       bool

	debouncedNegotiate func(f func())
	negotiateGen       atomic.Uint64

	onOffer       func(sd webrtc.SessionDescription)
	onAnswer      func(sd webrtc.SessionDescription)
	onSdpError    func(err error)
	onStateChange func(state webrtc.PeerConnectionState)

	everConnected atomic.Bool
	closed        core.Fuse
}

func NewPCTransport(params PCTransportParams) (*PCTransport, error) {
	if params.NegotiationDelay == 0 {
		params.NegotiationDelay = defaultNegotiationDelay
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger().WithValues("target", params.Target)
	}
	pc, err := params.Factory.NewPeerConnection(params.Configuration)
	if err != nil {
		return nil, err
	}
	t := &PCTransport{
		params:             params,
		pc:                 pc,
		debouncedNegotiate: debounce.New(params.NegotiationDelay),
	}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateConnected {
			t.everConnected.Store(true)
		}
		t.lock.Lock()
		f := t.onStateChange
		t.lock.Unlock()
		if f != nil {
			f(state)
		}
	})
	return t, nil
}

func (t *PCTransport) Target() livekit.SignalTarget { return t.params.Target }

func (t *PCTransport) OnOffer(f func(sd webrtc.SessionDescription)) {
	t.lock.Lock()
	t.onOffer = f
	t.lock.Unlock()
}

func (t *PCTransport) OnAnswer(f func(sd webrtc.SessionDescription)) {
	t.lock.Lock()
	t.onAnswer = f
	t.lock.Unlock()
}

func (t *PCTransport) OnSdpError(f func(err error)) {
	t.lock.Lock()
	t.onSdpError = f
	t.lock.Unlock()
}

func (t *PCTransport) OnStateChange(f func(state webrtc.PeerConnectionState)) {
	t.lock.Lock()
	t.onStateChange = f
	t.lock.Unlock()
}

func (t *PCTransport) OnICECandidate(f func(candidate *webrtc.ICECandidate)) {
	t.pc.OnICECandidate(f)
}

func (t *PCTransport) OnRemoteTrack(f func(receiver Receiver)) {
	t.pc.OnRemoteTrack(f)
}

func (t *PCTransport) OnDataChannel(f func(dc DataChannel)) {
	t.pc.OnDataChannel(f)
}

func (t *PCTransport) OnNegotiationNeeded(f func()) {
	t.pc.OnNegotiationNeeded(f)
}

// Negotiate requests a fresh local offer. Throttled requests arriving
// within the negotiation delay are coalesced into one; an immediate request
// cancels a throttled one that has not fired yet.
func (t *PCTransport) Negotiate(throttled bool) {
	if t.closed.IsBroken() {
		return
	}
	if throttled {
		gen := t.negotiateGen.Load()
		t.debouncedNegotiate(func() {
			if t.negotiateGen.Load() == gen {
				t.createAndSendOffer()
			}
		})
	} else {
		t.negotiateGen.Inc()
		t.createAndSendOffer()
	}
}

func (t *PCTransport) createAndSendOffer() {
	if t.closed.IsBroken() {
		return
	}
	t.lock.Lock()
	if t.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		// already mid-negotiation, fire again once the answer lands
		t.renegotiate = true
		t.lock.Unlock()
		return
	}
	offer, err := t.pc.CreateOffer(nil)
	if err == nil {
		err = t.pc.SetLocalDescription(offer)
	}
	onOffer := t.onOffer
	onSdpError := t.onSdpError
	t.lock.Unlock()

	if err != nil {
		t.params.Logger.Errorw("could not create local offer", err)
		if onSdpError != nil {
			onSdpError(err)
		}
		return
	}
	if onOffer != nil {
		onOffer(offer)
	}
}

// SetRemoteDescription applies the remote offer or answer, drains buffered
// candidates in arrival order and, for offers, produces the local answer.
func (t *PCTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	t.lock.Lock()
	if err := t.pc.SetRemoteDescription(sd); err != nil {
		t.lock.Unlock()
		return err
	}
	for t.pendingCandidates.Len() > 0 {
		ci := t.pendingCandidates.PopFront()
		if err := t.pc.AddICECandidate(ci); err != nil {
			t.params.Logger.Warnw("could not add buffered ICE candidate", err)
		}
	}

	var answer *webrtc.SessionDescription
	if sd.Type == webrtc.SDPTypeOffer {
		ans, err := t.pc.CreateAnswer(nil)
		if err == nil {
			err = t.pc.SetLocalDescription(ans)
		}
		if err != nil {
			t.lock.Unlock()
			return err
		}
		answer = &ans
	}
	negotiateAgain := t.renegotiate && sd.Type == webrtc.SDPTypeAnswer
	t.renegotiate = false
	onAnswer := t.onAnswer
	t.lock.Unlock()

	if answer != nil && onAnswer != nil {
		onAnswer(*answer)
	}
	if negotiateAgain {
		t.createAndSendOffer()
	}
	return nil
}

// AddICECandidate enqueues a remote candidate; candidates arriving before
// the remote description are buffered and flushed on description-set.
func (t *PCTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.lock.Lock()
	if t.pc.RemoteDescription() == nil {
		t.pendingCandidates.PushBack(candidate)
		t.lock.Unlock()
		return nil
	}
	t.lock.Unlock()
	return t.pc.AddICECandidate(candidate)
}

func (t *PCTransport) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	return t.pc.AddTrack(track)
}

func (t *PCTransport) RemoveTrack(sender Sender) error {
	return t.pc.RemoveTrack(sender)
}

func (t *PCTransport) CreateDataChannel(label string, options *webrtc.DataChannelInit) (DataChannel, error) {
	return t.pc.CreateDataChannel(label, options)
}

func (t *PCTransport) LocalDescription() *webrtc.SessionDescription {
	return t.pc.LocalDescription()
}

func (t *PCTransport) ConnectionState() webrtc.PeerConnectionState {
	return t.pc.ConnectionState()
}

func (t *PCTransport) HasEverConnected() bool {
	return t.everConnected.Load()
}

func (t *PCTransport) GetStats() webrtc.StatsReport {
	return t.pc.GetStats()
}

func (t *PCTransport) WriteRTCP(pkts []rtcp.Packet) error {
	return t.pc.WriteRTCP(pkts)
}

func (t *PCTransport) Close() {
	t.closed.Once(func() {
		t.lock.Lock()
		t.pendingCandidates.Clear()
		t.lock.Unlock()
		if err := t.pc.Close(); err != nil {
			t.params.Logger.Warnw("could not close peer connection", err)
		}
	})
}
