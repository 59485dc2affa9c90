package rtc

import (
	"sync"
	"time"

	"github.com/frostbyte73/core"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v3"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
)

const (
	// well-known labels of the publisher data channels
	ReliableDataChannelLabel = "_reliable"
	LossyDataChannelLabel    = "_lossy"
)

// TransportManagerListener receives everything the two peer transports
// produce, already attributed to a signal target.
type TransportManagerListener interface {
	OnPublisherOffer(sd webrtc.SessionDescription)
	OnSubscriberAnswer(sd webrtc.SessionDescription)
	OnICECandidateGathered(target livekit.SignalTarget, candidate webrtc.ICECandidateInit)
	OnLocalTrackAdded(sender Sender)
	OnLocalTrackAddFailure(id string, kind webrtc.RTPCodecType, err error)
	OnLocalTrackRemoved(id string, kind webrtc.RTPCodecType)
	OnRemoteTrackAdded(receiver Receiver, trackID string, participantSid string)
	OnLocalDataChannelCreated(dc DataChannel)
	OnRemoteDataChannelOpened(dc DataChannel)
	OnStateChange(fused, publisher, subscriber webrtc.PeerConnectionState)
	OnNegotiationNeeded()
	OnSdpOperationFailed(target livekit.SignalTarget, err error)
	OnPingRequired()
	OnPingTimeout()
}

type TransportManagerParams struct {
	SubscriberPrimary bool
	FastPublish       bool
	PingInterval      time.Duration
	PingTimeout       time.Duration
	NegotiationDelay  time.Duration
	Factory           PeerConnectionFactory
	Configuration     webrtc.Configuration
	LocalIdentity     string
	Logger            logger.Logger
}

// TransportManager owns the publisher and subscriber transports and fuses
// their observable state. Negotiation always runs on the publisher; remote
// offers always land on the subscriber.
type TransportManager struct {
	params TransportManagerParams

	publisher  *PCTransport
	subscriber *PCTransport

	listenerMu sync.RWMutex
	listener   TransportManagerListener

	reliableDC DataChannel
	lossyDC    DataChannel

	fusedState atomic.Int32

	pingMu    sync.Mutex
	pingStop  chan struct{}
	pongTimer *time.Timer

	audioPlayout   atomic.Bool
	audioRecording atomic.Bool

	closed core.Fuse
}

func NewTransportManager(params TransportManagerParams) (*TransportManager, error) {
	if params.Logger == nil {
		params.Logger = logger.GetLogger().WithValues("component", "transport", "identity", params.LocalIdentity)
	}
	m := &TransportManager{
		params: params,
	}
	m.audioPlayout.Store(true)
	m.audioRecording.Store(true)

	publisher, err := NewPCTransport(PCTransportParams{
		Target:           livekit.SignalTarget_PUBLISHER,
		Factory:          params.Factory,
		Configuration:    params.Configuration,
		NegotiationDelay: params.NegotiationDelay,
		Logger:           params.Logger.WithValues("target", livekit.SignalTarget_PUBLISHER),
	})
	if err != nil {
		return nil, err
	}
	m.publisher = publisher

	subscriber, err := NewPCTransport(PCTransportParams{
		Target:           livekit.SignalTarget_SUBSCRIBER,
		Factory:          params.Factory,
		Configuration:    params.Configuration,
		NegotiationDelay: params.NegotiationDelay,
		Logger:           params.Logger.WithValues("target", livekit.SignalTarget_SUBSCRIBER),
	})
	if err != nil {
		publisher.Close()
		return nil, err
	}
	m.subscriber = subscriber

	m.wireTransports()
	return m, nil
}

func (m *TransportManager) SetListener(l TransportManagerListener) {
	m.listenerMu.Lock()
	m.listener = l
	m.listenerMu.Unlock()
}

func (m *TransportManager) getListener() TransportManagerListener {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	return m.listener
}

func (m *TransportManager) wireTransports() {
	m.publisher.OnOffer(func(sd webrtc.SessionDescription) {
		if l := m.getListener(); l != nil {
			l.OnPublisherOffer(sd)
		}
	})
	m.publisher.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		m.handleICECandidate(livekit.SignalTarget_PUBLISHER, candidate)
	})
	m.publisher.OnStateChange(func(webrtc.PeerConnectionState) {
		m.recomputeState()
	})
	m.publisher.OnSdpError(func(err error) {
		if l := m.getListener(); l != nil {
			l.OnSdpOperationFailed(livekit.SignalTarget_PUBLISHER, err)
		}
	})
	m.publisher.OnNegotiationNeeded(func() {
		if l := m.getListener(); l != nil {
			l.OnNegotiationNeeded()
		}
	})

	m.subscriber.OnAnswer(func(sd webrtc.SessionDescription) {
		if l := m.getListener(); l != nil {
			l.OnSubscriberAnswer(sd)
		}
	})
	m.subscriber.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		m.handleICECandidate(livekit.SignalTarget_SUBSCRIBER, candidate)
	})
	m.subscriber.OnStateChange(func(webrtc.PeerConnectionState) {
		m.recomputeState()
	})
	m.subscriber.OnSdpError(func(err error) {
		if l := m.getListener(); l != nil {
			l.OnSdpOperationFailed(livekit.SignalTarget_SUBSCRIBER, err)
		}
	})
	m.subscriber.OnRemoteTrack(func(receiver Receiver) {
		trackID := receiver.TrackID()
		participantSid, trackSid := UnpackStreamID(receiver.StreamID())
		if trackSid != "" {
			trackID = trackSid
		}
		if l := m.getListener(); l != nil {
			l.OnRemoteTrackAdded(receiver, trackID, participantSid)
		}
	})
	m.subscriber.OnDataChannel(func(dc DataChannel) {
		if l := m.getListener(); l != nil {
			l.OnRemoteDataChannelOpened(dc)
		}
	})
}

// CreateDataChannels opens the two well-known publisher channels. Called
// once by the engine after the listener is attached; on fast publish it is
// followed by an immediate negotiation so the first AddTrack pays no
// negotiation round trip.
func (m *TransportManager) CreateDataChannels() error {
	ordered := true
	reliable, err := m.publisher.CreateDataChannel(ReliableDataChannelLabel, &webrtc.DataChannelInit{
		Ordered: &ordered,
	})
	if err != nil {
		return err
	}
	m.reliableDC = reliable

	maxRetransmits := uint16(0)
	lossy, err := m.publisher.CreateDataChannel(LossyDataChannelLabel, &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: &maxRetransmits,
	})
	if err != nil {
		return err
	}
	m.lossyDC = lossy

	if l := m.getListener(); l != nil {
		l.OnLocalDataChannelCreated(reliable)
		l.OnLocalDataChannelCreated(lossy)
	}
	if m.params.FastPublish {
		m.Negotiate(false)
	}
	return nil
}

func (m *TransportManager) handleICECandidate(target livekit.SignalTarget, candidate *webrtc.ICECandidate) {
	if candidate == nil {
		// gathering completed
		return
	}
	if l := m.getListener(); l != nil {
		l.OnICECandidateGathered(target, candidate.ToJSON())
	}
}

// fusedState implements the primary-transport rule: failure and closure of
// either side dominate, otherwise the primary decides connectedness.
func fusedState(publisher, subscriber webrtc.PeerConnectionState, subscriberPrimary bool) webrtc.PeerConnectionState {
	primary := publisher
	if subscriberPrimary {
		primary = subscriber
	}
	switch {
	case publisher == webrtc.PeerConnectionStateFailed || subscriber == webrtc.PeerConnectionStateFailed:
		return webrtc.PeerConnectionStateFailed
	case publisher == webrtc.PeerConnectionStateClosed || subscriber == webrtc.PeerConnectionStateClosed:
		return webrtc.PeerConnectionStateClosed
	case publisher == webrtc.PeerConnectionStateConnecting || subscriber == webrtc.PeerConnectionStateConnecting:
		return webrtc.PeerConnectionStateConnecting
	case primary == webrtc.PeerConnectionStateConnected:
		return webrtc.PeerConnectionStateConnected
	}
	return webrtc.PeerConnectionStateNew
}

func (m *TransportManager) recomputeState() {
	pub := m.publisher.ConnectionState()
	sub := m.subscriber.ConnectionState()
	fused := fusedState(pub, sub, m.params.SubscriberPrimary)
	if m.fusedState.Swap(int32(fused)) == int32(fused) {
		return
	}
	if l := m.getListener(); l != nil {
		l.OnStateChange(fused, pub, sub)
	}
}

func (m *TransportManager) State() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionState(m.fusedState.Load())
}

func (m *TransportManager) Negotiate(throttled bool) {
	m.publisher.Negotiate(throttled)
}

func (m *TransportManager) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := m.publisher.AddTrack(track)
	if err != nil {
		if l := m.getListener(); l != nil {
			l.OnLocalTrackAddFailure(track.ID(), track.Kind(), err)
		}
		return nil, err
	}
	if l := m.getListener(); l != nil {
		l.OnLocalTrackAdded(sender)
	}
	m.Negotiate(true)
	return sender, nil
}

func (m *TransportManager) RemoveTrack(sender Sender) error {
	if sender == nil {
		return nil
	}
	err := m.publisher.RemoveTrack(sender)
	if err != nil {
		m.params.Logger.Warnw("could not remove track from publisher", err, "trackID", sender.ID())
		return err
	}
	if l := m.getListener(); l != nil {
		l.OnLocalTrackRemoved(sender.ID(), sender.Kind())
	}
	m.Negotiate(true)
	return nil
}

// HandleRemoteOffer applies a server offer on the subscriber; the generated
// answer surfaces through OnSubscriberAnswer.
func (m *TransportManager) HandleRemoteOffer(sd webrtc.SessionDescription) {
	if err := m.subscriber.SetRemoteDescription(sd); err != nil {
		if l := m.getListener(); l != nil {
			l.OnSdpOperationFailed(livekit.SignalTarget_SUBSCRIBER, err)
		}
	}
}

// HandleRemoteAnswer applies a server answer on the publisher.
func (m *TransportManager) HandleRemoteAnswer(sd webrtc.SessionDescription) {
	if err := m.publisher.SetRemoteDescription(sd); err != nil {
		if l := m.getListener(); l != nil {
			l.OnSdpOperationFailed(livekit.SignalTarget_PUBLISHER, err)
		}
	}
}

func (m *TransportManager) AddICECandidate(target livekit.SignalTarget, candidate webrtc.ICECandidateInit) {
	var err error
	if target == livekit.SignalTarget_SUBSCRIBER {
		err = m.subscriber.AddICECandidate(candidate)
	} else {
		err = m.publisher.AddICECandidate(candidate)
	}
	if err != nil {
		m.params.Logger.Warnw("could not add remote ICE candidate", err, "target", target)
	}
}

func (m *TransportManager) SetAudioPlayout(enabled bool)   { m.audioPlayout.Store(enabled) }
func (m *TransportManager) AudioPlayout() bool             { return m.audioPlayout.Load() }
func (m *TransportManager) SetAudioRecording(enabled bool) { m.audioRecording.Store(enabled) }
func (m *TransportManager) AudioRecording() bool           { return m.audioRecording.Load() }

// StartPing arms the liveness loop. A zero interval or timeout disables it.
func (m *TransportManager) StartPing() {
	if m.params.PingInterval <= 0 || m.params.PingTimeout <= 0 {
		return
	}
	m.pingMu.Lock()
	defer m.pingMu.Unlock()
	if m.pingStop != nil {
		return
	}
	stop := make(chan struct{})
	m.pingStop = stop
	go m.pingWorker(stop)
}

func (m *TransportManager) pingWorker(stop chan struct{}) {
	ticker := time.NewTicker(m.params.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if l := m.getListener(); l != nil {
				l.OnPingRequired()
			}
			m.armPongTimeout()
		}
	}
}

func (m *TransportManager) armPongTimeout() {
	m.pingMu.Lock()
	defer m.pingMu.Unlock()
	if m.pingStop == nil || m.pongTimer != nil {
		return
	}
	m.pongTimer = time.AfterFunc(m.params.PingTimeout, func() {
		if l := m.getListener(); l != nil {
			l.OnPingTimeout()
		}
	})
}

func (m *TransportManager) NotifyPongReceived() {
	m.pingMu.Lock()
	defer m.pingMu.Unlock()
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
}

func (m *TransportManager) StopPing() {
	m.pingMu.Lock()
	defer m.pingMu.Unlock()
	if m.pingStop != nil {
		close(m.pingStop)
		m.pingStop = nil
	}
	if m.pongTimer != nil {
		m.pongTimer.Stop()
		m.pongTimer = nil
	}
}

func (m *TransportManager) PublisherLocalDescription() *webrtc.SessionDescription {
	return m.publisher.LocalDescription()
}

func (m *TransportManager) SubscriberLocalDescription() *webrtc.SessionDescription {
	return m.subscriber.LocalDescription()
}

// LocalDataChannelInfos reports the publisher data channels for sync state,
// but only once the local description actually negotiated an application
// media section.
func (m *TransportManager) LocalDataChannelInfos() []*livekit.DataChannelInfo {
	desc := m.publisher.LocalDescription()
	if desc == nil {
		return nil
	}
	parsed := sdp.SessionDescription{}
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		m.params.Logger.Warnw("could not parse publisher local description", err)
		return nil
	}
	hasApplication := false
	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media == "application" {
			hasApplication = true
			break
		}
	}
	if !hasApplication {
		return nil
	}

	var infos []*livekit.DataChannelInfo
	for _, dc := range []DataChannel{m.reliableDC, m.lossyDC} {
		if dc == nil || dc.ID() == nil {
			continue
		}
		infos = append(infos, &livekit.DataChannelInfo{
			Label:  dc.Label(),
			Id:     uint32(*dc.ID()),
			Target: livekit.SignalTarget_PUBLISHER,
		})
	}
	return infos
}

// WritePLI asks the remote publisher for a keyframe of the given stream.
func (m *TransportManager) WritePLI(ssrc uint32) error {
	return m.subscriber.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: ssrc},
	})
}

func (m *TransportManager) GetStats() StatsReport {
	return StatsReport{
		Publisher:  m.publisher.GetStats(),
		Subscriber: m.subscriber.GetStats(),
	}
}

// Close stops ping, detaches the listener and tears down publisher then
// subscriber. Idempotent.
func (m *TransportManager) Close() {
	m.closed.Once(func() {
		m.StopPing()
		m.SetListener(nil)
		m.publisher.Close()
		m.subscriber.Close()
	})
}
