package session

import (
	"context"
	"sync"
	"time"

	"github.com/frostbyte73/core"
	goversion "github.com/hashicorp/go-version"
	"go.uber.org/atomic"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/whoyao/livekit-client/pkg/config"
	"github.com/whoyao/livekit-client/pkg/e2ee"
	"github.com/whoyao/livekit-client/pkg/media"
	"github.com/whoyao/livekit-client/pkg/rtc"
	"github.com/whoyao/livekit-client/pkg/signaling"
)

const defaultEventBuffer = 256

// SignalClient is the slice of the signaling channel the engine drives.
// *signaling.Channel implements it; tests substitute fakes.
type SignalClient interface {
	SetListener(l signaling.ChannelListener)
	Connect(ctx context.Context, host, token string) error
	Close()
	State() signaling.ChannelState
	SetParticipantSid(sid string)

	SendOffer(sdp *livekit.SessionDescription) error
	SendAnswer(sdp *livekit.SessionDescription) error
	SendTrickle(req *livekit.TrickleRequest) error
	SendAddTrack(req *livekit.AddTrackRequest) error
	SendMuteTrack(sid string, muted bool) error
	SendSubscription(req *livekit.UpdateSubscription) error
	SendTrackSettings(req *livekit.UpdateTrackSettings) error
	SendLeave(reason livekit.DisconnectReason, action livekit.LeaveRequest_Action) error
	SendPing(ping *livekit.Ping) error
	SendUpdateAudioTrack(req *livekit.UpdateLocalAudioTrack) error
	SendUpdateVideoTrack(req *livekit.UpdateLocalVideoTrack) error
	SendUpdateMetadata(req *livekit.UpdateParticipantMetadata) error
	SendSyncState(req *livekit.SyncState) error
	SendSimulate(req *livekit.SimulateScenario) error
}

type EngineParams struct {
	Options config.ConnectOptions
	// Signal defaults to a websocket channel built from Options.
	Signal SignalClient
	// Factory defaults to the pion-backed implementation.
	Factory     rtc.PeerConnectionFactory
	KeyProvider *e2ee.KeyProvider
	Logger      logger.Logger
	EventBuffer int
}

// Engine is the session engine: it binds the signal channel, the two peer
// transports, the participant/track model and the liveness policy into one
// observable state machine. All state mutation is serialized on a single
// worker goroutine.
type Engine struct {
	params EngineParams
	logger logger.Logger

	signal  SignalClient
	factory rtc.PeerConnectionFactory

	events chan SessionEvent
	state  atomic.Int32 // SessionState

	ops     opQueue
	closed  core.Fuse
	stopped chan struct{}

	local     *LocalParticipant
	remotes   *RemoteParticipants
	localDCs  *DataChannelsStorage
	remoteDCs *DataChannelsStorage

	keyProvider atomic.Pointer[e2ee.KeyProvider]

	mu                sync.Mutex
	manager           *rtc.TransportManager
	joinResponse      *livekit.JoinResponse
	url               string
	token             string
	reconnectAttempts uint32
	disconnecting     bool
	cleanedUp         bool
}

func NewEngine(params EngineParams) *Engine {
	if params.Logger == nil {
		params.Logger = logger.GetLogger().WithValues("component", "session")
	}
	if params.EventBuffer <= 0 {
		params.EventBuffer = defaultEventBuffer
	}
	if params.Factory == nil {
		params.Factory = rtc.NewPionFactory()
	}
	e := &Engine{
		params:  params,
		logger:  params.Logger,
		factory: params.Factory,
		events:  make(chan SessionEvent, params.EventBuffer),
		stopped: make(chan struct{}),
		local:   NewLocalParticipant(),
	}
	if params.Signal != nil {
		e.signal = params.Signal
	} else {
		e.signal = signaling.NewChannel(signaling.ChannelParams{
			Options: params.Options,
			Logger:  params.Logger.WithValues("component", "signaling"),
		})
	}
	if params.KeyProvider != nil {
		e.keyProvider.Store(params.KeyProvider)
	}
	e.remotes = newRemoteParticipants(remoteParticipantsParams{
		keyProvider: e.KeyProvider,
		observer:    cryptorObserver{e},
		writePLI:    e.writePLI,
		listener:    e,
		logger:      params.Logger.WithValues("component", "remote_participants"),
	})
	e.localDCs = newDataChannelsStorage(true, nil, params.Logger.WithValues("dc", "local"))
	e.remoteDCs = newDataChannelsStorage(false, e, params.Logger.WithValues("dc", "remote"))

	e.ops.init()
	e.signal.SetListener(e)
	go e.opsLoop()
	return e
}

// Events returns the bounded event stream. Consume it promptly; the engine
// drops events rather than block its worker.
func (e *Engine) Events() <-chan SessionEvent {
	return e.events
}

func (e *Engine) State() SessionState {
	return SessionState(e.state.Load())
}

func (e *Engine) LocalParticipant() *LocalParticipant {
	return e.local
}

func (e *Engine) RemoteParticipants() []*RemoteParticipant {
	return e.remotes.List()
}

func (e *Engine) RemoteParticipant(sid string) *RemoteParticipant {
	return e.remotes.Get(sid)
}

func (e *Engine) KeyProvider() *e2ee.KeyProvider {
	return e.keyProvider.Load()
}

// SetKeyProvider installs the end-to-end key provider. The stored SIF
// trailer (if a join already happened) is carried over.
func (e *Engine) SetKeyProvider(provider *e2ee.KeyProvider) {
	if provider != nil {
		e.mu.Lock()
		join := e.joinResponse
		e.mu.Unlock()
		if join != nil {
			provider.SetSifTrailer(join.GetSifTrailer())
		}
	}
	e.keyProvider.Store(provider)
}

// Connect opens the signal channel. The rest of the join runs off the
// server's JoinResponse.
func (e *Engine) Connect(ctx context.Context, url, token string) error {
	e.mu.Lock()
	e.url = url
	e.token = token
	e.disconnecting = false
	e.mu.Unlock()
	return e.signal.Connect(ctx, url, token)
}

// Disconnect leaves the room and tears the session down. Idempotent.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	if e.disconnecting {
		e.mu.Unlock()
		return
	}
	e.disconnecting = true
	e.mu.Unlock()

	if e.signal.State() == signaling.ChannelConnected {
		if err := e.signal.SendLeave(livekit.DisconnectReason_CLIENT_INITIATED, livekit.LeaveRequest_DISCONNECT); err != nil {
			e.logger.Warnw("could not send leave request", err)
		}
	}
	e.signal.SetParticipantSid("")
	e.post(func() { e.cleanup(nil) })
}

// Close disconnects and stops the engine worker. The engine cannot be
// reused afterwards.
func (e *Engine) Close() {
	e.closed.Once(func() {
		e.Disconnect()
		e.ops.close()
		<-e.stopped
	})
}

// AddAudioTrack wraps the device as a local audio track and starts
// publishing it.
func (e *Engine) AddAudioTrack(device media.Device, encryption livekit.Encryption_Type, opts LocalTrackOptions) (*LocalTrack, error) {
	track, err := e.local.AddAudioTrack(device, encryption, opts)
	if err != nil {
		return nil, err
	}
	e.post(func() { e.attachTrack(track) })
	return track, nil
}

func (e *Engine) AddVideoTrack(device media.Device, encryption livekit.Encryption_Type, opts LocalTrackOptions) (*LocalTrack, error) {
	track, err := e.local.AddVideoTrack(device, encryption, opts)
	if err != nil {
		return nil, err
	}
	e.post(func() { e.attachTrack(track) })
	return track, nil
}

// RemoveLocalTrack unpublishes and stops the track.
func (e *Engine) RemoveLocalTrack(track *LocalTrack) {
	if e.local.RemoveTrack(track) == nil {
		return
	}
	e.post(func() {
		sender := track.Sender()
		track.remove()
		e.mu.Lock()
		manager := e.manager
		e.mu.Unlock()
		if manager != nil && sender != nil {
			_ = manager.RemoveTrack(sender)
		}
	})
}

// SetTrackMuted mutes or unmutes a local track, reconciling with the
// server once the track is published.
func (e *Engine) SetTrackMuted(track *LocalTrack, muted bool) {
	track.SetMuted(muted)
	if sid := track.Sid(); sid != "" {
		if err := e.signal.SendMuteTrack(sid, muted); err != nil {
			e.logger.Warnw("could not send mute request", err, "trackID", sid)
		}
	}
}

func (e *Engine) SendUserPacket(payload []byte, reliable bool, topic string, destinationSids, destinationIdentities []string) bool {
	return e.localDCs.SendUserPacket(payload, reliable, topic, destinationSids, destinationIdentities)
}

func (e *Engine) SendChatMessage(message string, deleted, generated bool, destinationIdentities []string) bool {
	return e.localDCs.SendChatMessage(message, deleted, generated, destinationIdentities)
}

// SetSubscribed updates the subscription state of the given track sids.
func (e *Engine) SetSubscribed(subscribe bool, trackSids ...string) error {
	return e.signal.SendSubscription(&livekit.UpdateSubscription{
		TrackSids: trackSids,
		Subscribe: subscribe,
	})
}

func (e *Engine) SendTrackSettings(req *livekit.UpdateTrackSettings) error {
	return e.signal.SendTrackSettings(req)
}

func (e *Engine) SendSimulate(req *livekit.SimulateScenario) error {
	return e.signal.SendSimulate(req)
}

func (e *Engine) UpdateMetadata(metadata string) error {
	return e.signal.SendUpdateMetadata(&livekit.UpdateParticipantMetadata{Metadata: metadata})
}

func (e *Engine) UpdateName(name string) error {
	return e.signal.SendUpdateMetadata(&livekit.UpdateParticipantMetadata{
		Metadata: e.local.Metadata(),
		Name:     name,
	})
}

func (e *Engine) UpdateAttributes(attributes map[string]string) error {
	return e.signal.SendUpdateMetadata(&livekit.UpdateParticipantMetadata{
		Metadata:   e.local.Metadata(),
		Attributes: attributes,
	})
}

func (e *Engine) SetAudioPlayout(enabled bool) {
	e.mu.Lock()
	manager := e.manager
	e.mu.Unlock()
	if manager != nil {
		manager.SetAudioPlayout(enabled)
	}
}

func (e *Engine) SetAudioRecording(enabled bool) {
	e.mu.Lock()
	manager := e.manager
	e.mu.Unlock()
	if manager != nil {
		manager.SetAudioRecording(enabled)
	}
}

// QueryStats pulls a stats snapshot from both peer transports.
func (e *Engine) QueryStats() rtc.StatsReport {
	e.mu.Lock()
	manager := e.manager
	e.mu.Unlock()
	if manager == nil {
		return rtc.StatsReport{}
	}
	return manager.GetStats()
}

func (e *Engine) writePLI(ssrc uint32) error {
	e.mu.Lock()
	manager := e.manager
	e.mu.Unlock()
	if manager == nil {
		return nil
	}
	return manager.WritePLI(ssrc)
}

// --- worker ---

type opQueue struct {
	mu     sync.Mutex
	ops    []func()
	closed bool
	wake   chan struct{}
}

func (q *opQueue) init() {
	q.wake = make(chan struct{}, 1)
}

func (q *opQueue) push(f func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.ops = append(q.ops, f)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *opQueue) drain() ([]func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ops := q.ops
	q.ops = nil
	return ops, q.closed
}

func (q *opQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// post enqueues a mutation onto the engine worker. Everything that touches
// session state runs there.
func (e *Engine) post(f func()) {
	e.ops.push(f)
}

func (e *Engine) opsLoop() {
	defer close(e.stopped)
	for {
		ops, closed := e.ops.drain()
		for _, op := range ops {
			op()
		}
		if closed {
			return
		}
		<-e.ops.wake
	}
}

// --- state & events ---

func (e *Engine) changeState(state SessionState) {
	if SessionState(e.state.Swap(int32(state))) == state {
		return
	}
	e.emit(StateChangedEvent{State: state})
}

func (e *Engine) emit(event SessionEvent) {
	select {
	case e.events <- event:
	default:
		e.logger.Warnw("event buffer full, dropping event", nil)
	}
}

func (e *Engine) emitError(err *Error) {
	if err == nil {
		return
	}
	e.emit(ErrorEvent{Error: err})
}

// canReplaySyncState gates the resume-time sync-state replay on the server
// being recent enough to accept it.
func (e *Engine) canReplaySyncState(join *livekit.JoinResponse) bool {
	v := join.GetServerInfo().GetVersion()
	if v == "" {
		v = join.GetServerVersion()
	}
	parsed, err := goversion.NewVersion(v)
	if err != nil {
		return false
	}
	minimum := goversion.Must(goversion.NewVersion("1.0.0"))
	return parsed.GreaterThanOrEqual(minimum)
}

func (e *Engine) pingDurations(join *livekit.JoinResponse) (interval, timeout time.Duration) {
	interval = time.Duration(join.GetPingInterval()) * time.Second
	timeout = time.Duration(join.GetPingTimeout()) * time.Second
	if e.params.Options.PingInterval > 0 {
		interval = e.params.Options.PingInterval
	}
	if e.params.Options.PingTimeout > 0 {
		timeout = e.params.Options.PingTimeout
	}
	return interval, timeout
}
