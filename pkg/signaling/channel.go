package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/whoyao/livekit-client/pkg/config"
)

type ChannelState int32

const (
	ChannelDisconnected ChannelState = iota
	ChannelConnecting
	ChannelConnected
	ChannelDisconnecting
)

func (s ChannelState) String() string {
	switch s {
	case ChannelDisconnected:
		return "disconnected"
	case ChannelConnecting:
		return "connecting"
	case ChannelConnected:
		return "connected"
	case ChannelDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

var (
	ErrNotConnected     = errors.New("signal channel is not connected")
	ErrAlreadyConnected = errors.New("signal channel is already connected")
)

// WebsocketConn is the subset of a gorilla connection the channel uses.
type WebsocketConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFn opens the websocket. Overridable in tests.
type DialFn func(ctx context.Context, url string, header http.Header) (WebsocketConn, error)

func defaultDial(ctx context.Context, u string, header http.Header) (WebsocketConn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, header) //nolint:bodyclose
	return conn, err
}

type ChannelParams struct {
	Options config.ConnectOptions
	Dial    DialFn
	Logger  logger.Logger
}

// Channel is the framed, ordered, full-duplex control plane to the SFU.
// Outbound requests are protobuf-encoded SignalRequests, inbound frames are
// decoded into SignalResponses and demuxed onto the listener.
type Channel struct {
	params   ChannelParams
	listener ChannelListener

	state atomic.Int32

	mu       sync.Mutex // guards conn and writes
	conn     WebsocketConn
	readDone chan struct{}

	participantSid atomic.String
}

func NewChannel(params ChannelParams) *Channel {
	if params.Dial == nil {
		params.Dial = defaultDial
	}
	if params.Logger == nil {
		params.Logger = logger.GetLogger().WithValues("component", "signaling")
	}
	return &Channel{params: params}
}

func (c *Channel) SetListener(l ChannelListener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

func (c *Channel) getListener() ChannelListener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listener
}

func (c *Channel) State() ChannelState {
	return ChannelState(c.state.Load())
}

// SetParticipantSid arms the resume hint: the next Connect advertises
// reconnect=1 with the given sid. Empty clears it.
func (c *Channel) SetParticipantSid(sid string) {
	c.participantSid.Store(sid)
}

func (c *Channel) ParticipantSid() string {
	return c.participantSid.Load()
}

// Connect opens the channel. The URL carries the connection parameters, the
// token travels in an Authorization header.
func (c *Channel) Connect(ctx context.Context, host, token string) error {
	if !c.state.CompareAndSwap(int32(ChannelDisconnected), int32(ChannelConnecting)) {
		return ErrAlreadyConnected
	}
	c.notifyState(ChannelConnecting)

	u, err := c.buildURL(host)
	if err != nil {
		c.toDisconnected()
		return err
	}

	header := make(http.Header)
	header.Set("Authorization", "Bearer "+token)

	conn, err := c.params.Dial(ctx, u, header)
	if err != nil {
		c.toDisconnected()
		return fmt.Errorf("failed to dial %s: %w", host, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.readDone = make(chan struct{})
	c.mu.Unlock()

	c.state.Store(int32(ChannelConnected))
	c.notifyState(ChannelConnected)

	go c.readLoop(conn, c.readDone)
	return nil
}

// Close shuts the channel down. Safe to call at any time, from any state.
func (c *Channel) Close() {
	if !c.state.CompareAndSwap(int32(ChannelConnected), int32(ChannelDisconnecting)) {
		return
	}
	c.notifyState(ChannelDisconnecting)

	c.mu.Lock()
	conn := c.conn
	done := c.readDone
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	c.toDisconnected()
}

func (c *Channel) toDisconnected() {
	c.state.Store(int32(ChannelDisconnected))
	c.notifyState(ChannelDisconnected)
}

func (c *Channel) notifyState(state ChannelState) {
	if l := c.getListener(); l != nil {
		l.OnChannelStateChanged(state)
	}
}

func (c *Channel) buildURL(host string) (string, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("failed to parse url %q: %w", host, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/rtc") {
		u.Path += "/rtc"
	}

	opts := &c.params.Options
	values := url.Values{}
	values.Set("protocol", strconv.Itoa(int(opts.ClientInfo.Protocol)))
	values.Set("sdk", "go")
	values.Set("version", opts.ClientInfo.Version)
	values.Set("os", opts.ClientInfo.OS)
	values.Set("auto_subscribe", boolParam(opts.AutoSubscribe))
	values.Set("adaptive_stream", boolParam(opts.AdaptiveStream))
	if opts.Publish != "" {
		values.Set("publish", opts.Publish)
	}
	if sid := c.participantSid.Load(); sid != "" {
		values.Set("reconnect", "1")
		values.Set("sid", sid)
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func boolParam(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (c *Channel) readLoop(conn WebsocketConn, done chan struct{}) {
	defer close(done)
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			if c.State() == ChannelDisconnecting {
				// deliberate close
				return
			}
			if l := c.getListener(); l != nil {
				l.OnChannelError(err)
			}
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			c.toDisconnected()
			return
		}

		res := &livekit.SignalResponse{}
		switch messageType {
		case websocket.BinaryMessage:
			err = proto.Unmarshal(payload, res)
		case websocket.TextMessage:
			err = protojson.Unmarshal(payload, res)
		default:
			continue
		}
		if err != nil {
			c.params.Logger.Warnw("failed to decode signal response", err)
			if l := c.getListener(); l != nil {
				l.OnParseError(err)
			}
			continue
		}
		c.dispatch(res)
	}
}

// SendRequest encodes and enqueues one request. Fails unless the channel is
// connected.
func (c *Channel) SendRequest(req *livekit.SignalRequest) error {
	if c.State() != ChannelConnected {
		return ErrNotConnected
	}
	payload, err := proto.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal signal request: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (c *Channel) SendOffer(sdp *livekit.SessionDescription) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Offer{Offer: sdp},
	})
}

func (c *Channel) SendAnswer(sdp *livekit.SessionDescription) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Answer{Answer: sdp},
	})
}

func (c *Channel) SendTrickle(req *livekit.TrickleRequest) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Trickle{Trickle: req},
	})
}

func (c *Channel) SendAddTrack(req *livekit.AddTrackRequest) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_AddTrack{AddTrack: req},
	})
}

func (c *Channel) SendMuteTrack(sid string, muted bool) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Mute{
			Mute: &livekit.MuteTrackRequest{Sid: sid, Muted: muted},
		},
	})
}

func (c *Channel) SendSubscription(req *livekit.UpdateSubscription) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Subscription{Subscription: req},
	})
}

func (c *Channel) SendTrackSettings(req *livekit.UpdateTrackSettings) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_TrackSetting{TrackSetting: req},
	})
}

func (c *Channel) SendUpdateVideoLayers(req *livekit.UpdateVideoLayers) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_UpdateLayers{UpdateLayers: req},
	})
}

func (c *Channel) SendSubscriptionPermission(req *livekit.SubscriptionPermission) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_SubscriptionPermission{SubscriptionPermission: req},
	})
}

func (c *Channel) SendLeave(reason livekit.DisconnectReason, action livekit.LeaveRequest_Action) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Leave{
			Leave: &livekit.LeaveRequest{Reason: reason, Action: action},
		},
	})
}

func (c *Channel) SendPing(ping *livekit.Ping) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_PingReq{PingReq: ping},
	})
}

func (c *Channel) SendUpdateAudioTrack(req *livekit.UpdateLocalAudioTrack) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_UpdateAudioTrack{UpdateAudioTrack: req},
	})
}

func (c *Channel) SendUpdateVideoTrack(req *livekit.UpdateLocalVideoTrack) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_UpdateVideoTrack{UpdateVideoTrack: req},
	})
}

func (c *Channel) SendUpdateMetadata(req *livekit.UpdateParticipantMetadata) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_UpdateMetadata{UpdateMetadata: req},
	})
}

func (c *Channel) SendSyncState(req *livekit.SyncState) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_SyncState{SyncState: req},
	})
}

func (c *Channel) SendSimulate(req *livekit.SimulateScenario) error {
	return c.SendRequest(&livekit.SignalRequest{
		Message: &livekit.SignalRequest_Simulate{Simulate: req},
	})
}
