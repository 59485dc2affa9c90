package session

import (
	"errors"
	"io"
	"sync"

	"github.com/pion/rtp"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/whoyao/livekit-client/pkg/e2ee"
	"github.com/whoyao/livekit-client/pkg/rtc"
)

// RemoteTrack is a subscriber receiver bound to a known TrackInfo. For
// encrypted tracks every RTP payload runs through the receiver-side cryptor
// before it reaches the packet callback.
type RemoteTrack struct {
	participantSid string
	receiver       rtc.Receiver
	logger         logger.Logger

	mu      sync.RWMutex
	info    *livekit.TrackInfo
	muted   bool
	cryptor *e2ee.FrameCryptor

	onPacket func(pkt *rtp.Packet)
	onEOF    func(t *RemoteTrack)

	writePLI func(ssrc uint32) error

	stopCh   chan struct{}
	stopOnce sync.Once
}

func newRemoteTrack(participantSid string, info *livekit.TrackInfo, receiver rtc.Receiver,
	cryptor *e2ee.FrameCryptor, writePLI func(ssrc uint32) error, log logger.Logger) *RemoteTrack {
	if log == nil {
		log = logger.GetLogger().WithValues("trackID", info.GetSid())
	}
	return &RemoteTrack{
		participantSid: participantSid,
		receiver:       receiver,
		logger:         log,
		info:           info,
		muted:          info.GetMuted(),
		cryptor:        cryptor,
		writePLI:       writePLI,
		stopCh:         make(chan struct{}),
	}
}

func (t *RemoteTrack) Sid() string            { return t.info.GetSid() }
func (t *RemoteTrack) ParticipantSid() string { return t.participantSid }
func (t *RemoteTrack) Receiver() rtc.Receiver { return t.receiver }

func (t *RemoteTrack) Type() livekit.TrackType {
	return t.info.GetType()
}

func (t *RemoteTrack) Encryption() livekit.Encryption_Type {
	return t.info.GetEncryption()
}

func (t *RemoteTrack) Info() *livekit.TrackInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.info
}

func (t *RemoteTrack) setInfo(info *livekit.TrackInfo) {
	t.mu.Lock()
	t.info = info
	t.mu.Unlock()
}

func (t *RemoteTrack) Muted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.muted
}

func (t *RemoteTrack) setMuted(muted bool) {
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
}

// OnPacket registers the media sink. Must be set before Start.
func (t *RemoteTrack) OnPacket(f func(pkt *rtp.Packet)) {
	t.mu.Lock()
	t.onPacket = f
	t.mu.Unlock()
}

func (t *RemoteTrack) onReaderEOF(f func(t *RemoteTrack)) {
	t.mu.Lock()
	t.onEOF = f
	t.mu.Unlock()
}

// RequestPLI asks the publisher for a keyframe; only meaningful for video.
func (t *RemoteTrack) RequestPLI() error {
	if t.writePLI == nil {
		return nil
	}
	return t.writePLI(t.receiver.SSRC())
}

// start launches the RTP read loop on its own goroutine.
func (t *RemoteTrack) start() {
	go t.readLoop()
}

func (t *RemoteTrack) stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.receiver.Stop()
	})
}

func (t *RemoteTrack) readLoop() {
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		pkt, err := t.receiver.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.logger.Warnw("error reading RTP", err)
			}
			t.mu.RLock()
			onEOF := t.onEOF
			t.mu.RUnlock()
			if onEOF != nil {
				onEOF(t)
			}
			return
		}

		t.mu.RLock()
		cryptor := t.cryptor
		onPacket := t.onPacket
		t.mu.RUnlock()

		if cryptor != nil && len(pkt.Payload) > 0 {
			payload, err := cryptor.DecryptFrame(pkt.Payload)
			if err != nil {
				// cryptor observer reports the state transition
				continue
			}
			pkt.Payload = payload
		}
		if onPacket != nil {
			onPacket(pkt)
		}
	}
}
