package session

import (
	"sync"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"

	"github.com/livekit/protocol/livekit"

	"github.com/whoyao/livekit-client/pkg/e2ee"
	"github.com/whoyao/livekit-client/pkg/media"
	"github.com/whoyao/livekit-client/pkg/rtc"
)

type LocalTrackState int

const (
	// no sender attached
	LocalTrackStateCreated LocalTrackState = iota
	// sender attached, add-track request in flight
	LocalTrackStatePublishing
	// server assigned a sid
	LocalTrackStatePublished
	// detached and erased
	LocalTrackStateRemoved
)

type LocalTrackOptions struct {
	Name              string
	Source            livekit.TrackSource
	Stream            string
	Width             uint32
	Height            uint32
	Stereo            bool
	DisableRed        bool
	AudioFeatures     []livekit.AudioTrackFeature
	BackupCodecPolicy livekit.BackupCodecPolicy
}

// LocalTrack binds a capture device to its published state. The cid is
// generated locally, the sid arrives with TrackPublishedResponse.
type LocalTrack struct {
	cid        string
	kind       livekit.TrackType
	encryption livekit.Encryption_Type
	opts       LocalTrackOptions

	device media.Device
	local  *webrtc.TrackLocalStaticSample

	mu      sync.RWMutex
	sid     string
	muted   bool
	state   LocalTrackState
	sender  rtc.Sender
	cryptor *e2ee.FrameCryptor
	started bool
}

func newLocalTrack(cid string, kind livekit.TrackType, encryption livekit.Encryption_Type,
	device media.Device, opts LocalTrackOptions) (*LocalTrack, error) {
	stream := opts.Stream
	if stream == "" {
		stream = opts.Source.String()
	}
	local, err := webrtc.NewTrackLocalStaticSample(device.Codec(), cid, stream)
	if err != nil {
		return nil, err
	}
	if opts.Name == "" {
		opts.Name = device.ID()
	}
	return &LocalTrack{
		cid:        cid,
		kind:       kind,
		encryption: encryption,
		opts:       opts,
		device:     device,
		local:      local,
	}, nil
}

func (t *LocalTrack) Cid() string                         { return t.cid }
func (t *LocalTrack) Kind() livekit.TrackType             { return t.kind }
func (t *LocalTrack) Encryption() livekit.Encryption_Type { return t.encryption }
func (t *LocalTrack) Device() media.Device                { return t.device }
func (t *LocalTrack) Media() webrtc.TrackLocal            { return t.local }

func (t *LocalTrack) Sid() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sid
}

func (t *LocalTrack) State() LocalTrackState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

func (t *LocalTrack) Muted() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.muted
}

func (t *LocalTrack) SetMuted(muted bool) {
	t.mu.Lock()
	t.muted = muted
	t.mu.Unlock()
}

func (t *LocalTrack) Sender() rtc.Sender {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sender
}

func (t *LocalTrack) Cryptor() *e2ee.FrameCryptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cryptor
}

func (t *LocalTrack) AudioFeatures() []livekit.AudioTrackFeature {
	return t.opts.AudioFeatures
}

// setPublished records the server-assigned sid.
func (t *LocalTrack) setPublished(sid string) {
	t.mu.Lock()
	t.sid = sid
	if t.state == LocalTrackStatePublishing {
		t.state = LocalTrackStatePublished
	}
	t.mu.Unlock()
}

// mediaAttached is called once the sender exists on the publisher
// transport, with the cryptor (if any) already installed. The device starts
// feeding only now, so mute requests take effect immediately.
func (t *LocalTrack) mediaAttached(sender rtc.Sender, cryptor *e2ee.FrameCryptor) error {
	t.mu.Lock()
	t.sender = sender
	t.cryptor = cryptor
	t.state = LocalTrackStatePublishing
	start := !t.started
	t.started = true
	t.mu.Unlock()
	if start {
		return t.device.Start(t)
	}
	return nil
}

// mediaDetached reverts the track to its created state. The device keeps
// running; samples are dropped until a transport re-attaches.
func (t *LocalTrack) mediaDetached() {
	t.mu.Lock()
	t.sender = nil
	t.cryptor = nil
	t.sid = ""
	if t.state != LocalTrackStateRemoved {
		t.state = LocalTrackStateCreated
	}
	t.mu.Unlock()
}

func (t *LocalTrack) remove() {
	t.mu.Lock()
	t.sender = nil
	t.cryptor = nil
	t.state = LocalTrackStateRemoved
	t.mu.Unlock()
	t.device.Stop()
}

// WriteSample implements media.SampleWriter. Frames written while the track
// is muted or detached are dropped; encrypted tracks run the sample through
// the frame cryptor before it reaches the transport.
func (t *LocalTrack) WriteSample(sample pionmedia.Sample) error {
	t.mu.RLock()
	state := t.state
	muted := t.muted
	cryptor := t.cryptor
	t.mu.RUnlock()

	if muted || (state != LocalTrackStatePublishing && state != LocalTrackStatePublished) {
		return nil
	}
	if cryptor != nil {
		encrypted, err := cryptor.EncryptFrame(sample.Data)
		if err != nil {
			return err
		}
		sample.Data = encrypted
	}
	return t.local.WriteSample(sample)
}

func (t *LocalTrack) fillAddTrackRequest() *livekit.AddTrackRequest {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return &livekit.AddTrackRequest{
		Cid:               t.cid,
		Name:              t.opts.Name,
		Type:              t.kind,
		Source:            t.opts.Source,
		Width:             t.opts.Width,
		Height:            t.opts.Height,
		Muted:             t.muted,
		Sid:               t.sid,
		Stereo:            t.opts.Stereo,
		DisableRed:        t.opts.DisableRed,
		Encryption:        t.encryption,
		Stream:            t.opts.Stream,
		BackupCodecPolicy: t.opts.BackupCodecPolicy,
	}
}
