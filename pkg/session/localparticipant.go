package session

import (
	"sync"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/utils"

	"github.com/whoyao/livekit-client/pkg/media"
)

// LocalParticipant holds the session's own identity and the local tracks it
// intends to publish. Identity fields are readable from any goroutine.
type LocalParticipant struct {
	mu         sync.RWMutex
	info       *livekit.ParticipantInfo
	sid        string
	identity   string
	name       string
	metadata   string
	attributes map[string]string
	kind       livekit.ParticipantInfo_Kind
	permission *livekit.ParticipantPermission

	audioTracks []*LocalTrack
	videoTracks []*LocalTrack
}

func NewLocalParticipant() *LocalParticipant {
	return &LocalParticipant{
		attributes: map[string]string{},
	}
}

func (p *LocalParticipant) Sid() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sid
}

func (p *LocalParticipant) Identity() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.identity
}

func (p *LocalParticipant) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

func (p *LocalParticipant) Metadata() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.metadata
}

func (p *LocalParticipant) Attributes() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	attrs := make(map[string]string, len(p.attributes))
	for k, v := range p.attributes {
		attrs[k] = v
	}
	return attrs
}

func (p *LocalParticipant) Kind() livekit.ParticipantInfo_Kind {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.kind
}

func (p *LocalParticipant) Permission() *livekit.ParticipantPermission {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.permission
}

func (p *LocalParticipant) Info() *livekit.ParticipantInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info
}

// SetInfo replaces the identity fields and reports whether anything moved.
func (p *LocalParticipant) SetInfo(info *livekit.ParticipantInfo) bool {
	if info == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := p.sid != info.Sid ||
		p.identity != info.Identity ||
		p.name != info.Name ||
		p.metadata != info.Metadata ||
		len(p.attributes) != len(info.Attributes)
	if !changed {
		for k, v := range info.Attributes {
			if p.attributes[k] != v {
				changed = true
				break
			}
		}
	}
	p.info = info
	p.sid = info.Sid
	p.identity = info.Identity
	p.name = info.Name
	p.metadata = info.Metadata
	p.kind = info.Kind
	p.permission = info.Permission
	p.attributes = make(map[string]string, len(info.Attributes))
	for k, v := range info.Attributes {
		p.attributes[k] = v
	}
	return changed
}

func (p *LocalParticipant) clearSid() {
	p.mu.Lock()
	p.sid = ""
	p.mu.Unlock()
}

// AddAudioTrack wraps a device as a publishable audio track. Ownership of
// the device is shared with the track from here on.
func (p *LocalParticipant) AddAudioTrack(device media.Device, encryption livekit.Encryption_Type, opts LocalTrackOptions) (*LocalTrack, error) {
	if opts.Source == livekit.TrackSource_UNKNOWN {
		opts.Source = livekit.TrackSource_MICROPHONE
	}
	track, err := newLocalTrack(utils.NewGuid(utils.TrackPrefix), livekit.TrackType_AUDIO, encryption, device, opts)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.audioTracks = append(p.audioTracks, track)
	p.mu.Unlock()
	return track, nil
}

func (p *LocalParticipant) AddVideoTrack(device media.Device, encryption livekit.Encryption_Type, opts LocalTrackOptions) (*LocalTrack, error) {
	if opts.Source == livekit.TrackSource_UNKNOWN {
		opts.Source = livekit.TrackSource_CAMERA
	}
	track, err := newLocalTrack(utils.NewGuid(utils.TrackPrefix), livekit.TrackType_VIDEO, encryption, device, opts)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.videoTracks = append(p.videoTracks, track)
	p.mu.Unlock()
	return track, nil
}

// RemoveTrack erases the track by identity and returns it for transport
// detach, or nil when unknown.
func (p *LocalParticipant) RemoveTrack(track *LocalTrack) *LocalTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, t := range p.audioTracks {
		if t == track {
			p.audioTracks = append(p.audioTracks[:i], p.audioTracks[i+1:]...)
			return t
		}
	}
	for i, t := range p.videoTracks {
		if t == track {
			p.videoTracks = append(p.videoTracks[:i], p.videoTracks[i+1:]...)
			return t
		}
	}
	return nil
}

// Track looks a track up by cid or sid. A TrackType_DATA hint means no
// hint: audio is searched before video.
func (p *LocalParticipant) Track(id string, byCid bool, hint livekit.TrackType) *LocalTrack {
	p.mu.RLock()
	defer p.mu.RUnlock()
	match := func(t *LocalTrack) bool {
		if byCid {
			return t.Cid() == id
		}
		return t.Sid() == id
	}
	if hint != livekit.TrackType_VIDEO {
		for _, t := range p.audioTracks {
			if match(t) {
				return t
			}
		}
	}
	if hint != livekit.TrackType_AUDIO {
		for _, t := range p.videoTracks {
			if match(t) {
				return t
			}
		}
	}
	return nil
}

func (p *LocalParticipant) Tracks() []*LocalTrack {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tracks := make([]*LocalTrack, 0, len(p.audioTracks)+len(p.videoTracks))
	tracks = append(tracks, p.audioTracks...)
	tracks = append(tracks, p.videoTracks...)
	return tracks
}

// SetTrackMuted flips the muted bit of the matching track. Returns false
// when no local track carries the sid, so the caller can try the remotes.
func (p *LocalParticipant) SetTrackMuted(sid string, muted bool) bool {
	track := p.Track(sid, false, livekit.TrackType_DATA)
	if track == nil {
		return false
	}
	track.SetMuted(muted)
	return true
}
