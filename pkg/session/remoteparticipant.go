package session

import (
	"sync"

	"github.com/livekit/protocol/livekit"
)

// RemoteParticipant mirrors one server-side participant and owns the bound
// remote tracks.
type RemoteParticipant struct {
	mu     sync.RWMutex
	info   *livekit.ParticipantInfo
	tracks map[string]*RemoteTrack // by track sid
}

func newRemoteParticipant(info *livekit.ParticipantInfo) *RemoteParticipant {
	return &RemoteParticipant{
		info:   info,
		tracks: make(map[string]*RemoteTrack),
	}
}

func (p *RemoteParticipant) Sid() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.GetSid()
}

func (p *RemoteParticipant) Identity() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info.GetIdentity()
}

func (p *RemoteParticipant) Info() *livekit.ParticipantInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.info
}

func (p *RemoteParticipant) setInfo(info *livekit.ParticipantInfo) {
	p.mu.Lock()
	p.info = info
	for _, ti := range info.GetTracks() {
		if t, ok := p.tracks[ti.GetSid()]; ok {
			t.setInfo(ti)
		}
	}
	p.mu.Unlock()
}

// trackInfo returns the advertised TrackInfo for a sid, bound or not.
func (p *RemoteParticipant) trackInfo(sid string) *livekit.TrackInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ti := range p.info.GetTracks() {
		if ti.GetSid() == sid {
			return ti
		}
	}
	return nil
}

func (p *RemoteParticipant) Track(sid string) *RemoteTrack {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tracks[sid]
}

func (p *RemoteParticipant) Tracks() []*RemoteTrack {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tracks := make([]*RemoteTrack, 0, len(p.tracks))
	for _, t := range p.tracks {
		tracks = append(tracks, t)
	}
	return tracks
}

func (p *RemoteParticipant) addTrack(t *RemoteTrack) {
	p.mu.Lock()
	p.tracks[t.Sid()] = t
	p.mu.Unlock()
}

func (p *RemoteParticipant) removeTrack(sid string) *RemoteTrack {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.tracks[sid]
	delete(p.tracks, sid)
	return t
}

func (p *RemoteParticipant) setTrackMuted(sid string, muted bool) bool {
	p.mu.RLock()
	t := p.tracks[sid]
	p.mu.RUnlock()
	if t == nil {
		return false
	}
	t.setMuted(muted)
	return true
}

// dispose stops every bound track and empties the participant.
func (p *RemoteParticipant) dispose() {
	p.mu.Lock()
	tracks := p.tracks
	p.tracks = make(map[string]*RemoteTrack)
	p.mu.Unlock()
	for _, t := range tracks {
		t.stop()
	}
}
