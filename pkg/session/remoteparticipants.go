package session

import (
	"sync"

	"github.com/elliotchance/orderedmap/v2"
	"github.com/thoas/go-funk"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"

	"github.com/whoyao/livekit-client/pkg/e2ee"
	"github.com/whoyao/livekit-client/pkg/rtc"
)

type remoteParticipantsListener interface {
	onParticipantConnected(p *RemoteParticipant)
	onParticipantDisconnected(p *RemoteParticipant)
	onParticipantChanged(p *RemoteParticipant)
	onRemoteTrackAdded(t *RemoteTrack)
	onRemoteTrackRemoved(t *RemoteTrack)
	onTrackCryptoError(identity, trackID string, state e2ee.CryptorState)
}

type remoteParticipantsParams struct {
	keyProvider func() *e2ee.KeyProvider
	observer    e2ee.CryptorObserver
	writePLI    func(ssrc uint32) error
	listener    remoteParticipantsListener
	logger      logger.Logger
}

// RemoteParticipants keeps the ordered remote participant set plus the
// orphan buffer for receivers that arrive before their owner's TrackInfo.
type RemoteParticipants struct {
	params remoteParticipantsParams

	mu           sync.RWMutex
	participants *orderedmap.OrderedMap[string, *RemoteParticipant]
	orphans      map[string]rtc.Receiver // by track sid
}

func newRemoteParticipants(params remoteParticipantsParams) *RemoteParticipants {
	if params.logger == nil {
		params.logger = logger.GetLogger().WithValues("component", "remote_participants")
	}
	return &RemoteParticipants{
		params:       params,
		participants: orderedmap.NewOrderedMap[string, *RemoteParticipant](),
		orphans:      make(map[string]rtc.Receiver),
	}
}

func (r *RemoteParticipants) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.participants.Len()
}

func (r *RemoteParticipants) Get(sid string) *RemoteParticipant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, _ := r.participants.Get(sid)
	return p
}

func (r *RemoteParticipants) List() []*RemoteParticipant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]*RemoteParticipant, 0, r.participants.Len())
	for el := r.participants.Front(); el != nil; el = el.Next() {
		list = append(list, el.Value)
	}
	return list
}

// SetInfo seeds the set from a join response, skipping entries that are
// already disconnected.
func (r *RemoteParticipants) SetInfo(infos []*livekit.ParticipantInfo) {
	live := funk.Filter(infos, func(info *livekit.ParticipantInfo) bool {
		return info.GetState() != livekit.ParticipantInfo_DISCONNECTED
	}).([]*livekit.ParticipantInfo)

	var added []*RemoteParticipant
	r.mu.Lock()
	r.participants = orderedmap.NewOrderedMap[string, *RemoteParticipant]()
	for _, info := range live {
		p := newRemoteParticipant(info)
		r.participants.Set(info.GetSid(), p)
		added = append(added, p)
	}
	r.mu.Unlock()

	for _, p := range added {
		r.params.listener.onParticipantConnected(p)
		r.bindOrphans(p)
	}
}

// UpdateInfo applies an incremental participant update: new sids join the
// set, DISCONNECTED entries leave it, the rest are refreshed in place.
func (r *RemoteParticipants) UpdateInfo(infos []*livekit.ParticipantInfo) {
	for _, info := range infos {
		sid := info.GetSid()
		r.mu.Lock()
		existing, ok := r.participants.Get(sid)
		switch {
		case ok && info.GetState() == livekit.ParticipantInfo_DISCONNECTED:
			r.participants.Delete(sid)
			r.mu.Unlock()
			existing.dispose()
			r.params.listener.onParticipantDisconnected(existing)
		case ok:
			r.mu.Unlock()
			existing.setInfo(info)
			r.bindOrphans(existing)
			r.params.listener.onParticipantChanged(existing)
		case info.GetState() != livekit.ParticipantInfo_DISCONNECTED:
			p := newRemoteParticipant(info)
			r.participants.Set(sid, p)
			r.mu.Unlock()
			r.params.listener.onParticipantConnected(p)
			r.bindOrphans(p)
		default:
			r.mu.Unlock()
		}
	}
}

// AddMedia binds a subscriber receiver to the participant advertising its
// track sid, or buffers it as an orphan until the owner catches up.
func (r *RemoteParticipants) AddMedia(receiver rtc.Receiver, trackSid, participantSid string) {
	if owner, info := r.findOwner(trackSid, participantSid); owner != nil {
		r.bind(owner, info, receiver)
		return
	}
	r.mu.Lock()
	r.orphans[trackSid] = receiver
	r.mu.Unlock()
	r.params.logger.Debugw("buffered orphan receiver", "trackID", trackSid)
}

func (r *RemoteParticipants) findOwner(trackSid, participantSid string) (*RemoteParticipant, *livekit.TrackInfo) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if participantSid != "" {
		if p, ok := r.participants.Get(participantSid); ok {
			if info := p.trackInfo(trackSid); info != nil {
				return p, info
			}
		}
	}
	for el := r.participants.Front(); el != nil; el = el.Next() {
		if info := el.Value.trackInfo(trackSid); info != nil {
			return el.Value, info
		}
	}
	return nil, nil
}

// bindOrphans attaches any buffered receiver whose sid appeared in the
// participant's track list.
func (r *RemoteParticipants) bindOrphans(p *RemoteParticipant) {
	type match struct {
		info     *livekit.TrackInfo
		receiver rtc.Receiver
	}
	var matches []match
	r.mu.Lock()
	for sid, receiver := range r.orphans {
		if info := p.trackInfo(sid); info != nil {
			matches = append(matches, match{info: info, receiver: receiver})
			delete(r.orphans, sid)
		}
	}
	r.mu.Unlock()
	for _, m := range matches {
		r.bind(p, m.info, m.receiver)
	}
}

func (r *RemoteParticipants) bind(p *RemoteParticipant, info *livekit.TrackInfo, receiver rtc.Receiver) {
	var cryptor *e2ee.FrameCryptor
	if info.GetEncryption() != livekit.Encryption_NONE {
		provider := r.params.keyProvider()
		if provider == nil {
			r.params.logger.Errorw("no key provider for encrypted track", nil,
				"trackID", info.GetSid(), "participant", p.Identity())
			r.params.listener.onTrackCryptoError(p.Identity(), info.GetSid(), e2ee.CryptorStateInternalError)
			return
		}
		cryptor = e2ee.NewFrameCryptor(p.Identity(), info.GetSid(), provider, r.params.observer)
	}

	track := newRemoteTrack(p.Sid(), info, receiver, cryptor, r.params.writePLI,
		r.params.logger.WithValues("trackID", info.GetSid()))
	track.onReaderEOF(func(t *RemoteTrack) {
		r.RemoveMedia(t.Sid())
	})
	p.addTrack(track)
	track.start()
	r.params.listener.onRemoteTrackAdded(track)
}

// RemoveMedia erases the track (or buffered orphan) with the given sid.
func (r *RemoteParticipants) RemoveMedia(trackSid string) {
	r.mu.Lock()
	if orphan, ok := r.orphans[trackSid]; ok {
		delete(r.orphans, trackSid)
		r.mu.Unlock()
		orphan.Stop()
		return
	}
	r.mu.Unlock()

	for _, p := range r.List() {
		if t := p.removeTrack(trackSid); t != nil {
			t.stop()
			r.params.listener.onRemoteTrackRemoved(t)
			return
		}
	}
}

// SetTrackMuted flips the muted bit of a remote track; reports the owner.
func (r *RemoteParticipants) SetTrackMuted(trackSid string, muted bool) (string, bool) {
	for _, p := range r.List() {
		if p.setTrackMuted(trackSid, muted) {
			return p.Sid(), true
		}
	}
	return "", false
}

func (r *RemoteParticipants) HasOrphan(trackSid string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.orphans[trackSid]
	return ok
}

// Reset silently disposes every participant and buffered receiver.
func (r *RemoteParticipants) Reset() {
	r.mu.Lock()
	participants := r.participants
	orphans := r.orphans
	r.participants = orderedmap.NewOrderedMap[string, *RemoteParticipant]()
	r.orphans = make(map[string]rtc.Receiver)
	r.mu.Unlock()

	for el := participants.Front(); el != nil; el = el.Next() {
		el.Value.dispose()
	}
	for _, receiver := range orphans {
		receiver.Stop()
	}
}
