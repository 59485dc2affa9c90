package session

import (
	"context"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/livekit"

	"github.com/whoyao/livekit-client/pkg/e2ee"
	"github.com/whoyao/livekit-client/pkg/rtc"
	"github.com/whoyao/livekit-client/pkg/signaling"
)

// --- signaling.ChannelListener ---

func (e *Engine) OnChannelStateChanged(state signaling.ChannelState) {
	e.post(func() {
		if s, ok := stateFromChannel(state); ok {
			e.changeState(s)
		}
		if state == signaling.ChannelDisconnected {
			e.cleanup(nil)
		}
	})
}

func (e *Engine) OnChannelError(err error) {
	e.post(func() {
		e.cleanup(newError(ErrorKindTransport, err))
	})
}

func (e *Engine) OnParseError(err error) {
	e.emit(ParseErrorEvent{Err: err})
}

func (e *Engine) OnJoin(res *livekit.JoinResponse) {
	e.post(func() { e.handleJoin(res) })
}

func (e *Engine) handleJoin(res *livekit.JoinResponse) {
	if reason := res.GetParticipant().GetDisconnectReason(); reason != livekit.DisconnectReason_UNKNOWN_REASON {
		e.emitError(errorFromReason(reason))
		return
	}

	e.mu.Lock()
	e.joinResponse = res
	e.reconnectAttempts = 0
	e.cleanedUp = false
	e.mu.Unlock()

	if provider := e.KeyProvider(); provider != nil {
		provider.SetSifTrailer(res.GetSifTrailer())
	}

	if e.local.SetInfo(res.GetParticipant()) {
		e.emit(LocalParticipantChangedEvent{Info: res.GetParticipant()})
	}
	e.localDCs.setLocalParticipant(e.local.Sid(), e.local.Identity())

	e.emit(LocalParticipantJoinedEvent{Sid: e.local.Sid(), Identity: e.local.Identity()})

	e.remotes.SetInfo(res.GetOtherParticipants())

	e.createTransportManager(res, res.GetIceServers(), res.GetClientConfiguration())
}

func (e *Engine) createTransportManager(join *livekit.JoinResponse, iceServers []*livekit.ICEServer, cc *livekit.ClientConfiguration) {
	e.mu.Lock()
	old := e.manager
	e.manager = nil
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}

	interval, timeout := e.pingDurations(join)
	manager, err := rtc.NewTransportManager(rtc.TransportManagerParams{
		SubscriberPrimary: join.GetSubscriberPrimary(),
		FastPublish:       join.GetFastPublish(),
		PingInterval:      interval,
		PingTimeout:       timeout,
		NegotiationDelay:  e.params.Options.NegotiationDelay,
		Factory:           e.factory,
		Configuration:     e.params.Options.RTCConfiguration(iceServers, cc),
		LocalIdentity:     e.local.Identity(),
		Logger:            e.logger.WithValues("component", "transport"),
	})
	if err != nil {
		e.logger.Errorw("could not create transport manager", err)
		e.emitError(newError(ErrorKindRTC, err))
		return
	}
	manager.SetListener(e)

	e.mu.Lock()
	e.manager = manager
	e.mu.Unlock()

	if err := manager.CreateDataChannels(); err != nil {
		e.logger.Errorw("could not create data channels", err)
	}

	// re-attach any previously captured local media
	for _, track := range e.local.Tracks() {
		e.attachTrack(track)
	}

	manager.Negotiate(false)
	manager.StartPing()
}

func (e *Engine) OnReconnect(res *livekit.ReconnectResponse) {
	e.post(func() {
		e.mu.Lock()
		join := e.joinResponse
		e.cleanedUp = false
		e.mu.Unlock()
		if join == nil {
			e.logger.Warnw("reconnect response without a stored join response", nil)
			return
		}

		e.emit(LocalParticipantJoinedEvent{Sid: e.local.Sid(), Identity: e.local.Identity()})

		iceServers := res.GetIceServers()
		if len(iceServers) == 0 {
			iceServers = join.GetIceServers()
		}
		cc := res.GetClientConfiguration()
		if cc == nil {
			cc = join.GetClientConfiguration()
		}
		e.createTransportManager(join, iceServers, cc)

		if e.canReplaySyncState(join) {
			e.sendSyncState()
		}
	})
}

// sendSyncState replays the client's view after a resume so the server can
// reconcile subscriptions and published tracks.
func (e *Engine) sendSyncState() {
	var trackSids []string
	for _, p := range e.remotes.List() {
		for _, ti := range p.Info().GetTracks() {
			trackSids = append(trackSids, ti.GetSid())
		}
	}

	var publishTracks []*livekit.TrackPublishedResponse
	for _, t := range e.local.Tracks() {
		if t.State() != LocalTrackStatePublished {
			continue
		}
		publishTracks = append(publishTracks, &livekit.TrackPublishedResponse{
			Cid: t.Cid(),
			Track: &livekit.TrackInfo{
				Sid:   t.Sid(),
				Type:  t.Kind(),
				Muted: t.Muted(),
			},
		})
	}

	e.mu.Lock()
	manager := e.manager
	e.mu.Unlock()

	syncState := &livekit.SyncState{
		Subscription: &livekit.UpdateSubscription{
			TrackSids: trackSids,
			Subscribe: e.params.Options.AutoSubscribe,
		},
		PublishTracks: publishTracks,
	}
	if manager != nil {
		if answer := manager.SubscriberLocalDescription(); answer != nil {
			syncState.Answer = rtc.ToProtoSessionDescription(*answer)
		}
		syncState.DataChannels = manager.LocalDataChannelInfos()
	}
	if err := e.signal.SendSyncState(syncState); err != nil {
		e.logger.Warnw("could not send sync state", err)
	}
}

func (e *Engine) OnOffer(sdp *livekit.SessionDescription) {
	e.post(func() {
		e.mu.Lock()
		manager := e.manager
		e.mu.Unlock()
		if manager != nil {
			manager.HandleRemoteOffer(rtc.FromProtoSessionDescription(sdp))
		}
	})
}

func (e *Engine) OnAnswer(sdp *livekit.SessionDescription) {
	e.post(func() {
		e.mu.Lock()
		manager := e.manager
		e.mu.Unlock()
		if manager != nil {
			manager.HandleRemoteAnswer(rtc.FromProtoSessionDescription(sdp))
		}
	})
}

func (e *Engine) OnTrickle(req *livekit.TrickleRequest) {
	e.post(func() {
		candidate, err := rtc.FromProtoTrickle(req)
		if err != nil {
			e.logger.Warnw("could not parse remote ICE candidate", err, "target", req.GetTarget())
			return
		}
		e.mu.Lock()
		manager := e.manager
		e.mu.Unlock()
		if manager != nil {
			manager.AddICECandidate(req.GetTarget(), candidate)
		}
	})
}

func (e *Engine) OnUpdate(update *livekit.ParticipantUpdate) {
	e.post(func() {
		localSid := e.local.Sid()
		remotes := make([]*livekit.ParticipantInfo, 0, len(update.GetParticipants()))
		for _, info := range update.GetParticipants() {
			if info.GetSid() != localSid {
				remotes = append(remotes, info)
				continue
			}
			// an update for the local row is never placed into the remote set
			if reason := info.GetDisconnectReason(); reason != livekit.DisconnectReason_UNKNOWN_REASON ||
				info.GetState() == livekit.ParticipantInfo_DISCONNECTED {
				e.cleanup(errorFromReason(reason))
				return
			}
			if e.local.SetInfo(info) {
				e.emit(LocalParticipantChangedEvent{Info: info})
			}
		}
		e.remotes.UpdateInfo(remotes)
	})
}

func (e *Engine) OnTrackPublished(res *livekit.TrackPublishedResponse) {
	e.post(func() {
		track := e.local.Track(res.GetCid(), true, livekit.TrackType_DATA)
		if track == nil {
			e.logger.Debugw("track published for unknown cid, ignoring", "cid", res.GetCid())
			return
		}
		sid := res.GetTrack().GetSid()
		track.setPublished(sid)

		// reconcile the mute state if the server's copy diverged from ours
		if muted := track.Muted(); muted != res.GetTrack().GetMuted() {
			if err := e.signal.SendMuteTrack(sid, muted); err != nil {
				e.logger.Warnw("could not reconcile track mute state", err, "trackID", sid)
			}
		}
		if track.Kind() == livekit.TrackType_AUDIO {
			if features := track.AudioFeatures(); len(features) > 0 {
				if err := e.signal.SendUpdateAudioTrack(&livekit.UpdateLocalAudioTrack{
					TrackSid: sid,
					Features: features,
				}); err != nil {
					e.logger.Warnw("could not update audio track features", err, "trackID", sid)
				}
			}
		}
		e.emit(LocalTrackPublishedEvent{Cid: track.Cid(), Sid: sid})
	})
}

func (e *Engine) OnTrackUnpublished(res *livekit.TrackUnpublishedResponse) {
	e.post(func() {
		sid := res.GetTrackSid()
		if track := e.local.Track(sid, false, livekit.TrackType_DATA); track != nil {
			sender := track.Sender()
			cid := track.Cid()
			track.mediaDetached()
			e.mu.Lock()
			manager := e.manager
			e.mu.Unlock()
			if manager != nil && sender != nil {
				_ = manager.RemoveTrack(sender)
			}
			e.emit(LocalTrackUnpublishedEvent{Cid: cid, Sid: sid})
			return
		}
		e.remotes.RemoveMedia(sid)
	})
}

func (e *Engine) OnLeave(leave *livekit.LeaveRequest) {
	e.post(func() { e.handleLeave(leave) })
}

func (e *Engine) handleLeave(leave *livekit.LeaveRequest) {
	action := leave.GetAction()
	if leave.GetCanReconnect() && action == livekit.LeaveRequest_DISCONNECT {
		// legacy field from older servers
		action = livekit.LeaveRequest_RESUME
	}

	localSid := e.local.Sid()
	e.cleanup(errorFromReason(leave.GetReason()))

	if action == livekit.LeaveRequest_DISCONNECT {
		e.signal.SetParticipantSid("")
		return
	}

	e.mu.Lock()
	attempts := e.reconnectAttempts
	url, token := e.url, e.token
	e.mu.Unlock()
	if attempts >= e.params.Options.ReconnectAttempts {
		e.logger.Warnw("reconnect attempts exhausted", nil,
			"attempts", attempts, "max", e.params.Options.ReconnectAttempts)
		e.signal.SetParticipantSid("")
		return
	}

	if action == livekit.LeaveRequest_RESUME {
		e.signal.SetParticipantSid(localSid)
	} else {
		e.signal.SetParticipantSid("")
	}

	time.AfterFunc(e.params.Options.ReconnectAttemptDelay, func() {
		e.post(func() {
			if err := e.signal.Connect(context.Background(), url, token); err != nil {
				e.logger.Warnw("could not reconnect to server", err,
					"attempt", attempts, "max", e.params.Options.ReconnectAttempts)
				return
			}
			e.mu.Lock()
			e.reconnectAttempts++
			e.mu.Unlock()
		})
	})
}

func (e *Engine) OnMute(req *livekit.MuteTrackRequest) {
	e.post(func() {
		sid := req.GetSid()
		if e.local.SetTrackMuted(sid, req.GetMuted()) {
			e.emit(TrackMuteChangedEvent{
				ParticipantSid: e.local.Sid(),
				TrackSid:       sid,
				Muted:          req.GetMuted(),
			})
			return
		}
		if participantSid, ok := e.remotes.SetTrackMuted(sid, req.GetMuted()); ok {
			e.emit(TrackMuteChangedEvent{
				ParticipantSid: participantSid,
				TrackSid:       sid,
				Muted:          req.GetMuted(),
			})
		}
	})
}

func (e *Engine) OnSpeakersChanged(speakers []*livekit.SpeakerInfo) {
	e.emit(ActiveSpeakersChangedEvent{Speakers: speakers})
}

func (e *Engine) OnRoomUpdate(room *livekit.Room) {
	e.emit(RoomUpdatedEvent{Room: room})
}

func (e *Engine) OnConnectionQuality(updates []*livekit.ConnectionQualityInfo) {
	e.emit(ConnectionQualityEvent{Updates: updates})
}

func (e *Engine) OnStreamStateUpdate(update *livekit.StreamStateUpdate) {
	e.emit(StreamStateChangedEvent{StreamStates: update.GetStreamStates()})
}

func (e *Engine) OnSubscribedQualityUpdate(update *livekit.SubscribedQualityUpdate) {
	e.emit(SubscribedQualityChangedEvent{Update: update})
}

func (e *Engine) OnSubscriptionPermission(update *livekit.SubscriptionPermissionUpdate) {
	e.emit(SubscriptionPermissionChangedEvent{Update: update})
}

func (e *Engine) OnRefreshToken(token string) {
	e.emit(RefreshTokenEvent{Token: token})
}

func (e *Engine) OnTrackSubscribed(res *livekit.TrackSubscribed) {
	e.emit(TrackSubscribedEvent{TrackSid: res.GetTrackSid()})
}

func (e *Engine) OnRequestResponse(res *livekit.RequestResponse) {
	e.emit(RequestResponseEvent{Response: res})
}

func (e *Engine) OnSubscriptionResponse(res *livekit.SubscriptionResponse) {
	e.emit(SubscriptionResponseEvent{Response: res})
}

func (e *Engine) OnPong(pong *livekit.Pong) {
	e.mu.Lock()
	manager := e.manager
	e.mu.Unlock()
	if manager != nil {
		manager.NotifyPongReceived()
	}
}

func (e *Engine) OnRoomMoved(res *livekit.RoomMovedResponse) {
	e.post(func() {
		e.mu.Lock()
		if e.joinResponse != nil && res.GetRoom() != nil {
			e.joinResponse.Room = res.GetRoom()
		}
		e.mu.Unlock()
		if res.GetParticipant() != nil {
			if e.local.SetInfo(res.GetParticipant()) {
				e.emit(LocalParticipantChangedEvent{Info: res.GetParticipant()})
			}
		}
		e.remotes.UpdateInfo(res.GetOtherParticipants())
		e.emit(RoomMovedEvent{Room: res.GetRoom(), Token: res.GetToken()})
	})
}

// --- rtc.TransportManagerListener ---

func (e *Engine) OnPublisherOffer(sd webrtc.SessionDescription) {
	if err := e.signal.SendOffer(rtc.ToProtoSessionDescription(sd)); err != nil {
		e.logger.Warnw("could not send publisher offer", err)
	}
}

func (e *Engine) OnSubscriberAnswer(sd webrtc.SessionDescription) {
	if err := e.signal.SendAnswer(rtc.ToProtoSessionDescription(sd)); err != nil {
		e.logger.Warnw("could not send subscriber answer", err)
	}
}

func (e *Engine) OnICECandidateGathered(target livekit.SignalTarget, candidate webrtc.ICECandidateInit) {
	if err := e.signal.SendTrickle(rtc.ToProtoTrickle(candidate, target, false)); err != nil {
		e.logger.Warnw("could not send local ICE candidate", err, "target", target)
	}
}

func (e *Engine) OnLocalTrackAdded(sender rtc.Sender) {
	e.post(func() { e.handleLocalTrackAdded(sender) })
}

func (e *Engine) handleLocalTrackAdded(sender rtc.Sender) {
	track := e.local.Track(sender.ID(), true, livekit.TrackType_DATA)
	if track == nil {
		e.logger.Warnw("sender attached for unknown local track", nil, "cid", sender.ID())
		return
	}

	var cryptor *e2ee.FrameCryptor
	if track.Encryption() != livekit.Encryption_NONE {
		provider := e.KeyProvider()
		if provider == nil {
			e.logger.Errorw("no key provider for encrypted local track", nil, "cid", track.Cid())
			e.emit(TrackCryptoErrorEvent{
				Identity: e.local.Identity(),
				TrackID:  track.Cid(),
				State:    e2ee.CryptorStateInternalError,
			})
			return
		}
		cryptor = e2ee.NewFrameCryptor(e.local.Identity(), track.Cid(), provider, cryptorObserver{e})
	}

	if err := track.mediaAttached(sender, cryptor); err != nil {
		e.logger.Errorw("could not start media device", err, "cid", track.Cid())
	}

	if err := e.signal.SendAddTrack(track.fillAddTrackRequest()); err != nil {
		// recovered: the next negotiation cycle re-attempts
		e.logger.Warnw("could not send add track request", err, "cid", track.Cid())
	}
}

func (e *Engine) OnLocalTrackAddFailure(id string, kind webrtc.RTPCodecType, err error) {
	e.logger.Errorw("could not add local track to publisher", err, "cid", id, "kind", kind)
}

func (e *Engine) OnLocalTrackRemoved(id string, kind webrtc.RTPCodecType) {
	e.post(func() {
		if track := e.local.Track(id, true, livekit.TrackType_DATA); track != nil {
			track.mediaDetached()
		}
	})
}

func (e *Engine) OnRemoteTrackAdded(receiver rtc.Receiver, trackID string, participantSid string) {
	e.post(func() {
		e.remotes.AddMedia(receiver, trackID, participantSid)
	})
}

func (e *Engine) OnLocalDataChannelCreated(dc rtc.DataChannel) {
	e.localDCs.Add(dc)
}

func (e *Engine) OnRemoteDataChannelOpened(dc rtc.DataChannel) {
	e.remoteDCs.Add(dc)
}

func (e *Engine) OnStateChange(fused, publisher, subscriber webrtc.PeerConnectionState) {
	e.post(func() {
		if fused == webrtc.PeerConnectionStateFailed {
			e.cleanup(newError(ErrorKindRTC, nil))
			return
		}
		if s, ok := stateFromPeerConnection(fused); ok {
			e.changeState(s)
		}
	})
}

func (e *Engine) OnNegotiationNeeded() {
	e.mu.Lock()
	manager := e.manager
	e.mu.Unlock()
	if manager != nil {
		manager.Negotiate(true)
	}
}

func (e *Engine) OnSdpOperationFailed(target livekit.SignalTarget, err error) {
	e.post(func() {
		e.logger.Errorw("sdp operation failed", err, "target", target)
		if sendErr := e.signal.SendLeave(livekit.DisconnectReason_CLIENT_INITIATED, livekit.LeaveRequest_DISCONNECT); sendErr != nil {
			e.logger.Warnw("could not send leave request", sendErr)
		}
		e.cleanup(newError(ErrorKindRTC, err))
	})
}

func (e *Engine) OnPingRequired() {
	if err := e.signal.SendPing(&livekit.Ping{Timestamp: time.Now().UnixMilli()}); err != nil {
		e.logger.Warnw("could not send ping", err)
	}
}

func (e *Engine) OnPingTimeout() {
	e.post(func() {
		e.cleanup(newError(ErrorKindServerPingTimedOut, nil))
	})
}

// --- participant / track plumbing ---

// attachTrack hands a local track's media to the publisher transport. The
// sender attach callback finishes the publish.
func (e *Engine) attachTrack(track *LocalTrack) {
	if track.State() == LocalTrackStateRemoved {
		return
	}
	e.mu.Lock()
	manager := e.manager
	e.mu.Unlock()
	if manager == nil {
		// not joined yet, the track attaches with the first transport manager
		return
	}
	if track.Sender() != nil {
		return
	}
	if _, err := manager.AddTrack(track.Media()); err != nil {
		e.logger.Errorw("could not attach local track", err, "cid", track.Cid())
	}
}

func (e *Engine) onParticipantConnected(p *RemoteParticipant) {
	e.emit(ParticipantConnectedEvent{Sid: p.Sid(), Identity: p.Identity()})
}

func (e *Engine) onParticipantDisconnected(p *RemoteParticipant) {
	e.emit(ParticipantDisconnectedEvent{Sid: p.Sid(), Identity: p.Identity()})
}

func (e *Engine) onParticipantChanged(p *RemoteParticipant) {
	e.emit(ParticipantChangedEvent{Sid: p.Sid(), Info: p.Info()})
}

func (e *Engine) onRemoteTrackAdded(t *RemoteTrack) {
	e.emit(RemoteTrackAddedEvent{
		ParticipantSid: t.ParticipantSid(),
		Sid:            t.Sid(),
		Type:           t.Type(),
		Encryption:     t.Encryption(),
	})
}

func (e *Engine) onRemoteTrackRemoved(t *RemoteTrack) {
	e.emit(RemoteTrackRemovedEvent{
		ParticipantSid: t.ParticipantSid(),
		Sid:            t.Sid(),
		Type:           t.Type(),
		Encryption:     t.Encryption(),
	})
}

func (e *Engine) onTrackCryptoError(identity, trackID string, state e2ee.CryptorState) {
	e.emit(TrackCryptoErrorEvent{Identity: identity, TrackID: trackID, State: state})
}

// --- data packets ---

func (e *Engine) onUserPacket(packet *livekit.UserPacket, senderIdentity string, destinationIdentities []string) {
	e.emit(UserPacketEvent{
		Packet:                packet,
		SenderIdentity:        senderIdentity,
		DestinationIdentities: destinationIdentities,
	})
}

func (e *Engine) onChatMessage(message *livekit.ChatMessage, senderIdentity string, destinationIdentities []string) {
	e.emit(ChatMessageEvent{
		Message:               message,
		SenderIdentity:        senderIdentity,
		DestinationIdentities: destinationIdentities,
	})
}

// cryptorObserver fans cryptor state transitions into session events.
type cryptorObserver struct {
	e *Engine
}

func (o cryptorObserver) OnCryptorStateChanged(identity, trackID string, state e2ee.CryptorState) {
	switch state {
	case e2ee.CryptorStateEncryptionFailure, e2ee.CryptorStateDecryptionFailure,
		e2ee.CryptorStateMissingKey, e2ee.CryptorStateInternalError:
		o.e.emit(TrackCryptoErrorEvent{Identity: identity, TrackID: trackID, State: state})
	default:
		o.e.emit(DecryptionStateChangedEvent{Identity: identity, TrackID: trackID, State: state})
	}
}

// --- cleanup ---

// cleanup tears the session down in a fixed order: cryptors off the local
// senders, local media detached, remote model reset, transports closed,
// channel closed, data channel registrations dropped. Safe to run twice;
// the error (if any) is reported once.
func (e *Engine) cleanup(sessionErr *Error) {
	e.mu.Lock()
	manager := e.manager
	e.manager = nil
	alreadyClean := e.cleanedUp
	e.cleanedUp = true
	e.mu.Unlock()

	for _, track := range e.local.Tracks() {
		track.mediaDetached()
	}
	e.remotes.Reset()

	if !alreadyClean && e.local.Sid() != "" {
		e.emit(LocalParticipantLeftEvent{Sid: e.local.Sid()})
	}

	if manager != nil {
		manager.Close()
	}
	e.signal.Close()
	e.localDCs.Clear()
	e.remoteDCs.Clear()

	if !alreadyClean {
		e.emitError(sessionErr)
	}
}
