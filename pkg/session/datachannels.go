package session

import (
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"google.golang.org/protobuf/proto"

	"github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/logger"
	"github.com/livekit/protocol/utils"

	"github.com/whoyao/livekit-client/pkg/rtc"
)

type dataPacketListener interface {
	onUserPacket(packet *livekit.UserPacket, senderIdentity string, destinationIdentities []string)
	onChatMessage(message *livekit.ChatMessage, senderIdentity string, destinationIdentities []string)
}

// DataChannelsStorage tracks open data channels by label. The local side
// holds the publisher's reliable and lossy channels and serializes outgoing
// packets; the remote side only dispatches what arrives.
type DataChannelsStorage struct {
	local    bool
	logger   logger.Logger
	listener dataPacketListener

	mu            sync.RWMutex
	channels      *orderedmap.OrderedMap[string, rtc.DataChannel]
	localSid      string
	localIdentity string
}

func newDataChannelsStorage(local bool, listener dataPacketListener, log logger.Logger) *DataChannelsStorage {
	if log == nil {
		log = logger.GetLogger().WithValues("component", "data_channels", "local", local)
	}
	return &DataChannelsStorage{
		local:    local,
		logger:   log,
		listener: listener,
		channels: orderedmap.NewOrderedMap[string, rtc.DataChannel](),
	}
}

func (s *DataChannelsStorage) setLocalParticipant(sid, identity string) {
	s.mu.Lock()
	s.localSid = sid
	s.localIdentity = identity
	s.mu.Unlock()
}

// Add registers a channel under its label, overwriting a stale entry.
// Remote channels get their message handler wired here.
func (s *DataChannelsStorage) Add(dc rtc.DataChannel) bool {
	label := dc.Label()
	if label == "" {
		s.logger.Warnw("refusing to track unnamed data channel", nil)
		return false
	}
	s.mu.Lock()
	if _, ok := s.channels.Get(label); ok {
		s.logger.Warnw("data channel already tracked, overwriting", nil, "label", label)
	}
	s.channels.Set(label, dc)
	s.mu.Unlock()

	if !s.local {
		dc.OnMessage(s.handleMessage)
	}
	s.logger.Debugw("tracking data channel", "label", label)
	return true
}

func (s *DataChannelsStorage) Get(label string) rtc.DataChannel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dc, _ := s.channels.Get(label)
	return dc
}

func (s *DataChannelsStorage) Remove(label string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channels.Delete(label)
}

func (s *DataChannelsStorage) Clear() {
	s.mu.Lock()
	s.channels = orderedmap.NewOrderedMap[string, rtc.DataChannel]()
	s.mu.Unlock()
}

func (s *DataChannelsStorage) pick(reliable bool) rtc.DataChannel {
	label := rtc.LossyDataChannelLabel
	if reliable {
		label = rtc.ReliableDataChannelLabel
	}
	return s.Get(label)
}

// SendUserPacket publishes an application payload. Returns false when the
// matching channel is not open.
func (s *DataChannelsStorage) SendUserPacket(payload []byte, reliable bool, topic string,
	destinationSids, destinationIdentities []string) bool {
	s.mu.RLock()
	sid := s.localSid
	identity := s.localIdentity
	s.mu.RUnlock()

	packet := &livekit.UserPacket{
		ParticipantSid:        sid,
		ParticipantIdentity:   identity,
		Payload:               payload,
		DestinationSids:       destinationSids,
		DestinationIdentities: destinationIdentities,
	}
	if topic != "" {
		packet.Topic = proto.String(topic)
	}
	kind := livekit.DataPacket_LOSSY
	if reliable {
		kind = livekit.DataPacket_RELIABLE
	}
	return s.send(reliable, &livekit.DataPacket{
		Kind:                  kind,
		ParticipantIdentity:   identity,
		DestinationIdentities: destinationIdentities,
		Value:                 &livekit.DataPacket_User{User: packet},
	})
}

// SendChatMessage publishes a chat message on the reliable channel.
func (s *DataChannelsStorage) SendChatMessage(message string, deleted, generated bool,
	destinationIdentities []string) bool {
	s.mu.RLock()
	identity := s.localIdentity
	s.mu.RUnlock()

	chat := &livekit.ChatMessage{
		Id:        utils.NewGuid("MSG_"),
		Timestamp: time.Now().UnixMilli(),
		Message:   message,
		Deleted:   deleted,
		Generated: generated,
	}
	return s.send(true, &livekit.DataPacket{
		Kind:                  livekit.DataPacket_RELIABLE,
		ParticipantIdentity:   identity,
		DestinationIdentities: destinationIdentities,
		Value:                 &livekit.DataPacket_ChatMessage{ChatMessage: chat},
	})
}

func (s *DataChannelsStorage) send(reliable bool, packet *livekit.DataPacket) bool {
	dc := s.pick(reliable)
	if dc == nil {
		s.logger.Warnw("no data channel to send on", nil, "reliable", reliable)
		return false
	}
	payload, err := proto.Marshal(packet)
	if err != nil {
		s.logger.Errorw("could not marshal data packet", err)
		return false
	}
	if err := dc.Send(payload); err != nil {
		s.logger.Warnw("could not send data packet", err, "label", dc.Label())
		return false
	}
	return true
}

func (s *DataChannelsStorage) handleMessage(payload []byte) {
	packet := &livekit.DataPacket{}
	if err := proto.Unmarshal(payload, packet); err != nil {
		s.logger.Warnw("could not unmarshal data packet", err)
		return
	}
	if s.listener == nil {
		return
	}
	switch value := packet.Value.(type) {
	case *livekit.DataPacket_User:
		identity := packet.GetParticipantIdentity()
		if identity == "" {
			identity = value.User.GetParticipantIdentity()
		}
		s.listener.onUserPacket(value.User, identity, packet.GetDestinationIdentities())
	case *livekit.DataPacket_ChatMessage:
		s.listener.onChatMessage(value.ChatMessage, packet.GetParticipantIdentity(), packet.GetDestinationIdentities())
	default:
		// other packet kinds are not consumed by this client
	}
}
