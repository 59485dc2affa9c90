package rtc

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/livekit"
)

func TestSessionDescriptionConversion(t *testing.T) {
	sd := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	proto := ToProtoSessionDescription(sd)
	require.Equal(t, "offer", proto.Type)
	require.Equal(t, sd.SDP, proto.Sdp)

	back := FromProtoSessionDescription(proto)
	require.Equal(t, sd, back)
}

func TestTrickleConversion(t *testing.T) {
	sdpMid := "0"
	index := uint16(0)
	ci := webrtc.ICECandidateInit{
		Candidate:     "candidate:842163049 1 udp 1677729535 1.2.3.4 46154 typ srflx",
		SDPMid:        &sdpMid,
		SDPMLineIndex: &index,
	}
	trickle := ToProtoTrickle(ci, livekit.SignalTarget_SUBSCRIBER, false)
	require.Equal(t, livekit.SignalTarget_SUBSCRIBER, trickle.Target)

	back, err := FromProtoTrickle(trickle)
	require.NoError(t, err)
	require.Equal(t, ci.Candidate, back.Candidate)
	require.Equal(t, "0", *back.SDPMid)
}

func TestUnpackStreamID(t *testing.T) {
	participant, track := UnpackStreamID("PA_abc|TR_def")
	require.Equal(t, "PA_abc", participant)
	require.Equal(t, "TR_def", track)

	participant, track = UnpackStreamID("bare")
	require.Equal(t, "bare", participant)
	require.Empty(t, track)

	require.Equal(t, "PA_abc|TR_def", PackStreamID("PA_abc", "TR_def"))
}

func TestManagerRemoteTrackAttribution(t *testing.T) {
	manager, factory, listener := newTestManager(t, TransportManagerParams{})
	defer manager.Close()

	receiver := newFakeReceiver("ssrc-id", "PA_owner|TR_track", webrtc.RTPCodecTypeAudio)
	defer receiver.Stop()
	factory.subscriber().onTrack(receiver)

	require.Eventually(t, func() bool {
		listener.mu.Lock()
		defer listener.mu.Unlock()
		return len(listener.remoteTracks) == 1 && listener.remoteTracks[0] == "TR_track"
	}, time.Second, 5*time.Millisecond)
}
