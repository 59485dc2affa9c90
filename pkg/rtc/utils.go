package rtc

import (
	"encoding/json"
	"strings"

	"github.com/pion/webrtc/v3"

	"github.com/livekit/protocol/livekit"
)

func ToProtoSessionDescription(sd webrtc.SessionDescription) *livekit.SessionDescription {
	return &livekit.SessionDescription{
		Type: strings.ToLower(sd.Type.String()),
		Sdp:  sd.SDP,
	}
}

func FromProtoSessionDescription(sd *livekit.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.GetType()),
		SDP:  sd.GetSdp(),
	}
}

func ToProtoTrickle(candidateInit webrtc.ICECandidateInit, target livekit.SignalTarget, final bool) *livekit.TrickleRequest {
	data, _ := json.Marshal(candidateInit)
	return &livekit.TrickleRequest{
		CandidateInit: string(data),
		Target:        target,
		Final:         final,
	}
}

func FromProtoTrickle(trickle *livekit.TrickleRequest) (webrtc.ICECandidateInit, error) {
	ci := webrtc.ICECandidateInit{}
	err := json.Unmarshal([]byte(trickle.GetCandidateInit()), &ci)
	return ci, err
}

// PackStreamID encodes the owning participant into the stream id of a
// published track; UnpackStreamID recovers both halves on the subscriber.
func PackStreamID(participantSid, trackSid string) string {
	return participantSid + "|" + trackSid
}

func UnpackStreamID(packed string) (participantSid string, trackSid string) {
	parts := strings.SplitN(packed, "|", 2)
	if len(parts) > 1 {
		return parts[0], parts[1]
	}
	return packed, ""
}
