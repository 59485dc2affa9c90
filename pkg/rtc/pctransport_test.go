package rtc

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/livekit/protocol/livekit"
)

func newTestTransport(t *testing.T, delay time.Duration) (*PCTransport, *fakeFactory) {
	factory := &fakeFactory{}
	transport, err := NewPCTransport(PCTransportParams{
		Target:           livekit.SignalTarget_PUBLISHER,
		Factory:          factory,
		NegotiationDelay: delay,
	})
	require.NoError(t, err)
	return transport, factory
}

func TestNegotiateImmediate(t *testing.T) {
	transport, factory := newTestTransport(t, 50*time.Millisecond)

	var mu sync.Mutex
	var offers []webrtc.SessionDescription
	transport.OnOffer(func(sd webrtc.SessionDescription) {
		mu.Lock()
		offers = append(offers, sd)
		mu.Unlock()
	})

	transport.Negotiate(false)

	mu.Lock()
	require.Len(t, offers, 1)
	mu.Unlock()
	require.Equal(t, 1, factory.pcs[0].offers())
}

func TestNegotiateThrottledCoalesces(t *testing.T) {
	transport, factory := newTestTransport(t, 30*time.Millisecond)
	transport.OnOffer(func(webrtc.SessionDescription) {})

	for i := 0; i < 5; i++ {
		transport.Negotiate(true)
	}

	require.Eventually(t, func() bool {
		return factory.pcs[0].offers() == 1
	}, time.Second, 5*time.Millisecond)

	// no extra offers fire after the debounce window
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, factory.pcs[0].offers())
}

func TestNegotiateWhileMidNegotiationRearms(t *testing.T) {
	transport, factory := newTestTransport(t, 10*time.Millisecond)
	transport.OnOffer(func(webrtc.SessionDescription) {})

	transport.Negotiate(false)
	require.Equal(t, 1, factory.pcs[0].offers())

	// publisher is now in have-local-offer, a second request must wait
	transport.Negotiate(false)
	require.Equal(t, 1, factory.pcs[0].offers())

	// applying the answer releases the re-armed negotiation
	require.NoError(t, transport.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n",
	}))
	require.Eventually(t, func() bool {
		return factory.pcs[0].offers() == 2
	}, time.Second, 5*time.Millisecond)
}

func TestCandidateBufferedUntilRemoteDescription(t *testing.T) {
	transport, factory := newTestTransport(t, 10*time.Millisecond)
	pc := factory.pcs[0]

	first := webrtc.ICECandidateInit{Candidate: "candidate:1"}
	second := webrtc.ICECandidateInit{Candidate: "candidate:2"}
	require.NoError(t, transport.AddICECandidate(first))
	require.NoError(t, transport.AddICECandidate(second))
	require.Empty(t, pc.addedCandidates())

	require.NoError(t, transport.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n",
	}))

	added := pc.addedCandidates()
	require.Len(t, added, 2)
	require.Equal(t, "candidate:1", added[0].Candidate)
	require.Equal(t, "candidate:2", added[1].Candidate)

	// with the remote description set, candidates go straight through
	third := webrtc.ICECandidateInit{Candidate: "candidate:3"}
	require.NoError(t, transport.AddICECandidate(third))
	require.Len(t, pc.addedCandidates(), 3)
}

func TestRemoteOfferProducesAnswer(t *testing.T) {
	transport, _ := newTestTransport(t, 10*time.Millisecond)

	var mu sync.Mutex
	var answers []webrtc.SessionDescription
	transport.OnAnswer(func(sd webrtc.SessionDescription) {
		mu.Lock()
		answers = append(answers, sd)
		mu.Unlock()
	})

	require.NoError(t, transport.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n",
	}))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, answers, 1)
	require.Equal(t, webrtc.SDPTypeAnswer, answers[0].Type)
}

func TestCloseIsIdempotent(t *testing.T) {
	transport, factory := newTestTransport(t, 10*time.Millisecond)
	transport.Close()
	transport.Close()
	require.Equal(t, webrtc.PeerConnectionStateClosed, factory.pcs[0].ConnectionState())

	// negotiation after close is a no-op
	transport.Negotiate(false)
	require.Equal(t, 0, factory.pcs[0].offers())
}
