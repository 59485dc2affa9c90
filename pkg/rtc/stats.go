package rtc

import (
	"github.com/pion/webrtc/v3"
)

// StatsReport is the pull-based stats snapshot of both peer transports.
type StatsReport struct {
	Publisher  webrtc.StatsReport
	Subscriber webrtc.StatsReport
}

// Lookup returns a single stats object by id, searching both transports.
func (r StatsReport) Lookup(id string) (webrtc.Stats, bool) {
	if s, ok := r.Publisher[id]; ok {
		return s, true
	}
	s, ok := r.Subscriber[id]
	return s, ok
}
