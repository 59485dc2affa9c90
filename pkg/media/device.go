package media

import (
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// SampleWriter is the sink a device pushes encoded frames into. The bound
// local track implements it; writes happen on the device's own goroutine.
type SampleWriter interface {
	WriteSample(sample media.Sample) error
}

// Device is a source of encoded media. Implementations own their capture
// loop; the engine never blocks on a device method.
type Device interface {
	ID() string
	Codec() webrtc.RTPCodecCapability
	Start(w SampleWriter) error
	Stop()
}
