package media

import (
	"context"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// NullDevice emits tiny placeholder frames at a fixed cadence. It keeps a
// published track alive when no real capture source is wired up.
type NullDevice struct {
	id    string
	codec webrtc.RTPCodecCapability

	ctx    context.Context
	cancel context.CancelFunc
}

func NewNullDevice(id string, codec webrtc.RTPCodecCapability) *NullDevice {
	ctx, cancel := context.WithCancel(context.Background())
	return &NullDevice{id: id, codec: codec, ctx: ctx, cancel: cancel}
}

func (d *NullDevice) ID() string { return d.id }

func (d *NullDevice) Codec() webrtc.RTPCodecCapability { return d.codec }

func (d *NullDevice) Start(w SampleWriter) error {
	go func() {
		sample := media.Sample{Data: []byte{0x0, 0xff, 0xff, 0xff, 0xff}, Duration: 30 * time.Millisecond}
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-d.ctx.Done():
				return
			case <-ticker.C:
				if err := w.WriteSample(sample); err != nil {
					return
				}
			}
		}
	}()
	return nil
}

func (d *NullDevice) Stop() {
	d.cancel()
}
