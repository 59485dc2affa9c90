package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/h264reader"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"

	"github.com/livekit/protocol/logger"
)

var extMimeMapping = map[string]string{
	".ivf":  webrtc.MimeTypeVP8,
	".h264": webrtc.MimeTypeH264,
	".ogg":  webrtc.MimeTypeOpus,
}

// FileDevice plays a media file into the bound track. Useful for testing
// and headless publishers.
type FileDevice struct {
	id       string
	filePath string
	mime     string

	ctx    context.Context
	cancel context.CancelFunc
}

func NewFileDevice(id, filePath string) (*FileDevice, error) {
	mime, ok := extMimeMapping[filepath.Ext(filePath)]
	if !ok {
		return nil, fmt.Errorf("%s has an unsupported extension", filepath.Base(filePath))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &FileDevice{
		id:       id,
		filePath: filePath,
		mime:     mime,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func (d *FileDevice) ID() string { return d.id }

func (d *FileDevice) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: d.mime}
}

func (d *FileDevice) Start(w SampleWriter) error {
	file, err := os.Open(d.filePath)
	if err != nil {
		return err
	}

	logger.Debugw("starting file device", "deviceID", d.id, "mime", d.mime)
	switch d.mime {
	case webrtc.MimeTypeOpus:
		ogg, _, err := oggreader.NewWith(file)
		if err != nil {
			file.Close()
			return err
		}
		go d.writeOgg(file, ogg, w)
	case webrtc.MimeTypeVP8:
		ivf, header, err := ivfreader.NewWith(file)
		if err != nil {
			file.Close()
			return err
		}
		go d.writeVP8(file, ivf, header, w)
	case webrtc.MimeTypeH264:
		h264, err := h264reader.NewReader(file)
		if err != nil {
			file.Close()
			return err
		}
		go d.writeH264(file, h264, w)
	}
	return nil
}

func (d *FileDevice) Stop() {
	d.cancel()
}

func (d *FileDevice) writeOgg(file *os.File, ogg *oggreader.OggReader, w SampleWriter) {
	defer file.Close()
	// the granule delta is the number of samples in the page
	var lastGranule uint64
	for {
		if d.ctx.Err() != nil {
			return
		}
		pageData, pageHeader, err := ogg.ParseNextPage()
		if err == io.EOF {
			logger.Debugw("all audio samples sent", "deviceID", d.id)
			return
		}
		if err != nil {
			logger.Errorw("could not parse ogg page", err, "deviceID", d.id)
			return
		}

		sampleCount := float64(pageHeader.GranulePosition - lastGranule)
		lastGranule = pageHeader.GranulePosition
		sampleDuration := time.Duration((sampleCount/48000)*1000) * time.Millisecond

		if err = w.WriteSample(media.Sample{Data: pageData, Duration: sampleDuration}); err != nil {
			logger.Errorw("could not write sample", err, "deviceID", d.id)
			return
		}
		time.Sleep(sampleDuration)
	}
}

func (d *FileDevice) writeVP8(file *os.File, ivf *ivfreader.IVFReader, header *ivfreader.IVFFileHeader, w SampleWriter) {
	defer file.Close()
	// pace frames at the file's own timebase to avoid a send burst
	sleepTime := time.Millisecond * time.Duration((float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)
	for {
		if d.ctx.Err() != nil {
			return
		}
		frame, _, err := ivf.ParseNextFrame()
		if err == io.EOF {
			logger.Debugw("all video frames sent", "deviceID", d.id)
			return
		}
		if err != nil {
			logger.Errorw("could not parse VP8 frame", err, "deviceID", d.id)
			return
		}

		time.Sleep(sleepTime)
		if err = w.WriteSample(media.Sample{Data: frame, Duration: time.Second}); err != nil {
			logger.Errorw("could not write sample", err, "deviceID", d.id)
			return
		}
	}
}

func (d *FileDevice) writeH264(file *os.File, h264 *h264reader.H264Reader, w SampleWriter) {
	defer file.Close()
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			nal, err := h264.NextNAL()
			if err == io.EOF {
				logger.Debugw("all video frames sent", "deviceID", d.id)
				return
			}
			if err != nil {
				logger.Errorw("could not parse H264 NAL", err, "deviceID", d.id)
				return
			}
			if err = w.WriteSample(media.Sample{Data: nal.Data, Duration: 33 * time.Millisecond}); err != nil {
				logger.Errorw("could not write sample", err, "deviceID", d.id)
				return
			}
		}
	}
}
