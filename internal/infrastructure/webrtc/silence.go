package webrtc

import (
	"context"
	"time"

	"github.com/pion/rtp"
)

const (
	opusFrameDuration = 20 * time.Millisecond
	// 48kHz clock, 20ms frames.
	opusSamplesPerFrame = 960
)

// opusSilence is a single Opus frame carrying digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceSource keeps the audio track alive with Opus silence frames. It sends
// nothing on video tracks. Used by the headless agent, which has no devices.
type SilenceSource struct{}

func (SilenceSource) Run(ctx context.Context, kind string, w RTPWriter) error {
	if kind != "audio" {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()

	var (
		seq uint16
		ts  uint32
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		packet := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         seq == 0,
				SequenceNumber: seq,
				Timestamp:      ts,
			},
			Payload: opusSilence,
		}
		if err := w.WriteRTP(packet); err != nil {
			return err
		}
		seq++
		ts += opusSamplesPerFrame
	}
}
