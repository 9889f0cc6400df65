package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	opusdec "gopkg.in/hraban/opus.v2"

	"github.com/arients/VoiceChatBot/internal/mixer"
	"github.com/arients/VoiceChatBot/shared"
)

const (
	captureSampleRate = 48000
	captureChannels   = 1
)

// NewCaptureOpener returns the production CaptureOpener backed by
// pion/mediadevices.
func NewCaptureOpener(logger shared.LoggerAdapter) CaptureOpener {
	return func(ctx context.Context, deviceID string, track *webrtc.TrackLocalStaticSample, tap *mixer.Tap, muted *atomic.Bool) (Capture, error) {
		opusParams, err := opus.NewParams()
		if err != nil {
			return nil, fmt.Errorf("creating opus params: %w", err)
		}
		stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Audio: func(c *mediadevices.MediaTrackConstraints) {
				c.SampleRate = prop.Int(captureSampleRate)
				c.ChannelCount = prop.Int(captureChannels)
				c.SampleSize = prop.Int(16)
				if deviceID != "" {
					c.DeviceID = prop.String(deviceID)
				}
			},
			Codec: mediadevices.NewCodecSelector(
				mediadevices.WithAudioEncoders(&opusParams),
			),
		})
		if err != nil {
			return nil, &shared.DeviceError{DeviceID: deviceID, Err: err}
		}
		audioTracks := stream.GetAudioTracks()
		if len(audioTracks) == 0 {
			return nil, &shared.DeviceError{DeviceID: deviceID, Err: errors.New("no audio track in stream")}
		}
		micTrack := audioTracks[0]

		streamCtx, cancel := context.WithCancel(ctx)
		go streamLocalAudio(streamCtx, logger, track, micTrack, tap, muted, time.Duration(opusParams.Latency))

		return &micCapture{
			deviceID: deviceID,
			stop: func() {
				cancel()
				if err := micTrack.Close(); err != nil {
					logger.Error("closing microphone track", err)
				}
			},
		}, nil
	}
}

type micCapture struct {
	deviceID string
	stop     func()
	stopped  atomic.Bool
}

func (c *micCapture) DeviceID() string { return c.deviceID }

func (c *micCapture) Stop() {
	if c.stopped.Swap(true) {
		return
	}
	c.stop()
}

// streamLocalAudio pumps encoded microphone frames into the outbound track
// until ctx ends, decoding each frame for the mixer's local channel. A muted
// session keeps reading (so the encoder pipeline stays warm) but writes
// nothing out.
func streamLocalAudio(
	ctx context.Context,
	logger shared.LoggerAdapter,
	track *webrtc.TrackLocalStaticSample,
	micTrack mediadevices.Track,
	tap *mixer.Tap,
	muted *atomic.Bool,
	frameDuration time.Duration,
) {
	reader, err := micTrack.NewEncodedReader(track.Codec().MimeType)
	if err != nil {
		logger.Error("creating media track reader", err)
		return
	}
	decoder, err := opusdec.NewDecoder(captureSampleRate, captureChannels)
	if err != nil {
		logger.Error("creating opus decoder for level analysis", err)
		decoder = nil
	}
	pcm := make([]int16, captureSampleRate*captureChannels)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			release()
			if err == io.EOF {
				return
			}
			logger.Error("reading from media track", err)
			continue
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		if muted.Load() {
			tap.Write([]int16{0})
			release()
			continue
		}
		if decoder != nil {
			if n, err := decoder.Decode(buf.Data, pcm); err == nil {
				tap.Write(pcm[:n*captureChannels])
			}
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data,
			Duration: frameDuration,
		})
		release()
		if err != nil {
			logger.Error("writing sample to track", err)
		}
	}
}
