package lifecycle

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	opusdec "gopkg.in/hraban/opus.v2"

	"github.com/arients/VoiceChatBot/internal/mixer"
	"github.com/arients/VoiceChatBot/shared"
)

const (
	defaultPlaybackBufferMs  = 100
	defaultRingBufferSeconds = 2
)

// ringBuffer is a bounded byte queue between the RTP reader and the audio
// player. When the player falls behind, the oldest audio is dropped rather
// than letting latency grow without bound.
type ringBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond
	data []byte
	cap  int
}

func newRingBuffer(capacity int) *ringBuffer {
	rb := &ringBuffer{data: make([]byte, 0, capacity), cap: capacity}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

func (rb *ringBuffer) Write(p []byte) (dropped int) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if overflow := len(rb.data) + len(p) - rb.cap; overflow > 0 {
		rb.data = rb.data[overflow:]
		dropped = overflow
	}
	rb.data = append(rb.data, p...)
	rb.cond.Signal()
	return dropped
}

func (rb *ringBuffer) Read(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	for len(rb.data) == 0 {
		rb.cond.Wait()
	}
	n := copy(p, rb.data)
	rb.data = rb.data[n:]
	return n, nil
}

// playRemoteAudio decodes the remote Opus track to the default output device
// and feeds the mixer's remote channel, until ctx ends or the track closes.
func playRemoteAudio(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackRemote, tap *mixer.Tap, bufferMs, ringSeconds int) {
	codec := track.Codec()
	sampleRate := int(codec.ClockRate)
	channels := int(codec.Channels)

	decoder, err := opusdec.NewDecoder(sampleRate, channels)
	if err != nil {
		logger.Error("creating opus decoder", err)
		return
	}
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   time.Duration(bufferMs) * time.Millisecond,
	})
	if err != nil {
		logger.Error("creating audio output context", err)
		return
	}
	<-ready

	ring := newRingBuffer(ringSeconds * sampleRate * channels * 2)
	player := otoCtx.NewPlayer(ring)
	player.Play()
	defer func() { _ = player.Close() }()

	pcm := make([]int16, sampleRate*channels)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		rtp, _, err := track.ReadRTP()
		if err != nil {
			if err != io.EOF {
				logger.Error("reading RTP packet", err)
			}
			return
		}
		if len(rtp.Payload) == 0 {
			continue
		}
		n, err := decoder.Decode(rtp.Payload, pcm)
		if err != nil {
			logger.Error("decoding remote opus frame", err)
			continue
		}
		samples := pcm[:n*channels]
		tap.Write(samples)

		out := make([]byte, len(samples)*2)
		for i, s := range samples {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
		}
		if dropped := ring.Write(out); dropped > 0 {
			logger.Warn("playback buffer dropped audio", zap.Int("droppedBytes", dropped))
		}
	}
}
