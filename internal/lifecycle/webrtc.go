package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/arients/VoiceChatBot/internal/events"
	"github.com/arients/VoiceChatBot/internal/mixer"
	"github.com/arients/VoiceChatBot/shared"
)

const greetingMaxOutputTokens = 100

// SDPExchanger performs the vendor offer/answer negotiation.
type SDPExchanger interface {
	ExchangeSDP(ctx context.Context, ephemeralKey, model, offerSDP string) (string, error)
}

// RTCDialer builds pion peer connections against the vendor's realtime
// endpoint.
type RTCDialer struct {
	logger     shared.LoggerAdapter
	negotiator SDPExchanger
	mix        *mixer.Mixer
}

func NewRTCDialer(logger shared.LoggerAdapter, negotiator SDPExchanger, mix *mixer.Mixer) *RTCDialer {
	return &RTCDialer{logger: logger, negotiator: negotiator, mix: mix}
}

var _ Dialer = (*RTCDialer)(nil)

func (d *RTCDialer) Dial(ctx context.Context, p DialParams) (Conn, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	conn := &rtcConn{logger: d.logger, pc: pc}
	conn.ctx, conn.cancel = context.WithCancelCause(ctx)

	fail := func(err error) (Conn, error) {
		_ = conn.Close()
		return nil, err
	}

	conn.sender, err = pc.AddTrack(p.Track)
	if err != nil {
		return fail(fmt.Errorf("adding audio track to peer connection: %w", err))
	}

	conn.dc, err = pc.CreateDataChannel("oai", nil)
	if err != nil {
		return fail(fmt.Errorf("creating data channel: %w", err))
	}
	conn.dc.OnOpen(func() {
		msg, err := events.ResponseCreate(p.Instructions, greetingMaxOutputTokens)
		if err != nil {
			d.logger.Error("building greeting event", err)
			return
		}
		if err := conn.Send(msg); err != nil {
			d.logger.Error("sending greeting event", err)
			return
		}
		d.logger.Info("data channel opened and greeting sent")
	})
	conn.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			d.logger.Warn("received non-string message on data channel")
			return
		}
		event, err := events.Parse(msg.Data)
		if err != nil {
			d.logger.Error("parsing data channel event", err, zap.ByteString("data", msg.Data))
			return
		}
		if p.OnEvent != nil {
			p.OnEvent(event)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		d.logger.Debug("peer connection state changed", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			conn.cancel(fmt.Errorf("peer connection state is %s", state))
			if p.OnDisconnect != nil {
				p.OnDisconnect()
			}
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		tap, created := d.mix.RemoteTap(track.ID())
		if !created {
			// Repeated negotiation callbacks for a track we already play.
			return
		}
		d.logger.Info("remote audio track arrived",
			zap.String("id", track.ID()),
			zap.String("codec", track.Codec().MimeType),
		)
		go playRemoteAudio(conn.ctx, d.logger, track, tap, defaultPlaybackBufferMs, defaultRingBufferSeconds)
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fail(&shared.NegotiationError{Stage: "offer", Err: err})
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail(&shared.NegotiationError{Stage: "local description", Err: err})
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return fail(ctx.Err())
	}

	answer, err := d.negotiator.ExchangeSDP(ctx, p.EphemeralKey, p.Model, pc.LocalDescription().SDP)
	if err != nil {
		return fail(&shared.NegotiationError{Stage: "exchange", Err: err})
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fail(&shared.NegotiationError{Stage: "remote description", Err: err})
	}
	return conn, nil
}

type rtcConn struct {
	logger shared.LoggerAdapter
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	sender *webrtc.RTPSender
	closed bool
}

var _ Conn = (*rtcConn)(nil)

func (c *rtcConn) ReplaceAudioTrack(track *webrtc.TrackLocalStaticSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.sender == nil {
		return shared.ErrSessionInactive
	}
	return c.sender.ReplaceTrack(track)
}

func (c *rtcConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.dc == nil {
		return shared.ErrSessionInactive
	}
	return c.dc.Send(msg)
}

// Close releases the peer connection, data channel, and playback context
// independently; a failure in one never skips the rest.
func (c *rtcConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.pc != nil {
		if err := c.pc.Close(); err != nil {
			c.logger.Error("closing peer connection", err)
		}
		c.pc = nil
	}
	if c.dc != nil {
		if err := c.dc.Close(); err != nil {
			c.logger.Error("closing data channel", err)
		}
		c.dc = nil
	}
	c.cancel(errors.New("connection closed"))
	return nil
}
