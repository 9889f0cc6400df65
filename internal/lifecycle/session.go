// Package lifecycle owns one voice session end to end: token acquisition,
// media capture, the WebRTC connection, and teardown. All inbound events
// (device hot-plug, suspend/resume, track-ended) enter through methods on
// Session so ordering is decided in one place.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/arients/VoiceChatBot/internal/backend"
	"github.com/arients/VoiceChatBot/internal/config"
	"github.com/arients/VoiceChatBot/internal/devices"
	"github.com/arients/VoiceChatBot/internal/events"
	"github.com/arients/VoiceChatBot/internal/mixer"
	"github.com/arients/VoiceChatBot/shared"
)

// BackendAPI is the slice of the backend client the lifecycle needs.
type BackendAPI interface {
	Token(ctx context.Context, cfg config.Session) (*backend.TokenResponse, error)
	End(ctx context.Context) error
	EndAsync()
}

// Conn is an established realtime connection. Closing releases the peer
// connection, data channel, and remote playback independently.
type Conn interface {
	ReplaceAudioTrack(track *webrtc.TrackLocalStaticSample) error
	Send(msg []byte) error
	Close() error
}

type DialParams struct {
	EphemeralKey string
	Model        string
	Instructions string
	Track        *webrtc.TrackLocalStaticSample
	OnEvent      func(*events.Event)
	OnDisconnect func()
}

// Dialer negotiates the WebRTC connection with the vendor.
type Dialer interface {
	Dial(ctx context.Context, p DialParams) (Conn, error)
}

// Capture is a live microphone stream feeding the outbound track.
type Capture interface {
	DeviceID() string
	Stop()
}

// CaptureOpener acquires the microphone and starts streaming samples into
// track, tapping decoded PCM into tap. muted gates sample writes.
type CaptureOpener func(ctx context.Context, deviceID string, track *webrtc.TrackLocalStaticSample, tap *mixer.Tap, muted *atomic.Bool) (Capture, error)

type Session struct {
	logger  shared.LoggerAdapter
	api     BackendAPI
	dialer  Dialer
	opener  CaptureOpener
	devices *devices.Manager
	mix     *mixer.Mixer

	onStatus func(Status)
	onEvent  func(*events.Event)

	muted atomic.Bool

	mu          sync.Mutex
	status      Status
	busy        bool
	micStopped  bool
	tokenIssued bool
	epoch       uint64
	conn        Conn
	capture     Capture
	track       *webrtc.TrackLocalStaticSample
	cfg         config.Session
}

type Options struct {
	Logger   shared.LoggerAdapter
	API      BackendAPI
	Dialer   Dialer
	Opener   CaptureOpener
	Devices  *devices.Manager
	Mixer    *mixer.Mixer
	OnStatus func(Status)
	OnEvent  func(*events.Event)
}

func NewSession(opts Options) (*Session, error) {
	if opts.Logger == nil {
		return nil, shared.ErrNoLogger
	}
	if opts.API == nil || opts.Dialer == nil || opts.Opener == nil || opts.Devices == nil || opts.Mixer == nil {
		return nil, shared.ErrNoConfig
	}
	return &Session{
		logger:   opts.Logger,
		api:      opts.API,
		dialer:   opts.Dialer,
		opener:   opts.Opener,
		devices:  opts.Devices,
		mix:      opts.Mixer,
		onStatus: opts.OnStatus,
		onEvent:  opts.OnEvent,
	}, nil
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) Muted() bool {
	return s.muted.Load()
}

func (s *Session) setStatus(status Status) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	prev := s.status
	s.status = status
	cb := s.onStatus
	s.mu.Unlock()
	s.logger.Info("session status changed",
		zap.String("prev", prev.String()),
		zap.String("new", status.String()),
	)
	if cb != nil {
		cb(status)
	}
}

// stale reports whether a terminate has run since the epoch was captured; any
// async result from before is discarded against the cleared state.
func (s *Session) stale(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch != epoch
}

// claimEndNotify consumes the one pending /end owed for an issued token, so a
// terminate racing a late token success sends it exactly once.
func (s *Session) claimEndNotify() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	owed := s.tokenIssued
	s.tokenIssued = false
	return owed
}

// Start brings the session from idle to active. Overlapping starts are
// rejected, not queued.
func (s *Session) Start(ctx context.Context, cfg config.Session) error {
	s.mu.Lock()
	if s.busy || s.status != StatusIdle {
		s.mu.Unlock()
		return shared.ErrSessionBusy
	}
	s.busy = true
	s.cfg = cfg
	epoch := s.epoch
	s.mu.Unlock()

	s.setStatus(StatusConnecting)
	err := s.connect(ctx, cfg, epoch)

	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()

	if err != nil {
		s.terminate(ctx, false)
		return err
	}
	if s.stale(epoch) {
		// A terminate raced the connect; everything acquired was already
		// released inside connect.
		return nil
	}
	s.setStatus(StatusActive)
	return nil
}

func (s *Session) connect(ctx context.Context, cfg config.Session, epoch uint64) error {
	token, err := s.api.Token(ctx, cfg)
	if err != nil {
		return fmt.Errorf("requesting session token: %w", err)
	}
	s.mu.Lock()
	s.tokenIssued = true
	s.mu.Unlock()
	if s.stale(epoch) {
		if s.claimEndNotify() {
			s.api.EndAsync()
		}
		return nil
	}

	// Selection is re-validated against a fresh enumeration; the configured
	// device may have been unplugged since the configure screen.
	s.devices.Refresh()
	if cfg.MicrophoneID != "" {
		if err := s.devices.Select(cfg.MicrophoneID); err != nil {
			s.logger.Warn("configured microphone unavailable", zap.String("device", cfg.MicrophoneID))
		}
	}
	deviceID := s.devices.Selected()
	if deviceID == "" {
		return &shared.DeviceError{Err: shared.ErrNoDevice}
	}

	s.muted.Store(cfg.StartWithMicDisabled)

	track, capture, err := s.openCapture(ctx, deviceID)
	if err != nil {
		return err
	}
	if s.stale(epoch) {
		capture.Stop()
		if s.claimEndNotify() {
			s.api.EndAsync()
		}
		return nil
	}

	conn, err := s.dialer.Dial(ctx, DialParams{
		EphemeralKey: token.ClientSecret.Value,
		Model:        cfg.Model,
		Instructions: cfg.Instructions,
		Track:        track,
		OnEvent:      s.handleEvent,
		OnDisconnect: s.connectionLost,
	})
	if err != nil {
		capture.Stop()
		return &shared.NegotiationError{Stage: "dial", Err: err}
	}

	// Staleness and commit are one critical section; a terminate landing
	// between them would otherwise store live resources into a cleared
	// session that nothing releases.
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		_ = conn.Close()
		capture.Stop()
		if s.claimEndNotify() {
			s.api.EndAsync()
		}
		return nil
	}
	s.conn = conn
	s.capture = capture
	s.track = track
	s.mu.Unlock()
	return nil
}

// openCapture acquires the microphone with a one-shot fallback to the first
// enumerated device.
func (s *Session) openCapture(ctx context.Context, deviceID string) (*webrtc.TrackLocalStaticSample, Capture, error) {
	track, err := newLocalAudioTrack()
	if err != nil {
		return nil, nil, fmt.Errorf("creating local audio track: %w", err)
	}
	capture, err := s.opener(ctx, deviceID, track, s.mix.LocalTap(), &s.muted)
	if err == nil {
		return track, capture, nil
	}
	s.logger.Warn("opening configured microphone failed, trying fallback",
		zap.String("device", deviceID),
		zap.Error(err),
	)

	fallback, ok := s.devices.First()
	if !ok || fallback == deviceID {
		return nil, nil, &shared.DeviceError{DeviceID: deviceID, Err: err}
	}
	capture, err = s.opener(ctx, fallback, track, s.mix.LocalTap(), &s.muted)
	if err != nil {
		return nil, nil, &shared.DeviceError{DeviceID: fallback, Err: err}
	}
	_ = s.devices.Select(fallback)
	return track, capture, nil
}

func newLocalAudioTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio",
		"mic",
	)
}

func (s *Session) handleEvent(event *events.Event) {
	if event.Type == events.TypeError && event.Error != nil {
		s.logger.Warn("vendor reported error",
			zap.String("code", event.Error.Code),
			zap.String("message", event.Error.Message),
		)
	}
	if s.onEvent != nil {
		s.onEvent(event)
	}
}

// connectionLost runs when the transport drops underneath an active session.
// A teardown we started lands here too, via pc.Close, but by then the status
// is already terminating or idle.
func (s *Session) connectionLost() {
	s.mu.Lock()
	active := s.status == StatusActive
	s.mu.Unlock()
	if !active {
		return
	}
	s.logger.Warn("peer connection lost, ending session")
	go s.terminate(context.Background(), false)
}

// Mute and Unmute gate local sample writes. Purely local, synchronous, no
// renegotiation.
func (s *Session) Mute()   { s.muted.Store(true) }
func (s *Session) Unmute() { s.muted.Store(false) }

// ReconnectAudio swaps the outbound audio to the target device on the live
// connection: fresh capture, ReplaceTrack on the sender, old stream stopped,
// mixer local channel rebuilt. Safe to invoke redundantly.
func (s *Session) ReconnectAudio(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	if s.status != StatusActive || s.conn == nil {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	oldCapture := s.capture
	epoch := s.epoch
	s.mu.Unlock()

	if deviceID == "" {
		deviceID = s.devices.Selected()
	}
	if deviceID == "" {
		var ok bool
		deviceID, ok = s.devices.First()
		if !ok {
			err := &shared.DeviceError{Err: shared.ErrNoDevice}
			s.logger.Error("no device available for reconnect", err)
			s.Terminate(ctx)
			return err
		}
	}

	track, capture, err := s.openCapture(ctx, deviceID)
	if err != nil {
		s.logger.Error("reconnecting audio failed", err)
		s.Terminate(ctx)
		return err
	}
	if err := conn.ReplaceAudioTrack(track); err != nil {
		capture.Stop()
		s.logger.Error("replacing outbound track failed", err)
		s.Terminate(ctx)
		return fmt.Errorf("replacing outbound track: %w", err)
	}
	if oldCapture != nil {
		oldCapture.Stop()
	}

	s.mu.Lock()
	if s.epoch != epoch {
		// A terminate raced the swap; the session is already torn down and
		// the fresh capture must not outlive it.
		s.mu.Unlock()
		capture.Stop()
		return nil
	}
	s.capture = capture
	s.track = track
	s.micStopped = false
	s.mu.Unlock()
	s.logger.Info("audio reconnected", zap.String("device", capture.DeviceID()))
	return nil
}

// DeviceChanged is the hot-plug entry point, fed by the device watcher.
func (s *Session) DeviceChanged(ctx context.Context) {
	s.mu.Lock()
	active := s.status == StatusActive
	current := ""
	if s.capture != nil {
		current = s.capture.DeviceID()
	}
	s.mu.Unlock()
	if !active {
		return
	}
	selected := s.devices.Selected()
	if selected == current && selected != "" {
		return
	}
	if err := s.ReconnectAudio(ctx, selected); err != nil {
		s.logger.Error("reconnect after device change failed", err)
	}
}

// TrackEnded is fed when the capture stream dies underneath us.
func (s *Session) TrackEnded(ctx context.Context) {
	if err := s.ReconnectAudio(ctx, s.devices.Selected()); err != nil {
		s.logger.Error("reconnect after track end failed", err)
	}
}

// Suspend releases the capture device while the app is backgrounded. The
// session stays active; only the hardware is let go.
func (s *Session) Suspend() {
	s.mu.Lock()
	capture := s.capture
	s.capture = nil
	if s.status == StatusActive && capture != nil {
		s.micStopped = true
	}
	s.mu.Unlock()
	if capture != nil {
		capture.Stop()
	}
}

// Resume re-acquires the device after a Suspend.
func (s *Session) Resume(ctx context.Context) {
	s.mu.Lock()
	stopped := s.micStopped
	active := s.status == StatusActive
	s.mu.Unlock()
	if !stopped || !active {
		return
	}
	if err := s.ReconnectAudio(ctx, s.devices.Selected()); err != nil {
		s.logger.Error("reconnect after resume failed", err)
	}
}

// SendEvent forwards a client event over the data channel.
func (s *Session) SendEvent(msg []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return shared.ErrSessionInactive
	}
	return conn.Send(msg)
}

// Terminate tears the session down and always lands idle. Idempotent: a
// second concurrent call is a no-op.
func (s *Session) Terminate(ctx context.Context) {
	s.terminate(ctx, false)
}

// Shutdown is the unload-path terminate: the backend is notified
// fire-and-forget instead of awaited.
func (s *Session) Shutdown() {
	s.terminate(context.Background(), true)
}

func (s *Session) terminate(ctx context.Context, async bool) {
	s.mu.Lock()
	if s.status == StatusIdle || s.status == StatusTerminating {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	capture := s.capture
	notifyEnd := s.tokenIssued
	s.conn = nil
	s.capture = nil
	s.track = nil
	s.micStopped = false
	s.tokenIssued = false
	s.epoch++
	s.mu.Unlock()

	s.setStatus(StatusTerminating)

	// Each release is attempted independently; one failure never skips the
	// rest.
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Error("closing connection", err)
		}
	}
	if capture != nil {
		capture.Stop()
	}
	s.mix.Reset()
	s.muted.Store(false)

	// /end pairs with a successful /token; a start that never got a token has
	// no slot to give back.
	if notifyEnd {
		if async {
			s.api.EndAsync()
		} else if err := s.api.End(ctx); err != nil {
			s.logger.Warn("notifying session end failed", zap.Error(err))
		}
	}

	s.setStatus(StatusIdle)
}
