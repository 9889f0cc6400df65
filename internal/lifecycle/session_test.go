package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arients/VoiceChatBot/internal/backend"
	"github.com/arients/VoiceChatBot/internal/config"
	"github.com/arients/VoiceChatBot/internal/devices"
	"github.com/arients/VoiceChatBot/internal/mixer"
	"github.com/arients/VoiceChatBot/shared"
)

type fakeAPI struct {
	mu        sync.Mutex
	tokenErr  error
	tokenGate chan struct{} // when set, Token blocks until closed
	tokens    int
	ends      int
	asyncEnds int
}

func (f *fakeAPI) Token(ctx context.Context, _ config.Session) (*backend.TokenResponse, error) {
	f.mu.Lock()
	gate := f.tokenGate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenErr != nil {
		return nil, f.tokenErr
	}
	f.tokens++
	token := new(backend.TokenResponse)
	token.ClientSecret.Value = "eph-abc"
	return token, nil
}

func (f *fakeAPI) End(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	return nil
}

func (f *fakeAPI) EndAsync() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asyncEnds++
}

func (f *fakeAPI) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ends + f.asyncEnds
}

func (f *fakeAPI) tokenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens
}

type fakeConn struct {
	mu       sync.Mutex
	closes   int
	replaced []*webrtc.TrackLocalStaticSample
	sent     [][]byte
}

func (c *fakeConn) ReplaceAudioTrack(track *webrtc.TrackLocalStaticSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaced = append(c.replaced, track)
	return nil
}

func (c *fakeConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) replaceCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.replaced)
}

type fakeDialer struct {
	mu           sync.Mutex
	conn         *fakeConn // most recently dialed
	conns        []*fakeConn
	err          error
	gate         chan struct{} // when set, Dial blocks until closed
	dials        int
	onDisconnect func()
}

func (d *fakeDialer) Dial(ctx context.Context, p DialParams) (Conn, error) {
	d.mu.Lock()
	gate := d.gate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.onDisconnect = p.OnDisconnect
	if d.err != nil {
		return nil, d.err
	}
	d.conn = &fakeConn{}
	d.conns = append(d.conns, d.conn)
	return d.conn, nil
}

type fakeCapture struct {
	deviceID string
	stops    atomic.Int32
}

func (c *fakeCapture) DeviceID() string { return c.deviceID }
func (c *fakeCapture) Stop()            { c.stops.Add(1) }

type fakeOpener struct {
	mu       sync.Mutex
	failFor  map[string]error
	captures []*fakeCapture
}

func (o *fakeOpener) open(_ context.Context, deviceID string, _ *webrtc.TrackLocalStaticSample, _ *mixer.Tap, _ *atomic.Bool) (Capture, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err, ok := o.failFor[deviceID]; ok {
		return nil, err
	}
	c := &fakeCapture{deviceID: deviceID}
	o.captures = append(o.captures, c)
	return c, nil
}

func (o *fakeOpener) last() *fakeCapture {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.captures) == 0 {
		return nil
	}
	return o.captures[len(o.captures)-1]
}

type harness struct {
	session *Session
	api     *fakeAPI
	dialer  *fakeDialer
	opener  *fakeOpener
	enum    *staticEnum
	mgr     *devices.Manager
	mix     *mixer.Mixer
	status  *statusLog
}

type staticEnum struct {
	mu   sync.Mutex
	list []devices.Device
}

func (e *staticEnum) set(list []devices.Device) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = list
}

func (e *staticEnum) enumerate() []devices.Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]devices.Device(nil), e.list...)
}

type statusLog struct {
	mu  sync.Mutex
	seq []Status
}

func (l *statusLog) record(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq = append(l.seq, s)
}

func (l *statusLog) sequence() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.seq...)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		api:    &fakeAPI{},
		dialer: &fakeDialer{},
		opener: &fakeOpener{},
		enum:   &staticEnum{list: []devices.Device{{ID: "mic-1"}, {ID: "mic-2"}}},
		mix:    mixer.New(),
		status: &statusLog{},
	}
	h.mgr = devices.NewManager(shared.NewNopLogger(), h.enum.enumerate, "")
	session, err := NewSession(Options{
		Logger:   shared.NewNopLogger(),
		API:      h.api,
		Dialer:   h.dialer,
		Opener:   h.opener.open,
		Devices:  h.mgr,
		Mixer:    h.mix,
		OnStatus: h.status.record,
	})
	require.NoError(t, err)
	h.session = session
	return h
}

func startedConfig() config.Session {
	cfg := config.DefaultSession()
	cfg.MicrophoneID = "mic-1"
	return cfg
}

func TestStart_ReachesActive(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.session.Start(context.Background(), startedConfig()))
	assert.Equal(t, StatusActive, h.session.Status())
	assert.Equal(t, []Status{StatusConnecting, StatusActive}, h.status.sequence())
	assert.Equal(t, "mic-1", h.opener.last().DeviceID())
	assert.False(t, h.session.Muted())
}

func TestStart_HonorsMicDisabled(t *testing.T) {
	h := newHarness(t)
	cfg := startedConfig()
	cfg.StartWithMicDisabled = true

	require.NoError(t, h.session.Start(context.Background(), cfg))
	assert.True(t, h.session.Muted())
}

func TestStart_TokenFailureReturnsToIdleWithoutEnd(t *testing.T) {
	h := newHarness(t)
	h.api.tokenErr = errors.New("vendor down")

	err := h.session.Start(context.Background(), startedConfig())
	require.Error(t, err)
	assert.Equal(t, StatusIdle, h.session.Status())
	assert.Zero(t, h.api.endCount(), "no token issued, no slot to give back")
}

func TestStart_DialFailureCleansUpAndReleasesSlot(t *testing.T) {
	h := newHarness(t)
	h.dialer.err = errors.New("negotiation refused")

	err := h.session.Start(context.Background(), startedConfig())
	var negErr *shared.NegotiationError
	require.ErrorAs(t, err, &negErr)
	assert.Equal(t, StatusIdle, h.session.Status())
	assert.Equal(t, int32(1), h.opener.last().stops.Load(), "capture must be stopped on failed start")
	assert.Equal(t, 1, h.api.endCount(), "issued token must be paired with an end")
}

func TestStart_OverlappingStartRejected(t *testing.T) {
	h := newHarness(t)
	h.api.tokenGate = make(chan struct{})

	firstDone := make(chan error, 1)
	go func() { firstDone <- h.session.Start(context.Background(), startedConfig()) }()

	require.Eventually(t, func() bool {
		return h.session.Status() == StatusConnecting
	}, time.Second, time.Millisecond)

	err := h.session.Start(context.Background(), startedConfig())
	assert.ErrorIs(t, err, shared.ErrSessionBusy)

	close(h.api.tokenGate)
	require.NoError(t, <-firstDone)
	assert.Equal(t, StatusActive, h.session.Status())
}

func TestStart_FallsBackToFirstDeviceWhenConfiguredAbsent(t *testing.T) {
	h := newHarness(t)
	cfg := startedConfig()
	cfg.MicrophoneID = "unplugged"

	require.NoError(t, h.session.Start(context.Background(), cfg))
	assert.Equal(t, "mic-1", h.opener.last().DeviceID())
}

func TestStart_NoDevicesFailsFast(t *testing.T) {
	h := newHarness(t)
	h.enum.set(nil)

	err := h.session.Start(context.Background(), startedConfig())
	var devErr *shared.DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, StatusIdle, h.session.Status())
	assert.Zero(t, h.dialer.dials)
}

func TestTerminate_DoubleCallReleasesOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background(), startedConfig()))
	capture := h.opener.last()

	h.session.Terminate(context.Background())
	h.session.Terminate(context.Background())

	assert.Equal(t, StatusIdle, h.session.Status())
	assert.Equal(t, 1, h.dialer.conn.closeCount(), "connection must be closed exactly once")
	assert.Equal(t, int32(1), capture.stops.Load())
	assert.Equal(t, 1, h.api.endCount(), "end must be notified exactly once")
}

func TestTerminate_DuringPendingStartDiscardsStaleResult(t *testing.T) {
	h := newHarness(t)
	h.dialer.gate = make(chan struct{})

	startDone := make(chan error, 1)
	go func() { startDone <- h.session.Start(context.Background(), startedConfig()) }()

	require.Eventually(t, func() bool {
		return h.session.Status() == StatusConnecting
	}, time.Second, time.Millisecond)

	h.session.Terminate(context.Background())
	close(h.dialer.gate)
	require.NoError(t, <-startDone)

	assert.Equal(t, StatusIdle, h.session.Status())
	assert.Equal(t, 1, h.dialer.conn.closeCount(), "stale connection must be released")
	assert.Equal(t, 1, h.api.endCount(), "slot taken by the late token must be given back exactly once")
}

// Hammers Start with a concurrent Terminate so the teardown lands at every
// point of the connect sequence, then checks nothing leaked: every dialed
// connection closed exactly once, every capture stopped, every issued token
// paired with exactly one end notification.
func TestTerminate_RacingStartNeverLeaksResources(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 200; i++ {
		done := make(chan error, 1)
		go func() { done <- h.session.Start(context.Background(), startedConfig()) }()
		h.session.Terminate(context.Background())
		require.NoError(t, <-done)
		h.session.Terminate(context.Background())
		require.Equal(t, StatusIdle, h.session.Status())
	}

	// EndAsync bookkeeping is synchronous in the fake, so counts are settled
	// once every Start has returned and the session is idle.
	h.dialer.mu.Lock()
	conns := append([]*fakeConn(nil), h.dialer.conns...)
	h.dialer.mu.Unlock()
	for _, conn := range conns {
		assert.Equal(t, 1, conn.closeCount())
	}
	h.opener.mu.Lock()
	captures := append([]*fakeCapture(nil), h.opener.captures...)
	h.opener.mu.Unlock()
	for _, capture := range captures {
		assert.Equal(t, int32(1), capture.stops.Load())
	}
	assert.Equal(t, h.api.tokenCount(), h.api.endCount())
}

func TestMute_TogglesWithoutStatusChange(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background(), startedConfig()))

	h.session.Mute()
	assert.True(t, h.session.Muted())
	assert.Equal(t, StatusActive, h.session.Status())

	h.session.Unmute()
	assert.False(t, h.session.Muted())
	assert.Equal(t, StatusActive, h.session.Status())
}

func TestReconnectAudio_ReplacesTrackAndStopsOldStream(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background(), startedConfig()))
	old := h.opener.last()

	require.NoError(t, h.session.ReconnectAudio(context.Background(), "mic-2"))

	assert.Equal(t, 1, h.dialer.conn.replaceCount())
	assert.Equal(t, int32(1), old.stops.Load())
	assert.Equal(t, "mic-2", h.opener.last().DeviceID())
	assert.Equal(t, StatusActive, h.session.Status())
}

func TestReconnectAudio_NoopWhenIdle(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.ReconnectAudio(context.Background(), "mic-1"))
	assert.Zero(t, h.dialer.dials)
}

func TestReconnectAudio_FallsBackToFirstDevice(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background(), startedConfig()))
	h.opener.mu.Lock()
	h.opener.failFor = map[string]error{"mic-2": errors.New("device busy")}
	h.opener.mu.Unlock()

	require.NoError(t, h.session.ReconnectAudio(context.Background(), "mic-2"))
	assert.Equal(t, "mic-1", h.opener.last().DeviceID())
	assert.Equal(t, StatusActive, h.session.Status())
}

func TestReconnectAudio_NoDeviceTerminatesSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background(), startedConfig()))

	h.enum.set(nil)
	h.mgr.Refresh() // clears the selection, nothing left to fall back to

	err := h.session.ReconnectAudio(context.Background(), "")
	var devErr *shared.DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, StatusIdle, h.session.Status())
}

func TestDeviceChanged_ReconnectsOnlyWhenSelectionMoved(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background(), startedConfig()))

	// Same selection, nothing to do.
	h.session.DeviceChanged(context.Background())
	assert.Zero(t, h.dialer.conn.replaceCount())

	// The current microphone disappears; selection falls back to mic-2.
	h.enum.set([]devices.Device{{ID: "mic-2"}})
	h.mgr.Refresh()
	h.session.DeviceChanged(context.Background())

	assert.Equal(t, 1, h.dialer.conn.replaceCount())
	assert.Equal(t, "mic-2", h.opener.last().DeviceID())
}

func TestTrackEnded_ReacquiresCurrentDevice(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background(), startedConfig()))
	died := h.opener.last()

	h.session.TrackEnded(context.Background())

	assert.Equal(t, 1, h.dialer.conn.replaceCount())
	assert.Equal(t, int32(1), died.stops.Load())
	assert.NotSame(t, died, h.opener.last())
}

func TestSuspendResume_ReacquiresDevice(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background(), startedConfig()))
	suspended := h.opener.last()

	h.session.Suspend()
	assert.Equal(t, int32(1), suspended.stops.Load(), "suspend must stop, not mute, the stream")
	assert.Equal(t, StatusActive, h.session.Status())

	h.session.Resume(context.Background())
	fresh := h.opener.last()
	assert.NotSame(t, suspended, fresh)
	assert.Equal(t, 1, h.dialer.conn.replaceCount())

	// A second resume without a suspend in between is a no-op.
	h.session.Resume(context.Background())
	assert.Same(t, fresh, h.opener.last())
}

func TestConnectionLost_EndsActiveSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background(), startedConfig()))

	h.dialer.mu.Lock()
	disconnect := h.dialer.onDisconnect
	h.dialer.mu.Unlock()
	require.NotNil(t, disconnect)

	disconnect()
	require.Eventually(t, func() bool {
		return h.session.Status() == StatusIdle
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, h.dialer.conn.closeCount())
	assert.Equal(t, 1, h.api.endCount())
}

func TestShutdown_UsesFireAndForgetEnd(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.session.Start(context.Background(), startedConfig()))

	h.session.Shutdown()
	assert.Equal(t, StatusIdle, h.session.Status())
	h.api.mu.Lock()
	defer h.api.mu.Unlock()
	assert.Equal(t, 1, h.api.asyncEnds)
	assert.Zero(t, h.api.ends)
}

func TestSendEvent_RequiresActiveConnection(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.session.SendEvent([]byte(`{}`)), shared.ErrSessionInactive)

	require.NoError(t, h.session.Start(context.Background(), startedConfig()))
	require.NoError(t, h.session.SendEvent([]byte(`{"type":"response.cancel"}`)))
}
