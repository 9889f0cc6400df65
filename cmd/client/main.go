package main

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/arients/VoiceChatBot/internal/backend"
	"github.com/arients/VoiceChatBot/internal/config"
	"github.com/arients/VoiceChatBot/internal/devices"
	"github.com/arients/VoiceChatBot/internal/events"
	"github.com/arients/VoiceChatBot/internal/lifecycle"
	"github.com/arients/VoiceChatBot/internal/mixer"
	"github.com/arients/VoiceChatBot/internal/upstream"
	"github.com/arients/VoiceChatBot/internal/view"
	"github.com/arients/VoiceChatBot/shared"
)

// Log file configuration
const (
	logFileAddress    string = "client/client.log"
	logFileMaxSize    int    = 10
	logFileMaxBackups int    = 2
	logFileMaxAge     int    = 3
	logFileCompress   bool   = false
)

const (
	configAddress       string = "session.yaml"
	printerIndentString string = "  "
	renderInterval             = 500 * time.Millisecond
	// Meter saturates at this normalized RMS; speech peaks well below full
	// scale.
	levelFullScale float64 = 0.25
)

type app struct {
	logger  shared.LoggerAdapter
	store   *config.Store
	api     *backend.Client
	session *lifecycle.Session
	manager *devices.Manager
	mix     *mixer.Mixer
	router  *view.Router
}

func main() {
	_ = godotenv.Load()

	logger := shared.NewFileLogger(
		logFileAddress, logFileMaxSize, logFileMaxBackups, logFileMaxAge, logFileCompress,
	).With(
		zap.String("component", "client"),
		zap.String("version", shared.Version),
	)

	cfg, err := config.LoadSession(configAddress)
	if err != nil {
		logger.Error("loading session config", err)
		os.Exit(1)
	}

	stdoutHook := shared.NewWriteCloser(os.Stdout)
	printer, err := shared.NewPrinter(printerIndentString, stdoutHook)
	if err != nil {
		logger.Error("creating printer", err)
		os.Exit(1)
	}
	router, err := view.NewRouter(logger, printer)
	if err != nil {
		logger.Error("creating view router", err)
		os.Exit(1)
	}

	api, err := backend.NewClient(logger, cfg.BackendURL)
	if err != nil {
		logger.Error("creating backend client", err)
		os.Exit(1)
	}

	vendorBaseURL := shared.MustGetenv(
		shared.GetenvString, "OPENAI_BASE_URL", false, "https://api.openai.com/v1",
	)
	negotiator, err := upstream.NewNegotiator(logger, vendorBaseURL)
	if err != nil {
		logger.Error("creating negotiator", err)
		os.Exit(1)
	}

	manager := devices.NewManager(logger, nil, cfg.MicrophoneID)
	mix := mixer.New()

	a := &app{
		logger:  logger,
		store:   config.NewStore(cfg),
		api:     api,
		manager: manager,
		mix:     mix,
		router:  router,
	}
	a.session, err = lifecycle.NewSession(lifecycle.Options{
		Logger:   logger,
		API:      api,
		Dialer:   lifecycle.NewRTCDialer(logger, negotiator, mix),
		Opener:   lifecycle.NewCaptureOpener(logger),
		Devices:  manager,
		Mixer:    mix,
		OnStatus: a.onStatus,
		OnEvent:  a.onEvent,
	})
	if err != nil {
		logger.Error("creating session", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go manager.Watch(ctx, devices.DefaultWatchInterval, func(_ []devices.Device, _ string) {
		a.session.DeviceChanged(ctx)
		a.render()
	})
	go a.renderLoop(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down...")
		a.session.Shutdown()
		cancel()
		os.Exit(0)
	}()

	a.render()
	a.inputLoop(ctx)

	a.session.Shutdown()
	logger.Info("bye")
}

func (a *app) onStatus(status lifecycle.Status) {
	a.router.Apply(status)
	a.render()
}

func (a *app) onEvent(event *events.Event) {
	switch event.Type {
	case events.TypeTranscriptDelta:
		a.router.TranscriptDelta(event.Delta)
	case events.TypeTranscriptDone:
		a.router.TranscriptDone(event.Transcript)
	case events.TypeError:
		if event.Error != nil {
			a.router.ShowError(event.Error.Message)
		}
	default:
		return
	}
	a.render()
}

func (a *app) render() {
	local, remote := a.mix.Levels()
	a.router.Render(view.Model{
		Status:         a.session.Status(),
		Muted:          a.session.Muted(),
		Devices:        a.manager.Devices(),
		SelectedDevice: a.manager.Selected(),
		Instructions:   a.store.Snapshot().Instructions,
		LocalLevel:     local / levelFullScale,
		RemoteLevel:    remote / levelFullScale,
	})
}

// renderLoop keeps the level meters moving while a session is on screen.
func (a *app) renderLoop(ctx context.Context) {
	ticker := time.NewTicker(renderInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.router.Screen() == view.ScreenSession {
				a.render()
			}
		}
	}
}

func (a *app) inputLoop(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			a.render()
			continue
		}
		if input == "q" {
			return
		}
		a.handleKey(ctx, input)
	}
}

func (a *app) handleKey(ctx context.Context, input string) {
	switch a.router.Screen() {
	case view.ScreenMenu:
		a.handleMenuKey(ctx, input)
	case view.ScreenConfigure:
		a.handleConfigureKey(input)
	case view.ScreenSession:
		a.handleSessionKey(ctx, input)
	}
	a.render()
}

func (a *app) handleMenuKey(ctx context.Context, input string) {
	switch input {
	case "s":
		a.startSession(ctx)
	case "c":
		a.manager.Refresh()
		a.router.Configure()
	case "g":
		a.generateInstructions(ctx)
	case "x":
		a.router.DismissError()
	}
}

func (a *app) handleConfigureKey(input string) {
	switch input {
	case "b":
		a.saveConfig()
		a.router.CloseConfigure()
	case "x":
		a.router.DismissError()
	default:
		n, err := strconv.Atoi(input)
		if err != nil {
			return
		}
		list := a.manager.Devices()
		if n < 1 || n > len(list) {
			return
		}
		id := list[n-1].ID
		if err := a.manager.Select(id); err != nil {
			a.logger.Warn("selecting microphone", zap.String("device", id), zap.Error(err))
			return
		}
		a.store.Update(func(c *config.Session) { c.MicrophoneID = id })
	}
}

func (a *app) handleSessionKey(ctx context.Context, input string) {
	switch input {
	case "m":
		if a.session.Muted() {
			a.session.Unmute()
		} else {
			a.session.Mute()
		}
	case "e":
		a.session.Terminate(ctx)
	case "p":
		a.session.Suspend()
	case "r":
		a.session.Resume(ctx)
	case "x":
		a.router.DismissError()
	}
}

// startSession runs in the background; connecting can take seconds and the
// input loop must stay responsive.
func (a *app) startSession(ctx context.Context) {
	cfg := a.store.Snapshot()
	go func() {
		if err := a.session.Start(ctx, cfg); err != nil {
			a.logger.Error("starting session", err)
			a.router.ShowError(userFacing(err))
			a.render()
		}
	}()
}

func (a *app) generateInstructions(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	instruction, err := a.api.Prompt(reqCtx)
	if err != nil {
		a.logger.Error("generating instructions", err)
		a.router.ShowError(userFacing(err))
		return
	}
	a.store.Update(func(c *config.Session) { c.Instructions = instruction })
	a.saveConfig()
}

func (a *app) saveConfig() {
	if err := config.SaveSession(configAddress, a.store.Snapshot()); err != nil {
		a.logger.Error("saving session config", err)
	}
}

// userFacing maps errors onto banner text. The overload sentinel keeps the
// backend's wording; everything else gets a generic line with detail in the
// log.
func userFacing(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, shared.ErrOverloaded):
		return shared.ErrOverloaded.Error()
	case errors.Is(err, shared.ErrNoDevice):
		return "no microphone detected"
	default:
		return "could not start the session, see the log for details"
	}
}
