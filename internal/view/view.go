// Package view renders the terminal screens. Which screen is visible follows
// the session status; the router only decides what to draw, never what the
// session should do.
package view

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/arients/VoiceChatBot/internal/devices"
	"github.com/arients/VoiceChatBot/internal/lifecycle"
	"github.com/arients/VoiceChatBot/shared"
)

type Screen int

const (
	ScreenMenu Screen = iota
	ScreenConfigure
	ScreenSession
)

func (s Screen) String() string {
	switch s {
	case ScreenMenu:
		return "menu"
	case ScreenConfigure:
		return "configure"
	case ScreenSession:
		return "session"
	default:
		return "unknown"
	}
}

// transcriptLines caps the scrollback kept for the session screen.
const transcriptLines = 8

// Model is everything a render pass needs. The router owns no session state
// beyond the transcript and the error banner.
type Model struct {
	Status         lifecycle.Status
	Muted          bool
	Devices        []devices.Device
	SelectedDevice string
	Instructions   string
	LocalLevel     float64
	RemoteLevel    float64
}

type Router struct {
	logger  shared.LoggerAdapter
	printer *shared.Printer

	mu         sync.Mutex
	screen     Screen
	banner     string
	partial    strings.Builder
	transcript []string
}

func NewRouter(logger shared.LoggerAdapter, printer *shared.Printer) (*Router, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if printer == nil {
		return nil, errors.New("no printer provided")
	}
	return &Router{logger: logger, printer: printer}, nil
}

// Apply maps a session status onto a screen. Connecting, active, and
// terminating all stay on the session screen; only idle returns to the menu.
func (r *Router) Apply(status lifecycle.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if status == lifecycle.StatusIdle {
		r.screen = ScreenMenu
		r.partial.Reset()
		r.transcript = nil
		return
	}
	r.screen = ScreenSession
}

func (r *Router) Screen() Screen {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.screen
}

// Configure opens the settings screen. Ignored while a session is on screen;
// settings are only editable from the menu.
func (r *Router) Configure() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.screen != ScreenMenu {
		return false
	}
	r.screen = ScreenConfigure
	return true
}

// CloseConfigure returns from the settings screen to the menu.
func (r *Router) CloseConfigure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.screen == ScreenConfigure {
		r.screen = ScreenMenu
	}
}

// ShowError raises the dismissible banner. It survives screen switches until
// DismissError is called.
func (r *Router) ShowError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banner = msg
}

func (r *Router) DismissError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banner = ""
}

func (r *Router) Banner() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.banner
}

// TranscriptDelta accumulates a streaming transcript fragment.
func (r *Router) TranscriptDelta(delta string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partial.WriteString(delta)
}

// TranscriptDone commits the finished utterance to the scrollback. When the
// final transcript is provided it replaces whatever was accumulated.
func (r *Router) TranscriptDone(transcript string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := transcript
	if line == "" {
		line = r.partial.String()
	}
	r.partial.Reset()
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	r.transcript = append(r.transcript, line)
	if len(r.transcript) > transcriptLines {
		r.transcript = r.transcript[len(r.transcript)-transcriptLines:]
	}
}

// Render draws the current screen. Rendering never fails the caller; printer
// errors are logged and swallowed so a broken pipe cannot take the session
// down with it.
func (r *Router) Render(m Model) {
	r.mu.Lock()
	screen := r.screen
	banner := r.banner
	lines := append([]string(nil), r.transcript...)
	partial := r.partial.String()
	r.mu.Unlock()

	var err error
	switch screen {
	case ScreenConfigure:
		err = r.renderConfigure(m, banner)
	case ScreenSession:
		err = r.renderSession(m, banner, lines, partial)
	default:
		err = r.renderMenu(banner)
	}
	if err != nil {
		r.logger.Error("rendering screen", err)
	}
}

func (r *Router) renderBanner(banner string) error {
	if banner == "" {
		return nil
	}
	return r.printer.Writeln("❌ "+banner+"  (press x to dismiss)\n", 0)
}

func (r *Router) renderMenu(banner string) error {
	if err := r.renderBanner(banner); err != nil {
		return err
	}
	if err := r.printer.Writeln("🎙  Voice Chat", 0); err != nil {
		return err
	}
	return r.printer.Writeln("[s] start session   [c] configure   [g] generate instructions   [q] quit\n", 1)
}

func (r *Router) renderConfigure(m Model, banner string) error {
	if err := r.renderBanner(banner); err != nil {
		return err
	}
	if err := r.printer.Writeln("📋 Session Settings", 0); err != nil {
		return err
	}
	if err := r.printer.Writeln("instructions: "+ellipsize(m.Instructions, 60), 1); err != nil {
		return err
	}
	if err := r.printer.Writeln("microphones:", 1); err != nil {
		return err
	}
	if len(m.Devices) == 0 {
		return r.printer.Writeln("(none detected)\n", 2)
	}
	for i, d := range m.Devices {
		marker := "  "
		if d.ID == m.SelectedDevice {
			marker = "▶ "
		}
		if err := r.printer.Writeln(fmt.Sprintf("%s%d. %s", marker, i+1, d.Label), 2); err != nil {
			return err
		}
	}
	return r.printer.Writeln("[1-9] select microphone   [b] back\n", 1)
}

func (r *Router) renderSession(m Model, banner string, lines []string, partial string) error {
	if err := r.renderBanner(banner); err != nil {
		return err
	}
	header := "🗣  Session"
	if m.Status == lifecycle.StatusConnecting {
		header = "⏳ Connecting..."
	}
	if m.Status == lifecycle.StatusTerminating {
		header = "👋 Ending session..."
	}
	if err := r.printer.Writeln(header, 0); err != nil {
		return err
	}

	mic := "🎤 mic on "
	if m.Muted {
		mic = "🔇 mic off"
	}
	levels := fmt.Sprintf("%s  you %s  bot %s", mic, meter(m.LocalLevel), meter(m.RemoteLevel))
	if err := r.printer.Writeln(levels, 1); err != nil {
		return err
	}

	for _, line := range lines {
		if err := r.printer.Writeln(line, 1); err != nil {
			return err
		}
	}
	if partial != "" {
		if err := r.printer.Writeln(partial+"…", 1); err != nil {
			return err
		}
	}
	return r.printer.Writeln("[m] mute/unmute   [p] pause mic   [r] resume mic   [e] end session\n", 1)
}

// meter renders a level in [0,1] as a five-segment bar.
func meter(level float64) string {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}
	filled := int(level*5 + 0.5)
	return strings.Repeat("█", filled) + strings.Repeat("░", 5-filled)
}

// ellipsize truncates to at most max bytes, cutting on a rune boundary so
// multi-byte instructions text never renders a torn rune.
func ellipsize(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max - 3
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
