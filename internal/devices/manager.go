// Package devices tracks audio input devices and the currently selected
// microphone. Hot-plug detection is a polling watcher; the platform gives no
// push notification for device changes.
package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"go.uber.org/zap"

	"github.com/arients/VoiceChatBot/shared"
)

type Device struct {
	ID    string
	Label string
}

// Enumerator lists the currently attached audio inputs. Injectable for tests.
type Enumerator func() []Device

func SystemEnumerator() []Device {
	var out []Device
	for _, info := range mediadevices.EnumerateDevices() {
		if info.Kind != mediadevices.AudioInput {
			continue
		}
		label := info.Label
		if label == "" {
			label = info.DeviceID
		}
		out = append(out, Device{ID: info.DeviceID, Label: label})
	}
	return out
}

const DefaultWatchInterval = 2 * time.Second

type Manager struct {
	logger    shared.LoggerAdapter
	enumerate Enumerator

	mu       sync.Mutex
	devices  []Device
	selected string
}

func NewManager(logger shared.LoggerAdapter, enumerate Enumerator, preferredID string) *Manager {
	if enumerate == nil {
		enumerate = SystemEnumerator
	}
	m := &Manager{logger: logger, enumerate: enumerate, selected: preferredID}
	m.Refresh()
	return m
}

// Refresh re-enumerates and re-validates the selection: a selected id absent
// from the fresh list falls back to the first available device.
func (m *Manager) Refresh() []Device {
	list := m.enumerate()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = list
	if !contains(list, m.selected) {
		prev := m.selected
		if len(list) > 0 {
			m.selected = list[0].ID
		} else {
			m.selected = ""
		}
		if prev != m.selected {
			m.logger.Info("selected microphone replaced",
				zap.String("previous", prev),
				zap.String("selected", m.selected),
			)
		}
	}
	return append([]Device(nil), list...)
}

func (m *Manager) Devices() []Device {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Device(nil), m.devices...)
}

func (m *Manager) Selected() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected
}

// Select switches the microphone to the given id. Used by the session settings
// screen and by the automatic fallback path.
func (m *Manager) Select(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !contains(m.devices, id) {
		return &shared.DeviceError{DeviceID: id, Err: fmt.Errorf("not in current enumeration")}
	}
	m.selected = id
	return nil
}

// First returns the first enumerated device id, the fallback target when the
// preferred device disappears or fails to open.
func (m *Manager) First() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.devices) == 0 {
		return "", false
	}
	return m.devices[0].ID, true
}

// Watch polls for hot-plug changes until ctx is done, invoking notify with the
// fresh list and re-validated selection whenever membership changes.
func (m *Manager) Watch(ctx context.Context, interval time.Duration, notify func(devices []Device, selected string)) {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	prev := m.Devices()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := m.Refresh()
			if sameDevices(prev, current) {
				continue
			}
			m.logger.Info("audio input devices changed",
				zap.Int("previous", len(prev)),
				zap.Int("current", len(current)),
			)
			prev = current
			if notify != nil {
				notify(current, m.Selected())
			}
		}
	}
}

func contains(list []Device, id string) bool {
	if id == "" {
		return false
	}
	for _, d := range list {
		if d.ID == id {
			return true
		}
	}
	return false
}

func sameDevices(a, b []Device) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}
