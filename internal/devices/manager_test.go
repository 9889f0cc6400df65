package devices

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arients/VoiceChatBot/shared"
)

type fakeEnumerator struct {
	mu   sync.Mutex
	list []Device
}

func (f *fakeEnumerator) set(list []Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.list = list
}

func (f *fakeEnumerator) enumerate() []Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Device(nil), f.list...)
}

func TestManager_KeepsPreferredWhenPresent(t *testing.T) {
	enum := &fakeEnumerator{list: []Device{{ID: "a", Label: "A"}, {ID: "b", Label: "B"}}}
	m := NewManager(shared.NewNopLogger(), enum.enumerate, "b")
	assert.Equal(t, "b", m.Selected())
}

func TestManager_AbsentSelectionFallsBackToFirst(t *testing.T) {
	enum := &fakeEnumerator{list: []Device{{ID: "a", Label: "A"}, {ID: "b", Label: "B"}}}
	m := NewManager(shared.NewNopLogger(), enum.enumerate, "gone")
	assert.Equal(t, "a", m.Selected())
}

func TestManager_UnplugSelectedFallsBack(t *testing.T) {
	enum := &fakeEnumerator{list: []Device{{ID: "a"}, {ID: "b"}}}
	m := NewManager(shared.NewNopLogger(), enum.enumerate, "b")
	require.Equal(t, "b", m.Selected())

	enum.set([]Device{{ID: "a"}})
	m.Refresh()
	assert.Equal(t, "a", m.Selected())
}

func TestManager_NoDevicesClearsSelection(t *testing.T) {
	enum := &fakeEnumerator{list: []Device{{ID: "a"}}}
	m := NewManager(shared.NewNopLogger(), enum.enumerate, "a")

	enum.set(nil)
	m.Refresh()
	assert.Empty(t, m.Selected())
	_, ok := m.First()
	assert.False(t, ok)
}

func TestManager_SelectValidatesAgainstEnumeration(t *testing.T) {
	enum := &fakeEnumerator{list: []Device{{ID: "a"}, {ID: "b"}}}
	m := NewManager(shared.NewNopLogger(), enum.enumerate, "")

	require.NoError(t, m.Select("b"))
	assert.Equal(t, "b", m.Selected())

	err := m.Select("ghost")
	var devErr *shared.DeviceError
	assert.ErrorAs(t, err, &devErr)
	assert.Equal(t, "b", m.Selected(), "failed select must not change the selection")
}

func TestManager_WatchNotifiesOnHotPlug(t *testing.T) {
	enum := &fakeEnumerator{list: []Device{{ID: "a"}}}
	m := NewManager(shared.NewNopLogger(), enum.enumerate, "a")

	notified := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Watch(ctx, 5*time.Millisecond, func(_ []Device, selected string) {
		select {
		case notified <- selected:
		default:
		}
	})

	enum.set([]Device{{ID: "b"}})
	select {
	case selected := <-notified:
		assert.Equal(t, "b", selected, "selection must follow the fresh enumeration")
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never reported the hot-plug")
	}
}
