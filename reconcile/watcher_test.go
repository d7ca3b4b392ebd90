package reconcile

import (
	"testing"
	"time"

	"github.com/rkjdid/util"
	"github.com/stretchr/testify/assert"

	"github.com/solar3s/chargelimit/chargelimit"
	"github.com/solar3s/chargelimit/prefs"
)

func TestWatcher_Refreshes(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	m := startManager(t, h, prefs.NewMemory(chargelimit.Intention{}))

	w := NewWatcher(m, &WatcherConfig{RefreshInterval: util.Duration(5 * time.Millisecond)}, nil)
	w.Watch()
	defer w.Stop()

	h.set(85)
	assert.Eventually(t, func() bool {
		return m.Snapshot().Observation == 85
	}, time.Second, 5*time.Millisecond)
}

func TestWatcher_StopIdempotent(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	m := startManager(t, h, prefs.NewMemory(chargelimit.Intention{}))

	w := NewWatcher(m, nil, nil)
	w.Stop()
	w.Watch()
	w.Stop()
	w.Stop()
}

func TestWatcher_SetInterval(t *testing.T) {
	w := NewWatcher(nil, &WatcherConfig{RefreshInterval: util.Duration(time.Hour)}, nil)
	assert.Equal(t, time.Hour, w.Interval())

	w.SetInterval(30 * time.Second)
	assert.Equal(t, 30*time.Second, w.Interval())

	w.SetInterval(0)
	assert.Equal(t, time.Minute, w.Interval())
}

func TestWatcher_SetIntervalWhileRunning(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	m := startManager(t, h, prefs.NewMemory(chargelimit.Intention{}))

	w := NewWatcher(m, &WatcherConfig{RefreshInterval: util.Duration(time.Hour)}, nil)
	w.Watch()
	defer w.Stop()

	// the hour-long wait in progress is not cut short, later ticks are
	w.SetInterval(5 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, w.Interval())
}
