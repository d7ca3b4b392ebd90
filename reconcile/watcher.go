package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rkjdid/util"
)

// Watcher periodically re-reads the hardware through a Manager.
type Watcher struct {
	m        *Manager
	interval atomic.Int64
	logger   *slog.Logger
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

type WatcherConfig struct {
	RefreshInterval util.Duration
}

var DefaultWatcherConfig = WatcherConfig{
	RefreshInterval: util.Duration(time.Minute),
}

// NewWatcher copies the interval from cfg. Later changes go through
// SetInterval.
func NewWatcher(m *Manager, cfg *WatcherConfig, logger *slog.Logger) *Watcher {
	if cfg == nil {
		cfg = &DefaultWatcherConfig
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		m:      m,
		logger: logger.With("component", "watcher"),
	}
	w.SetInterval(time.Duration(cfg.RefreshInterval))
	return w
}

// SetInterval changes the refresh rate, effective from the next tick.
// Non-positive values select the default.
func (w *Watcher) SetInterval(d time.Duration) {
	if d <= 0 {
		d = time.Duration(DefaultWatcherConfig.RefreshInterval)
	}
	w.interval.Store(int64(d))
}

func (w *Watcher) Interval() time.Duration {
	return time.Duration(w.interval.Load())
}

func (w *Watcher) Stop() {
	if w.stopCh == nil {
		return
	}
	w.logger.Debug("stopping hardware watcher")
	close(w.stopCh)
	w.wg.Wait()
	w.stopCh = nil
}

// Watch starts the refresh loop.
func (w *Watcher) Watch() {
	if w.stopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	w.stopCh = stopCh
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			interval := w.Interval()
			select {
			case <-time.After(interval):
			case <-stopCh:
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := w.m.Refresh(ctx)
			cancel()
			if err != nil {
				w.logger.Debug("refresh", "err", err)
			}
		}
	}()
}
