// Package reconcile keeps the persisted charge limit intention and the
// hardware in agreement.
//
// A single loop goroutine owns every piece of mutable state. Public methods
// post closures to the loop and wait for them to run; privileged writes and
// hardware reads run on worker goroutines and post their results back.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solar3s/chargelimit/chargelimit"
	"github.com/solar3s/chargelimit/prefs"
	"github.com/solar3s/chargelimit/privileged"
	"github.com/solar3s/chargelimit/smc"
)

var (
	ErrUnavailable   = errors.New("charge limit control is unavailable on this machine")
	ErrStopped       = errors.New("reconcile manager is stopped")
	ErrNotStarted    = errors.New("reconcile manager is not started")
	ErrInvalidTarget = fmt.Errorf("target must be between %d and %d", chargelimit.MinPercent, chargelimit.MaxPercent)
)

// HistorySize is how many resolved sessions snapshots carry.
const HistorySize = 10

// Observer reads the limit currently enforced by the hardware, in percent.
type Observer interface {
	Observe() (int, error)
}

// Writer performs a privileged write of value to key.
type Writer interface {
	RequestWrite(ctx context.Context, key smc.Key, value int) privileged.Result
}

type Manager struct {
	// ApplyOnStart re-applies an enabled intention the hardware doesn't
	// reflect, e.g. after an SMC reset.
	ApplyOnStart bool

	family   chargelimit.Family
	observer Observer
	writer   Writer
	store    prefs.Store
	logger   *slog.Logger

	cmds    chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	loopWg  sync.WaitGroup
	workWg  sync.WaitGroup
	started bool
	startMu sync.Mutex
	ctxMu   sync.RWMutex

	// owned by the loop
	state       State
	intention   chargelimit.Intention
	observation int
	observedAt  time.Time
	available   bool
	session     *Session
	pending     *chargelimit.Intention
	lastResult  *privileged.Result
	lastErr     error
	refreshing  bool
	generation  uint64
	waiters     []chan struct{}
	history     []Session

	snapMu sync.RWMutex
	snap   Snapshot

	subMu sync.Mutex
	subs  map[chan Snapshot]struct{}
}

func NewManager(f chargelimit.Family, o Observer, w Writer, s prefs.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ApplyOnStart: true,
		family:       f,
		observer:     o,
		writer:       w,
		store:        s,
		logger:       logger.With("component", "reconcile"),
		cmds:         make(chan func()),
		subs:         make(map[chan Snapshot]struct{}),
	}
}

func (m *Manager) Family() chargelimit.Family {
	return m.family
}

// Start loads the stored intention, reads the hardware once and starts the
// loop. A controller that can't be reached leaves the manager running but
// unavailable.
func (m *Manager) Start(ctx context.Context) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		return nil
	}

	i, err := m.store.Load()
	if err != nil {
		m.logger.Warn("loading preferences, using defaults", "err", err)
		m.lastErr = err
		i = chargelimit.Intention{}
	}
	m.intention = i.Normalize(m.family)

	obs, err := m.observer.Observe()
	switch {
	case err == nil:
		m.available = true
		m.observation, m.observedAt = obs, time.Now()
	case errors.Is(err, smc.ErrDriverUnavailable):
		m.logger.Error("charge limit controller unavailable", "err", err)
		m.lastErr = err
	default:
		m.available = true
		m.logger.Warn("initial hardware read", "err", err)
		m.lastErr = err
	}
	m.logger.Info("starting", "family", m.family, "intention", m.intention,
		"observation", m.observation, "available", m.available)

	loopCtx, cancel := context.WithCancel(context.Background())
	m.ctxMu.Lock()
	m.ctx, m.cancel = loopCtx, cancel
	m.ctxMu.Unlock()
	m.started = true
	m.loopWg.Add(1)
	go m.loop(loopCtx)

	return m.do(ctx, func() error {
		if !m.ApplyOnStart || !m.available || !m.intention.Enabled || m.observation == 0 {
			return nil
		}
		if want := m.intention.Effective(m.family); want != m.observation {
			m.logger.Info("hardware disagrees with stored limit, applying", "want", want, "have", m.observation)
			return m.transition(m.intention, byStartup)
		}
		return nil
	})
}

// Stop cancels any in-flight write, stops the loop and waits for workers.
func (m *Manager) Stop() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if !m.started {
		return
	}
	m.logger.Debug("stopping")
	m.cancel()
	m.loopWg.Wait()
	m.workWg.Wait()
	m.started = false

	m.subMu.Lock()
	for c := range m.subs {
		close(c)
		delete(m.subs, c)
	}
	m.subMu.Unlock()
}

// SetIntention records i and applies it to the hardware. A zero target
// means the family default.
func (m *Manager) SetIntention(ctx context.Context, i chargelimit.Intention) error {
	i = i.Normalize(m.family)
	if i.TargetPercent < chargelimit.MinPercent || i.TargetPercent > chargelimit.MaxPercent {
		return ErrInvalidTarget
	}
	return m.do(ctx, func() error {
		return m.transition(i, byUser)
	})
}

func (m *Manager) SetEnabled(ctx context.Context, enabled bool) error {
	return m.do(ctx, func() error {
		i := m.intention
		i.Enabled = enabled
		return m.transition(i, byUser)
	})
}

func (m *Manager) SetTarget(ctx context.Context, percent int) error {
	if percent < chargelimit.MinPercent || percent > chargelimit.MaxPercent {
		return ErrInvalidTarget
	}
	return m.do(ctx, func() error {
		i := m.intention
		i.TargetPercent = percent
		return m.transition(i, byUser)
	})
}

// Reset disables the limit and writes the unrestricted value, even if the
// hardware already reports it.
func (m *Manager) Reset(ctx context.Context) error {
	return m.do(ctx, func() error {
		return m.transition(chargelimit.Intention{
			Enabled:       false,
			TargetPercent: m.family.DefaultTarget(),
		}, byReset)
	})
}

// Refresh re-reads the hardware in the background. It's a no-op while a
// write session is in flight.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.do(ctx, func() error {
		m.refresh()
		return nil
	})
}

// Snapshot returns the state as of the last transition.
func (m *Manager) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Subscribe returns a channel receiving the latest snapshot after every
// transition. Slow readers only see the most recent one. Call cancel to
// unsubscribe.
func (m *Manager) Subscribe() (<-chan Snapshot, func()) {
	c := make(chan Snapshot, 1)
	c <- m.Snapshot()
	m.subMu.Lock()
	m.subs[c] = struct{}{}
	m.subMu.Unlock()

	var once sync.Once
	return c, func() {
		once.Do(func() {
			m.subMu.Lock()
			if _, ok := m.subs[c]; ok {
				delete(m.subs, c)
				close(c)
			}
			m.subMu.Unlock()
		})
	}
}

// Settle blocks until no session is in flight and nothing is pending.
func (m *Manager) Settle(ctx context.Context) error {
	var wait chan struct{}
	err := m.do(ctx, func() error {
		if m.settled() {
			return nil
		}
		wait = make(chan struct{})
		m.waiters = append(m.waiters, wait)
		return nil
	})
	if err != nil || wait == nil {
		return err
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.loopContext().Done():
		return ErrStopped
	}
}

// settled reports whether nothing is in flight and nothing can start.
// A request parked while the controller is unavailable doesn't count.
func (m *Manager) settled() bool {
	return m.session == nil && (m.pending == nil || !m.available)
}

// loopContext is the context of the running loop, nil before Start.
func (m *Manager) loopContext() context.Context {
	m.ctxMu.RLock()
	defer m.ctxMu.RUnlock()
	return m.ctx
}

func (m *Manager) loop(ctx context.Context) {
	defer m.loopWg.Done()
	for {
		select {
		case fn := <-m.cmds:
			fn()
			m.publish()
		case <-ctx.Done():
			return
		}
	}
}

// do runs fn on the loop and returns its error.
func (m *Manager) do(ctx context.Context, fn func() error) error {
	loopCtx := m.loopContext()
	if loopCtx == nil {
		return ErrNotStarted
	}
	errc := make(chan error, 1)
	select {
	case m.cmds <- func() { errc <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-loopCtx.Done():
		return ErrStopped
	}
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-loopCtx.Done():
		return ErrStopped
	}
}

// post hands a worker result to the loop. Results are dropped once stopped.
func (m *Manager) post(ctx context.Context, fn func()) {
	select {
	case m.cmds <- fn:
	case <-ctx.Done():
	}
}

func (m *Manager) worker(fn func()) {
	m.workWg.Add(1)
	go func() {
		defer m.workWg.Done()
		fn()
	}()
}

// transition is the only path from an intention change to a write.
func (m *Manager) transition(i chargelimit.Intention, o origin) error {
	// Revert overwrites are persisted and never written back.
	if o == byRevert {
		if m.state != Reverting {
			return fmt.Errorf("revert outside of %s (state %s)", Reverting, m.state)
		}
		m.intention = i
		m.persist()
		return nil
	}

	if !m.available {
		return ErrUnavailable
	}
	prev := m.intention
	if o != byQueue {
		m.intention = i
		m.persist()
	}

	if m.session != nil {
		p := i
		if m.pending != nil {
			m.logger.Debug("replacing pending request", "old", *m.pending, "new", p)
		}
		m.pending = &p
		return nil
	}

	key, payload := chargelimit.Encode(m.family, i.Enabled, i.TargetPercent)
	if (o == byUser || o == byQueue) && m.observation != 0 && chargelimit.Decode(m.family, payload) == m.observation {
		m.logger.Debug("hardware already matches, skipping write", "intention", i, "observation", m.observation)
		return nil
	}
	m.begin(key, int(payload[0]), i, prev)
	return nil
}

func (m *Manager) begin(key smc.Key, value int, i, prev chargelimit.Intention) {
	s := &Session{
		ID:        uuid.New(),
		Key:       key.Code.String(),
		Value:     value,
		Intention: i,
		Started:   time.Now(),
		previous:  m.confirmedIntention(prev),
	}
	m.session = s
	m.state = WritePending
	m.generation++
	m.logger.Info("write session started", "session", s.ID, "key", s.Key, "value", value)

	ctx := m.loopContext()
	m.worker(func() {
		res := m.writer.RequestWrite(ctx, key, value)
		m.post(ctx, func() { m.written(s, res) })
	})
}

// confirmedIntention is the intention matching the last successful read,
// or fallback if the hardware was never read.
func (m *Manager) confirmedIntention(fallback chargelimit.Intention) chargelimit.Intention {
	if m.observation == 0 {
		return fallback
	}
	return chargelimit.FromObservation(m.family, m.observation)
}

func (m *Manager) written(s *Session, res privileged.Result) {
	if m.session != s {
		return
	}
	m.lastResult = &res
	log := m.logger.With("session", s.ID, "outcome", res.Outcome)

	switch res.Outcome {
	case privileged.Success:
		log.Info("write confirmed")
		m.lastErr = nil
	case privileged.Cancelled:
		log.Info("write cancelled by user")
	default:
		log.Warn("write failed", "message", res.Message)
		m.lastErr = errors.New(res.Message)
	}

	if res.Outcome != privileged.Success {
		if m.pending != nil {
			log.Info("superseded by a newer request, not reverting")
			m.finish()
			return
		}
		m.state = Reverting
	}
	ctx := m.loopContext()
	m.worker(func() {
		obs, err := m.observer.Observe()
		m.post(ctx, func() { m.readBack(s, obs, err) })
	})
}

func (m *Manager) readBack(s *Session, obs int, err error) {
	if m.session != s {
		return
	}
	if err != nil {
		m.logger.Warn("reading back after write", "session", s.ID, "err", err)
		m.observationFailed(err)
	} else {
		m.observed(obs)
	}

	if m.state == Reverting && m.pending == nil {
		revert := s.previous
		if err == nil {
			revert = chargelimit.FromObservation(m.family, obs)
		}
		m.logger.Info("reverting intention to hardware state", "session", s.ID, "intention", revert)
		if err := m.transition(revert, byRevert); err != nil {
			m.logger.Error("revert", "err", err)
		}
	}
	m.finish()
}

// finish closes the current session and starts the pending one, if any.
func (m *Manager) finish() {
	if s := m.session; s != nil {
		s.Ended = time.Now()
		s.Observation = m.observation
		if m.lastResult != nil {
			r := *m.lastResult
			s.Result = &r
		}
		m.history = append(m.history, *s)
		if len(m.history) > HistorySize {
			m.history = m.history[len(m.history)-HistorySize:]
		}
	}
	m.session = nil
	m.state = Idle
	m.startPending()
	if m.settled() {
		for _, w := range m.waiters {
			close(w)
		}
		m.waiters = nil
	}
}

// startPending turns the pending request into a session. While the
// controller is unavailable the request stays parked until a read
// succeeds again.
func (m *Manager) startPending() {
	if m.pending == nil || m.session != nil {
		return
	}
	if !m.available {
		m.logger.Info("controller unavailable, holding pending request", "pending", *m.pending)
		return
	}
	p := *m.pending
	m.pending = nil
	if err := m.transition(p, byQueue); err != nil {
		m.logger.Warn("starting pending request", "err", err)
	}
}

func (m *Manager) refresh() {
	if m.session != nil || m.refreshing {
		return
	}
	m.refreshing = true
	gen := m.generation
	ctx := m.loopContext()
	m.worker(func() {
		obs, err := m.observer.Observe()
		m.post(ctx, func() {
			m.refreshing = false
			if m.session != nil || m.generation != gen {
				m.logger.Debug("discarding refresh started before a write")
				return
			}
			if err != nil {
				m.logger.Warn("refresh", "err", err)
				m.observationFailed(err)
				return
			}
			m.observed(obs)
		})
	})
}

func (m *Manager) observed(obs int) {
	wasAvailable := m.available
	m.available = true
	m.observation, m.observedAt = obs, time.Now()
	if !wasAvailable {
		m.logger.Info("charge limit controller available again")
		m.startPending()
	}
}

func (m *Manager) observationFailed(err error) {
	m.lastErr = err
	if errors.Is(err, smc.ErrDriverUnavailable) {
		if m.available {
			m.logger.Error("charge limit controller unavailable", "err", err)
		}
		m.available = false
	}
}

func (m *Manager) persist() {
	if err := m.store.Save(m.intention); err != nil {
		m.logger.Warn("saving preferences", "err", err)
		m.lastErr = err
	}
}

func (m *Manager) publish() {
	s := Snapshot{
		Time:        time.Now(),
		Family:      m.family,
		Available:   m.available,
		State:       m.state,
		Intention:   m.intention,
		Observation: m.observation,
		ObservedAt:  m.observedAt,
		Steps:       chargelimit.Steps(m.family),
	}
	if m.session != nil {
		cp := *m.session
		s.Session = &cp
	}
	if m.pending != nil {
		cp := *m.pending
		s.Pending = &cp
	}
	if m.lastResult != nil {
		cp := *m.lastResult
		s.LastResult = &cp
	}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	if len(m.history) > 0 {
		s.History = append([]Session(nil), m.history...)
	}

	m.snapMu.Lock()
	m.snap = s
	m.snapMu.Unlock()

	m.subMu.Lock()
	defer m.subMu.Unlock()
	for c := range m.subs {
		select {
		case <-c:
		default:
		}
		c <- s
	}
}
