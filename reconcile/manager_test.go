package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/solar3s/chargelimit/chargelimit"
	"github.com/solar3s/chargelimit/prefs"
	"github.com/solar3s/chargelimit/privileged"
	"github.com/solar3s/chargelimit/smc"
)

// fakeHardware plays both the controller (Observe) and the gateway
// (RequestWrite). Successful writes change what Observe reports.
type fakeHardware struct {
	mock.Mock

	mu      sync.Mutex
	family  chargelimit.Family
	value   int
	readErr error
	reads   atomic.Int32

	// writes block until gate is closed, when set
	gate chan struct{}
}

func newHardware(f chargelimit.Family, percent int) *fakeHardware {
	return &fakeHardware{family: f, value: percent}
}

func (h *fakeHardware) Observe() (int, error) {
	h.reads.Add(1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.readErr != nil {
		return 0, h.readErr
	}
	return h.value, nil
}

func (h *fakeHardware) RequestWrite(ctx context.Context, key smc.Key, value int) privileged.Result {
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return privileged.Result{Outcome: privileged.Cancelled, Message: ctx.Err().Error()}
		}
	}
	args := h.Called(key.Code.String(), value)
	res := args.Get(0).(privileged.Result)
	if res.Outcome == privileged.Success {
		h.set(chargelimit.Decode(h.family, []byte{byte(value)}))
	}
	return res
}

func (h *fakeHardware) set(percent int) {
	h.mu.Lock()
	h.value = percent
	h.mu.Unlock()
}

func (h *fakeHardware) failReads(err error) {
	h.mu.Lock()
	h.readErr = err
	h.mu.Unlock()
}

var (
	ok        = privileged.Result{Outcome: privileged.Success}
	cancelled = privileged.Result{Outcome: privileged.Cancelled, Message: "User canceled."}
	failed    = privileged.Result{Outcome: privileged.Failed, Message: "Error: smc write failed"}
)

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startManager(t *testing.T, h *fakeHardware, store prefs.Store) *Manager {
	t.Helper()
	m := NewManager(h.family, h, h, store, nil)
	require.NoError(t, m.Start(testContext(t)))
	t.Cleanup(m.Stop)
	return m
}

func lastSaved(t *testing.T, s *prefs.Memory) chargelimit.Intention {
	t.Helper()
	saves := s.Saves()
	require.NotEmpty(t, saves)
	return saves[len(saves)-1]
}

func TestManager_RangeLimitedWrite(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	h.On("RequestWrite", "BCLM", 65).Return(ok).Once()
	store := prefs.NewMemory(chargelimit.Intention{})
	m := startManager(t, h, store)

	ctx := testContext(t)
	require.NoError(t, m.SetIntention(ctx, chargelimit.Intention{Enabled: true, TargetPercent: 65}))
	require.NoError(t, m.Settle(ctx))

	snap := m.Snapshot()
	assert.Equal(t, Idle, snap.State)
	assert.Equal(t, 65, snap.Observation)
	assert.Equal(t, chargelimit.Intention{Enabled: true, TargetPercent: 65}, snap.Intention)
	require.NotNil(t, snap.LastResult)
	assert.Equal(t, privileged.Success, snap.LastResult.Outcome)
	assert.Nil(t, snap.Session)
	assert.Equal(t, chargelimit.Intention{Enabled: true, TargetPercent: 65}, lastSaved(t, store))
	h.AssertExpectations(t)
}

func TestManager_BinaryToggleFullChargeWritesDisable(t *testing.T) {
	h := newHardware(chargelimit.BinaryToggle, 80)
	h.On("RequestWrite", "CHWA", 0).Return(ok).Once()
	m := startManager(t, h, prefs.NewMemory(chargelimit.Intention{}))

	ctx := testContext(t)
	require.NoError(t, m.SetIntention(ctx, chargelimit.Intention{Enabled: true, TargetPercent: 100}))
	require.NoError(t, m.Settle(ctx))

	assert.Equal(t, 100, m.Snapshot().Observation)
	h.AssertExpectations(t)
}

func TestManager_CancelledWriteReverts(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	h.On("RequestWrite", "BCLM", 50).Return(cancelled).Once()
	store := prefs.NewMemory(chargelimit.Intention{})
	m := startManager(t, h, store)

	ctx := testContext(t)
	require.NoError(t, m.SetIntention(ctx, chargelimit.Intention{Enabled: true, TargetPercent: 50}))
	require.NoError(t, m.Settle(ctx))

	want := chargelimit.Intention{Enabled: false, TargetPercent: 100}
	snap := m.Snapshot()
	assert.Equal(t, want, snap.Intention)
	assert.Equal(t, Idle, snap.State)
	assert.Equal(t, 100, snap.Observation)
	assert.Equal(t, privileged.Cancelled, snap.LastResult.Outcome)
	assert.Equal(t, want, lastSaved(t, store))
	require.Len(t, snap.History, 1)
	assert.Equal(t, 50, snap.History[0].Value)
	assert.Equal(t, privileged.Cancelled, snap.History[0].Result.Outcome)
	assert.False(t, snap.History[0].Ended.IsZero())
	h.AssertNumberOfCalls(t, "RequestWrite", 1)
}

func TestManager_FailedWriteRevertsToObservedLimit(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 70)
	h.On("RequestWrite", "BCLM", 50).Return(failed).Once()
	store := prefs.NewMemory(chargelimit.Intention{Enabled: true, TargetPercent: 70})
	m := startManager(t, h, store)

	ctx := testContext(t)
	require.NoError(t, m.SetTarget(ctx, 50))
	require.NoError(t, m.Settle(ctx))

	snap := m.Snapshot()
	assert.Equal(t, chargelimit.Intention{Enabled: true, TargetPercent: 70}, snap.Intention)
	assert.Equal(t, "Error: smc write failed", snap.LastError)
	assert.Equal(t, privileged.Failed, snap.LastResult.Outcome)
	h.AssertNumberOfCalls(t, "RequestWrite", 1)
}

func TestManager_RevertUsesLastConfirmedWhenReadFails(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	h.On("RequestWrite", "BCLM", 50).Return(cancelled).Once()
	store := prefs.NewMemory(chargelimit.Intention{})
	m := startManager(t, h, store)
	h.failReads(fmt.Errorf("reading BCLM: %w", smc.ErrKeyNotFound))

	ctx := testContext(t)
	require.NoError(t, m.SetIntention(ctx, chargelimit.Intention{Enabled: true, TargetPercent: 50}))
	require.NoError(t, m.Settle(ctx))

	snap := m.Snapshot()
	assert.Equal(t, chargelimit.Intention{Enabled: false, TargetPercent: 100}, snap.Intention)
	assert.Equal(t, 100, snap.Observation)
	assert.True(t, snap.Available)
}

func TestManager_RevertToStoredWhenNeverRead(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 0)
	h.failReads(fmt.Errorf("reading BCLM: %w", smc.ErrKeyNotFound))
	h.On("RequestWrite", "BCLM", 50).Return(cancelled).Once()
	store := prefs.NewMemory(chargelimit.Intention{Enabled: true, TargetPercent: 70})
	m := startManager(t, h, store)

	ctx := testContext(t)
	require.NoError(t, m.SetTarget(ctx, 50))
	require.NoError(t, m.Settle(ctx))

	assert.Equal(t, chargelimit.Intention{Enabled: true, TargetPercent: 70}, m.Snapshot().Intention)
	assert.Equal(t, chargelimit.Intention{Enabled: true, TargetPercent: 70}, lastSaved(t, store))
}

func TestManager_RevertBinaryToggle(t *testing.T) {
	h := newHardware(chargelimit.BinaryToggle, 80)
	h.On("RequestWrite", "CHWA", 0).Return(cancelled).Once()
	store := prefs.NewMemory(chargelimit.Intention{Enabled: true, TargetPercent: 80})
	m := startManager(t, h, store)

	ctx := testContext(t)
	require.NoError(t, m.SetEnabled(ctx, false))
	require.NoError(t, m.Settle(ctx))

	assert.Equal(t, chargelimit.Intention{Enabled: true, TargetPercent: 80}, m.Snapshot().Intention)
	h.AssertNumberOfCalls(t, "RequestWrite", 1)
}

func TestManager_CoalescesChangesDuringWrite(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	h.gate = make(chan struct{})
	h.On("RequestWrite", "BCLM", 40).Return(ok).Once()
	h.On("RequestWrite", "BCLM", 60).Return(ok).Once()
	store := prefs.NewMemory(chargelimit.Intention{})
	m := startManager(t, h, store)

	ctx := testContext(t)
	require.NoError(t, m.SetIntention(ctx, chargelimit.Intention{Enabled: true, TargetPercent: 40}))
	require.NoError(t, m.SetTarget(ctx, 50))
	require.NoError(t, m.SetTarget(ctx, 60))

	snap := m.Snapshot()
	assert.Equal(t, WritePending, snap.State)
	require.NotNil(t, snap.Session)
	assert.Equal(t, 40, snap.Session.Value)
	require.NotNil(t, snap.Pending)
	assert.Equal(t, 60, snap.Pending.TargetPercent)
	assert.Equal(t, chargelimit.Intention{Enabled: true, TargetPercent: 60}, lastSaved(t, store))

	close(h.gate)
	require.NoError(t, m.Settle(ctx))

	snap = m.Snapshot()
	assert.Equal(t, 60, snap.Observation)
	assert.Equal(t, chargelimit.Intention{Enabled: true, TargetPercent: 60}, snap.Intention)
	assert.Nil(t, snap.Pending)
	h.AssertExpectations(t)
	h.AssertNotCalled(t, "RequestWrite", "BCLM", 50)
}

func TestManager_SupersededSessionIsNotReverted(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	h.gate = make(chan struct{})
	h.On("RequestWrite", "BCLM", 40).Return(cancelled).Once()
	h.On("RequestWrite", "BCLM", 60).Return(ok).Once()
	store := prefs.NewMemory(chargelimit.Intention{})
	m := startManager(t, h, store)

	ctx := testContext(t)
	require.NoError(t, m.SetIntention(ctx, chargelimit.Intention{Enabled: true, TargetPercent: 40}))
	require.NoError(t, m.SetTarget(ctx, 60))
	close(h.gate)
	require.NoError(t, m.Settle(ctx))

	assert.Equal(t, 60, m.Snapshot().Observation)
	for _, s := range store.Saves() {
		assert.True(t, s.Enabled, "superseded session must not revert: %+v", s)
	}
	h.AssertExpectations(t)
}

func TestManager_PendingHeldWhileUnavailable(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	h.gate = make(chan struct{})
	h.On("RequestWrite", "BCLM", 40).Return(ok).Once()
	h.On("RequestWrite", "BCLM", 60).Return(ok).Once()
	store := prefs.NewMemory(chargelimit.Intention{})
	m := startManager(t, h, store)

	ctx := testContext(t)
	require.NoError(t, m.SetIntention(ctx, chargelimit.Intention{Enabled: true, TargetPercent: 40}))
	require.NoError(t, m.SetTarget(ctx, 60))

	// the read-back after the 40 write loses the controller
	h.failReads(fmt.Errorf("opening AppleSMC: %w", smc.ErrDriverUnavailable))
	close(h.gate)
	require.NoError(t, m.Settle(ctx))

	snap := m.Snapshot()
	assert.False(t, snap.Available)
	assert.Nil(t, snap.Session)
	require.NotNil(t, snap.Pending)
	assert.Equal(t, chargelimit.Intention{Enabled: true, TargetPercent: 60}, *snap.Pending)
	h.AssertNotCalled(t, "RequestWrite", "BCLM", 60)

	h.failReads(nil)
	require.NoError(t, m.Refresh(ctx))
	assert.Eventually(t, func() bool {
		s := m.Snapshot()
		return s.Available && s.Session == nil && s.Pending == nil && s.Observation == 60
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Settle(ctx))

	snap = m.Snapshot()
	assert.Equal(t, chargelimit.Intention{Enabled: true, TargetPercent: 60}, snap.Intention)
	assert.Equal(t, snap.Intention.Effective(chargelimit.RangeLimited), snap.Observation)
	assert.Equal(t, chargelimit.Intention{Enabled: true, TargetPercent: 60}, lastSaved(t, store))
	h.AssertExpectations(t)
}

func TestManager_StartConcurrentWithCalls(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	m := NewManager(h.family, h, h, prefs.NewMemory(chargelimit.Intention{}), nil)
	t.Cleanup(m.Stop)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Refresh(testContext(t))
			if err != nil {
				assert.ErrorIs(t, err, ErrNotStarted)
			}
		}()
	}
	require.NoError(t, m.Start(testContext(t)))
	wg.Wait()
	assert.NoError(t, m.Refresh(testContext(t)))
}

func TestManager_SkipsWriteWhenHardwareMatches(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 65)
	store := prefs.NewMemory(chargelimit.Intention{Enabled: true, TargetPercent: 70})
	m := NewManager(h.family, h, h, store, nil)
	m.ApplyOnStart = false
	require.NoError(t, m.Start(testContext(t)))
	defer m.Stop()

	ctx := testContext(t)
	require.NoError(t, m.SetTarget(ctx, 65))
	require.NoError(t, m.Settle(ctx))

	assert.Equal(t, chargelimit.Intention{Enabled: true, TargetPercent: 65}, lastSaved(t, store))
	h.AssertNotCalled(t, "RequestWrite", mock.Anything, mock.Anything)
}

func TestManager_ResetAlwaysWrites(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	h.On("RequestWrite", "BCLM", 100).Return(ok).Once()
	store := prefs.NewMemory(chargelimit.Intention{})
	m := startManager(t, h, store)

	ctx := testContext(t)
	require.NoError(t, m.Reset(ctx))
	require.NoError(t, m.Settle(ctx))

	assert.Equal(t, chargelimit.Intention{Enabled: false, TargetPercent: 80}, m.Snapshot().Intention)
	h.AssertExpectations(t)
}

func TestManager_Unavailable(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 0)
	h.failReads(fmt.Errorf("opening AppleSMC: %w", smc.ErrDriverUnavailable))
	m := startManager(t, h, prefs.NewMemory(chargelimit.Intention{Enabled: true, TargetPercent: 60}))

	snap := m.Snapshot()
	assert.False(t, snap.Available)
	assert.Equal(t, chargelimit.Intention{Enabled: true, TargetPercent: 60}, snap.Intention)

	ctx := testContext(t)
	assert.ErrorIs(t, m.SetTarget(ctx, 70), ErrUnavailable)
	assert.ErrorIs(t, m.Reset(ctx), ErrUnavailable)
	h.AssertNotCalled(t, "RequestWrite", mock.Anything, mock.Anything)
}

func TestManager_ApplyOnStart(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	h.On("RequestWrite", "BCLM", 60).Return(ok).Once()
	m := startManager(t, h, prefs.NewMemory(chargelimit.Intention{Enabled: true, TargetPercent: 60}))

	require.NoError(t, m.Settle(testContext(t)))
	assert.Equal(t, 60, m.Snapshot().Observation)
	h.AssertExpectations(t)
}

func TestManager_ApplyOnStartDisabled(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	m := NewManager(h.family, h, h, prefs.NewMemory(chargelimit.Intention{Enabled: true, TargetPercent: 60}), nil)
	m.ApplyOnStart = false
	require.NoError(t, m.Start(testContext(t)))
	defer m.Stop()

	require.NoError(t, m.Settle(testContext(t)))
	h.AssertNotCalled(t, "RequestWrite", mock.Anything, mock.Anything)
}

func TestManager_DefaultTarget(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	m := startManager(t, h, prefs.NewMemory(chargelimit.Intention{}))
	assert.Equal(t, chargelimit.Intention{Enabled: false, TargetPercent: 80}, m.Snapshot().Intention)
}

func TestManager_InvalidTarget(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	m := startManager(t, h, prefs.NewMemory(chargelimit.Intention{}))

	ctx := testContext(t)
	assert.ErrorIs(t, m.SetTarget(ctx, 10), ErrInvalidTarget)
	assert.ErrorIs(t, m.SetIntention(ctx, chargelimit.Intention{Enabled: true, TargetPercent: 120}), ErrInvalidTarget)
}

func TestManager_Refresh(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	m := startManager(t, h, prefs.NewMemory(chargelimit.Intention{}))

	h.set(75)
	require.NoError(t, m.Refresh(testContext(t)))
	assert.Eventually(t, func() bool {
		return m.Snapshot().Observation == 75
	}, time.Second, 5*time.Millisecond)
}

func TestManager_RefreshSkippedDuringWrite(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	h.gate = make(chan struct{})
	h.On("RequestWrite", "BCLM", 40).Return(ok).Once()
	m := startManager(t, h, prefs.NewMemory(chargelimit.Intention{}))

	ctx := testContext(t)
	require.NoError(t, m.SetTarget(ctx, 40))
	require.NoError(t, m.SetEnabled(ctx, true))
	before := h.reads.Load()
	require.NoError(t, m.Refresh(ctx))
	assert.Equal(t, before, h.reads.Load())

	close(h.gate)
	require.NoError(t, m.Settle(ctx))
	assert.Equal(t, 40, m.Snapshot().Observation)
}

func TestManager_NotStarted(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	m := NewManager(h.family, h, h, prefs.NewMemory(chargelimit.Intention{}), nil)
	assert.ErrorIs(t, m.Refresh(context.Background()), ErrNotStarted)
}

func TestManager_StopCancelsWrite(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	h.gate = make(chan struct{})
	m := NewManager(h.family, h, h, prefs.NewMemory(chargelimit.Intention{}), nil)
	require.NoError(t, m.Start(testContext(t)))

	require.NoError(t, m.SetIntention(testContext(t), chargelimit.Intention{Enabled: true, TargetPercent: 50}))
	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop didn't return")
	}
	assert.ErrorIs(t, m.Refresh(context.Background()), ErrStopped)
}

func TestManager_Subscribe(t *testing.T) {
	h := newHardware(chargelimit.RangeLimited, 100)
	h.On("RequestWrite", "BCLM", 55).Return(ok).Once()
	m := startManager(t, h, prefs.NewMemory(chargelimit.Intention{}))

	ch, cancel := m.Subscribe()
	defer cancel()
	<-ch // current

	ctx := testContext(t)
	require.NoError(t, m.SetIntention(ctx, chargelimit.Intention{Enabled: true, TargetPercent: 55}))
	require.NoError(t, m.Settle(ctx))

	assert.Eventually(t, func() bool {
		select {
		case s := <-ch:
			return s.Observation == 55 && s.State == Idle
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	cancel()
	cancel()
}

func TestState_Text(t *testing.T) {
	for _, s := range []State{Idle, WritePending, Reverting} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		var got State
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, s, got)
	}
	var s State
	assert.Error(t, s.UnmarshalText([]byte("Sleeping")))
	assert.Equal(t, "State(9)", State(9).String())
}
