package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stateLog struct {
	mu      sync.Mutex
	changes []State
}

func (l *stateLog) record(_ string, s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, s)
}

func (l *stateLog) all() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.changes...)
}

func newTestBreaker(cfg BreakerConfig) (*Breaker, *stateLog) {
	log := &stateLog{}
	return NewBreaker("vehicle", cfg, log.record), log
}

func quickConfig() BreakerConfig {
	return BreakerConfig{
		FailureRate:   50,
		Window:        time.Minute,
		MinimumCalls:  2,
		OpenDuration:  20 * time.Millisecond,
		HalfOpenCalls: 2,
	}
}

func call(t *testing.T, b *Breaker, success bool) {
	t.Helper()
	require.NoError(t, b.Allow())
	b.Record(success)
}

func TestBreaker_StaysClosedBelowMinimumCalls(t *testing.T) {
	b, _ := newTestBreaker(DefaultBreakerConfig())

	for range 4 {
		call(t, b, false)
	}
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_StaysClosedOnLowFailureRate(t *testing.T) {
	b, _ := newTestBreaker(DefaultBreakerConfig())

	for range 9 {
		call(t, b, true)
	}
	call(t, b, false)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_OpensOnFailures(t *testing.T) {
	b, log := newTestBreaker(quickConfig())

	call(t, b, false)
	call(t, b, false)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, []State{StateOpen}, log.all())

	var open *ErrOpen
	require.ErrorAs(t, b.Allow(), &open)
	assert.Equal(t, "vehicle", open.Peer)
}

func TestBreaker_HalfOpenRecovers(t *testing.T) {
	b, log := newTestBreaker(quickConfig())
	call(t, b, false)
	call(t, b, false)
	require.Error(t, b.Allow())

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Error(t, b.Allow(), "only the permitted trial calls run")

	b.Record(true)
	b.Record(true)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, log.all())
}

func TestBreaker_HalfOpenReopens(t *testing.T) {
	b, _ := newTestBreaker(quickConfig())
	call(t, b, false)
	call(t, b, false)

	time.Sleep(40 * time.Millisecond)
	call(t, b, false)
	assert.Equal(t, StateOpen, b.State())
	assert.Error(t, b.Allow())
}

func TestBreaker_CancelWhileClosedRecordsNothing(t *testing.T) {
	b, _ := newTestBreaker(quickConfig())

	require.NoError(t, b.Allow())
	b.Cancel()
	// one recorded failure is below the minimum
	call(t, b, false)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CancelledTrialCallReopens(t *testing.T) {
	b, _ := newTestBreaker(quickConfig())
	call(t, b, false)
	call(t, b, false)

	time.Sleep(40 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.Cancel()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerConfig_Defaults(t *testing.T) {
	cfg := BreakerConfig{FailureRate: 150}.withDefaults()
	assert.Equal(t, DefaultBreakerConfig(), cfg)

	cfg = BreakerConfig{FailureRate: 25, Window: time.Second}.withDefaults()
	assert.Equal(t, uint(25), cfg.FailureRate)
	assert.Equal(t, time.Second, cfg.Window)
	assert.Equal(t, uint(5), cfg.MinimumCalls)
	assert.Equal(t, uint(3), cfg.HalfOpenCalls)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
