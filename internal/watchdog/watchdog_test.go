package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForceCheckAllRunsEveryAgent(t *testing.T) {
	var calls int32
	check := func(ctx context.Context, agentID string) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	list := func(ctx context.Context) ([]string, error) {
		return []string{"a", "b", "c"}, nil
	}
	w := New(Config{Enabled: true, CheckInterval: time.Hour, MaxConcurrency: 2}, check, list, nil, nil)

	require.NoError(t, w.ForceCheckAll(context.Background()))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestSweepIsolatesPerAgentFailure(t *testing.T) {
	var calls int32
	check := func(ctx context.Context, agentID string) error {
		atomic.AddInt32(&calls, 1)
		if agentID == "bad" {
			return assert.AnError
		}
		return nil
	}
	list := func(ctx context.Context) ([]string, error) {
		return []string{"a", "bad", "c"}, nil
	}
	w := New(Config{Enabled: true, CheckInterval: time.Hour}, check, list, nil, nil)

	require.NoError(t, w.ForceCheckAll(context.Background()))
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestStartStopIsIdempotent(t *testing.T) {
	var mu sync.Mutex
	ticks := 0
	check := func(ctx context.Context, agentID string) error { return nil }
	list := func(ctx context.Context) ([]string, error) {
		mu.Lock()
		ticks++
		mu.Unlock()
		return nil, nil
	}
	w := New(Config{Enabled: true, CheckInterval: 5 * time.Millisecond}, check, list, nil, nil)

	w.Start(context.Background())
	w.Start(context.Background()) // second Start is a no-op
	time.Sleep(30 * time.Millisecond)
	w.Stop()
	w.Stop() // idempotent

	mu.Lock()
	got := ticks
	mu.Unlock()
	assert.Greater(t, got, 0)
}

func TestDisabledWatchdogNeverTicks(t *testing.T) {
	called := false
	list := func(ctx context.Context) ([]string, error) {
		called = true
		return nil, nil
	}
	w := New(Config{Enabled: false, CheckInterval: 5 * time.Millisecond}, nil, list, nil, nil)
	w.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	w.Stop()
	assert.False(t, called)
}
