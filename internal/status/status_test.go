package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dogwalking/tracking-service/internal/clock"
	"github.com/dogwalking/tracking-service/internal/domain"
	"github.com/dogwalking/tracking-service/internal/shardlock"
	"github.com/dogwalking/tracking-service/internal/storage/memstore"
)

func newEngine() (*Engine, *clock.Fixed) {
	store := memstore.New(nil)
	clk := clock.NewFixed(time.Unix(1_700_000_000, 0))
	cfg := Config{
		IdleAfter:        300 * time.Second,
		UnreachableAfter: 30 * time.Second,
		OfflineAfter:     600 * time.Second,
		MinSpeedKmh:      1.5,
	}
	return New(store, clk, nil, shardlock.New(4), cfg), clk
}

func TestDetectStatusFirstSampleIsBackOnlineFromOffline(t *testing.T) {
	e, clk := newEngine()
	sample := domain.LocationSample{AgentID: "a", Timestamp: clock.NowMillis(clk)}

	tr, err := e.DetectStatus(context.Background(), "a", sample, false, 0)
	require.NoError(t, err)
	assert.True(t, tr.Occurred)
	assert.Equal(t, domain.StatusOffline, tr.Old)
	assert.Equal(t, domain.StatusActive, tr.New)

	kind, ok := SpecializedEvent(tr)
	require.True(t, ok)
	assert.Equal(t, domain.EventAgentBackOnline, kind)
}

func TestDetectStatusMovingVsStopped(t *testing.T) {
	e, clk := newEngine()
	ctx := context.Background()
	ts0 := clock.NowMillis(clk)
	_, err := e.DetectStatus(ctx, "a", domain.LocationSample{AgentID: "a", Timestamp: ts0}, false, 0)
	require.NoError(t, err)

	moving := domain.LocationSample{AgentID: "a", Timestamp: ts0 + 1000, Speed: 5.0}
	tr, err := e.DetectStatus(ctx, "a", moving, true, ts0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMoving, tr.New)

	stopped := domain.LocationSample{AgentID: "a", Timestamp: ts0 + 2000, Speed: 0.0}
	tr, err = e.DetectStatus(ctx, "a", stopped, true, ts0+1000)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, tr.New)
}

func TestDetectStatusNoOpWhenUnchanged(t *testing.T) {
	e, clk := newEngine()
	ctx := context.Background()
	ts0 := clock.NowMillis(clk)
	tr, err := e.DetectStatus(ctx, "a", domain.LocationSample{AgentID: "a", Timestamp: ts0, Speed: 0}, false, 0)
	require.NoError(t, err)
	require.True(t, tr.Occurred)

	tr, err = e.DetectStatus(ctx, "a", domain.LocationSample{AgentID: "a", Timestamp: ts0 + 500, Speed: 10}, true, ts0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMoving, tr.New)

	// A further fast sample keeps the agent MOVING: no transition occurs.
	tr, err = e.DetectStatus(ctx, "a", domain.LocationSample{AgentID: "a", Timestamp: ts0 + 1000, Speed: 10}, true, ts0+500)
	require.NoError(t, err)
	assert.False(t, tr.Occurred)
	assert.Equal(t, domain.StatusMoving, tr.New)
}

func TestDetectStatusBackOnlineAfterSilence(t *testing.T) {
	e, clk := newEngine()
	ctx := context.Background()
	ts0 := clock.NowMillis(clk)
	_, err := e.DetectStatus(ctx, "a", domain.LocationSample{AgentID: "a", Timestamp: ts0}, false, 0)
	require.NoError(t, err)

	// Stop the agent.
	_, err = e.DetectStatus(ctx, "a", domain.LocationSample{AgentID: "a", Timestamp: ts0 + 1000, Speed: 0}, true, ts0)
	require.NoError(t, err)

	// Reconnect after a long silence: back online regardless of persisted status.
	late := ts0 + 1000 + 40_000
	tr, err := e.DetectStatus(ctx, "a", domain.LocationSample{AgentID: "a", Timestamp: late, Speed: 0}, true, ts0+1000)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, tr.New)
}

func TestCheckStatusByTimeOfflineWithNoSnapshot(t *testing.T) {
	e, _ := newEngine()
	tr, err := e.CheckStatusByTime(context.Background(), "ghost")
	require.NoError(t, err)
	// An absent status already reads as OFFLINE, so OFFLINE is not a change.
	assert.False(t, tr.Occurred)
	assert.Equal(t, domain.StatusOffline, tr.New)
}

func TestSetStatusForcesTransition(t *testing.T) {
	e, _ := newEngine()
	tr, err := e.SetStatus(context.Background(), "a", domain.StatusIdle, "manual override")
	require.NoError(t, err)
	assert.True(t, tr.Occurred)
	assert.Equal(t, domain.StatusIdle, tr.New)
	assert.Equal(t, "manual override", tr.Reason)
}

func TestSpecializedEventTable(t *testing.T) {
	kind, ok := SpecializedEvent(Transition{Occurred: true, Old: domain.StatusActive, New: domain.StatusUnreachable})
	require.True(t, ok)
	assert.Equal(t, domain.EventAgentUnreachable, kind)

	kind, ok = SpecializedEvent(Transition{Occurred: true, Old: domain.StatusIdle, New: domain.StatusActive})
	require.True(t, ok)
	assert.Equal(t, domain.EventAgentActive, kind)

	_, ok = SpecializedEvent(Transition{Occurred: false})
	assert.False(t, ok)
}
