package memstore

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dogwalking/tracking-service/internal/domain"
)

func TestSaveGetLastLocation(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	sample := domain.LocationSample{AgentID: "a", Coord: domain.Coordinate{Lat: 1, Lon: 1}, Timestamp: 100}

	require.NoError(t, s.SaveLocation(ctx, "a", sample, 0))

	got, ok, err := s.GetLastLocation(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sample, got)

	stats, ok, err := s.GetAgentStats(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, stats.TotalLocations)
}

func TestAbsentReadsReturnFalse(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	_, ok, err := s.GetLastLocation(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.GetStatus(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.GetAgentState(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearAgentData(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	require.NoError(t, s.SaveLocation(ctx, "a", domain.LocationSample{AgentID: "a", Timestamp: 1}, 0))
	require.NoError(t, s.SaveStatus(ctx, "a", domain.StatusActive, 1))

	require.NoError(t, s.ClearAgentData(ctx, "a"))

	_, ok, _ := s.GetLastLocation(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = s.GetStatus(ctx, "a")
	assert.False(t, ok)
}

func TestPublishSubscribeFanOut(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	var mu sync.Mutex
	received := 0
	sub, err := s.SubscribeEvents(func(evt domain.Event) {
		mu.Lock()
		received++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, s.PublishEvent(ctx, domain.Event{Kind: domain.EventLocationReceived}))

	mu.Lock()
	assert.Equal(t, 1, received)
	mu.Unlock()

	require.NoError(t, s.UnsubscribeEvents(sub))
	require.NoError(t, s.PublishEvent(ctx, domain.Event{Kind: domain.EventLocationReceived}))

	mu.Lock()
	assert.Equal(t, 1, received)
	mu.Unlock()
}

func TestGetAllAgentsDedup(t *testing.T) {
	s := New(nil)
	ctx := context.Background()
	require.NoError(t, s.SaveLocation(ctx, "a", domain.LocationSample{AgentID: "a", Timestamp: 1}, 0))
	require.NoError(t, s.SaveStatus(ctx, "a", domain.StatusActive, 1))
	require.NoError(t, s.SaveStatus(ctx, "b", domain.StatusActive, 1))

	ids, err := s.GetAllAgents(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}
