package trackersvc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dogwalking/tracking-service/internal/clock"
	"github.com/dogwalking/tracking-service/internal/config"
	"github.com/dogwalking/tracking-service/internal/domain"
	"github.com/dogwalking/tracking-service/internal/geo"
	"github.com/dogwalking/tracking-service/internal/storage/memstore"
)

func testConfig() *config.Config {
	return &config.Config{
		Thresholds: config.Thresholds{
			IdleAfter:        300 * time.Second,
			UnreachableAfter: 2 * time.Second,
			OfflineAfter:     600 * time.Second,
			MinSpeedKmh:      1.5,
			MaxJumpDistanceM: 300,
		},
		Watchdog:        config.WatchdogConfig{Enabled: false, CheckInterval: time.Hour, MaxConcurrency: 4},
		GeofenceEnabled: true,
		StorageDriver:   "memory",
	}
}

func newService(t *testing.T) (*Service, *clock.Fixed) {
	t.Helper()
	clk := clock.NewFixed(time.Unix(1_700_000_000, 0))
	store := memstore.New(nil)
	svc := New(testConfig(), store, nil, clk, nil)
	require.NoError(t, svc.Initialize(context.Background()))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc, clk
}

func collectEvents(t *testing.T, svc *Service) (*[]domain.Event, func()) {
	t.Helper()
	var events []domain.Event
	sub, err := svc.SubscribeEvents(func(e domain.Event) { events = append(events, e) })
	require.NoError(t, err)
	return &events, func() { _ = svc.UnsubscribeEvents(sub) }
}

func kinds(events []domain.Event) []domain.EventKind {
	out := make([]domain.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

// S1: first sample for a brand new agent.
func TestTrackFirstSampleBecomesActive(t *testing.T) {
	svc, _ := newService(t)
	events, cleanup := collectEvents(t, svc)
	defer cleanup()

	sample, err := svc.Track(context.Background(), "a", 40.7128, -74.0060, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 40.7128, sample.Coord.Lat)

	status, ok, err := svc.GetStatus(context.Background(), "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusActive, status)

	assert.Contains(t, kinds(*events), domain.EventLocationReceived)
	assert.Contains(t, kinds(*events), domain.EventStatusChanged)
	assert.Contains(t, kinds(*events), domain.EventAgentBackOnline)
}

// S2: a fast second sample classifies the agent as MOVING. The gap stays
// within testConfig's 2 s UnreachableAfter; a longer gap reads as back
// online (ACTIVE) instead.
func TestTrackSecondFastSampleBecomesMoving(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()

	_, err := svc.Track(ctx, "a", 40.7128, -74.0060, 0, nil)
	require.NoError(t, err)

	clk.Advance(time.Second)
	_, err = svc.Track(ctx, "a", 40.7228, -74.0060, clock.NowMillis(clk), nil)
	require.NoError(t, err)

	status, ok, err := svc.GetStatus(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusMoving, status)

	snap, ok, err := svc.GetAgentState(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusMoving, snap.Status)
	assert.NotZero(t, snap.LastMovement)
}

// S3: geofence enter/exit deltas are emitted as the agent crosses a zone
// boundary.
func TestTrackEmitsGeofenceEnterAndExit(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()

	zone := &domain.CircularGeofence{
		IDValue:      "z1",
		NameValue:    "home",
		Center:       domain.Coordinate{Lat: 40.7128, Lon: -74.0060},
		RadiusMeters: 500,
	}
	require.NoError(t, svc.RegisterGeofence(zone))

	events, cleanup := collectEvents(t, svc)
	defer cleanup()

	_, err := svc.Track(ctx, "a", 40.7128, -74.0060, clock.NowMillis(clk), nil)
	require.NoError(t, err)
	assert.Contains(t, kinds(*events), domain.EventAgentEnteredZone)

	zones, err := svc.GetAgentGeofences(ctx, "a")
	require.NoError(t, err)
	require.Len(t, zones, 1)
	assert.Equal(t, "z1", zones[0].ID())

	clk.Advance(time.Second)
	_, err = svc.Track(ctx, "a", 40.7300, -74.0200, clock.NowMillis(clk), nil)
	require.NoError(t, err)
	assert.Contains(t, kinds(*events), domain.EventAgentExitedZone)

	zones, err = svc.GetAgentGeofences(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, zones)
}

// S4/S5: ForceWatchdogCheck drives UNREACHABLE after a silence span, and a
// fresh sample reports back-online.
func TestForceWatchdogUnreachableThenBackOnline(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()

	_, err := svc.Track(ctx, "a", 40.7128, -74.0060, clock.NowMillis(clk), nil)
	require.NoError(t, err)

	events, cleanup := collectEvents(t, svc)
	defer cleanup()

	clk.Advance(3 * time.Second)
	require.NoError(t, svc.ForceWatchdogCheck(ctx, "a"))

	status, ok, err := svc.GetStatus(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusUnreachable, status)
	assert.Contains(t, kinds(*events), domain.EventAgentUnreachable)

	clk.Advance(time.Second)
	_, err = svc.Track(ctx, "a", 40.7130, -74.0062, clock.NowMillis(clk), nil)
	require.NoError(t, err)

	status, ok, err = svc.GetStatus(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, []domain.AgentStatus{domain.StatusActive, domain.StatusMoving}, status)
	assert.Contains(t, kinds(*events), domain.EventAgentBackOnline)
}

// S6: invalid coordinates are rejected and nothing is persisted.
func TestTrackInvalidInputLeavesStateUnchanged(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Track(ctx, "a", 91, 0, 0, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, ok, err := svc.GetAgentState(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

// P6: clearAgentData resets every read surface for the agent.
func TestClearAgentDataResetsEverything(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()

	zone := &domain.CircularGeofence{IDValue: "z1", NameValue: "home", Center: domain.Coordinate{Lat: 0, Lon: 0}, RadiusMeters: 1000}
	require.NoError(t, svc.RegisterGeofence(zone))
	_, err := svc.Track(ctx, "a", 0, 0, clock.NowMillis(clk), nil)
	require.NoError(t, err)

	require.NoError(t, svc.ClearAgentData(ctx, "a"))

	_, ok, err := svc.GetLocation(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = svc.GetStatus(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = svc.GetAgentState(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = svc.GetAgentStats(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	zones, err := svc.GetAgentGeofences(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, zones)
}

// I6: operations fail before Initialize and after Shutdown.
func TestOperationsFailWhenNotInitialized(t *testing.T) {
	clk := clock.NewFixed(time.Unix(1_700_000_000, 0))
	svc := New(testConfig(), memstore.New(nil), nil, clk, nil)

	_, err := svc.Track(context.Background(), "a", 0, 0, 0, nil)
	assert.ErrorIs(t, err, domain.ErrNotInitialized)

	require.NoError(t, svc.Initialize(context.Background()))
	_, err = svc.Track(context.Background(), "a", 0, 0, 0, nil)
	require.NoError(t, err)

	require.NoError(t, svc.Shutdown(context.Background()))
	_, err = svc.Track(context.Background(), "a", 0, 0, 0, nil)
	assert.ErrorIs(t, err, domain.ErrNotInitialized)
}

// R3: shutdown is idempotent.
func TestShutdownIsIdempotent(t *testing.T) {
	clk := clock.NewFixed(time.Unix(1_700_000_000, 0))
	svc := New(testConfig(), memstore.New(nil), nil, clk, nil)
	require.NoError(t, svc.Initialize(context.Background()))
	require.NoError(t, svc.Shutdown(context.Background()))
	require.NoError(t, svc.Shutdown(context.Background()))
}

// R2: unsubscribe is idempotent.
func TestUnsubscribeIsIdempotent(t *testing.T) {
	svc, _ := newService(t)
	sub, err := svc.SubscribeEvents(func(domain.Event) {})
	require.NoError(t, err)
	require.NoError(t, svc.UnsubscribeEvents(sub))
	require.NoError(t, svc.UnsubscribeEvents(sub))
}

// R1: registering then removing a zone leaves GetGeofences as before.
func TestRegisterThenRemoveGeofenceRoundTrips(t *testing.T) {
	svc, _ := newService(t)
	before, err := svc.GetGeofences()
	require.NoError(t, err)

	zone := &domain.CircularGeofence{IDValue: "z1", NameValue: "home", Center: domain.Coordinate{Lat: 0, Lon: 0}, RadiusMeters: 1000}
	require.NoError(t, svc.RegisterGeofence(zone))
	require.NoError(t, svc.RemoveGeofence("z1"))

	after, err := svc.GetGeofences()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// P7: under no watchdog, one location.received per accepted sample.
func TestLocationReceivedCountMatchesAcceptedSamples(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()

	var count int
	sub, err := svc.SubscribeEvents(func(e domain.Event) {
		if e.Kind == domain.EventLocationReceived {
			count++
		}
	})
	require.NoError(t, err)
	defer func() { _ = svc.UnsubscribeEvents(sub) }()

	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		_, err := svc.Track(ctx, "a", 0, float64(i), clock.NowMillis(clk), nil)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, count)
}

// Total distance accumulates as the sum of inter-sample great-circle
// distances, and the snapshot's copy of that number tracks the same
// accumulator rather than going stale after the first sample.
func TestTotalDistanceAccumulatesAcrossSamples(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()

	points := []domain.Coordinate{
		{Lat: 40.7128, Lon: -74.0060},
		{Lat: 40.7228, Lon: -74.0060},
		{Lat: 40.7328, Lon: -74.0160},
	}

	var want float64
	for i, p := range points {
		clk.Advance(time.Second)
		_, err := svc.Track(ctx, "a", p.Lat, p.Lon, clock.NowMillis(clk), nil)
		require.NoError(t, err)
		if i > 0 {
			want += geo.Distance(points[i-1], p)
		}
	}

	stats, ok, err := svc.GetAgentStats(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, want, stats.TotalDistance, 0.001)

	snap, ok, err := svc.GetAgentState(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, want, snap.TotalDistanceTraveled, 0.001)
}

// setStatus forces a transition and surfaces the same event shape a
// threshold-driven change would.
func TestSetStatusEmitsTransitionEvents(t *testing.T) {
	svc, clk := newService(t)
	ctx := context.Background()

	_, err := svc.Track(ctx, "a", 0, 0, clock.NowMillis(clk), nil)
	require.NoError(t, err)

	events, cleanup := collectEvents(t, svc)
	defer cleanup()

	require.NoError(t, svc.SetStatus(ctx, "a", domain.StatusIdle, "manual maintenance"))

	status, ok, err := svc.GetStatus(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.StatusIdle, status)
	assert.Contains(t, kinds(*events), domain.EventAgentIdle)
}
