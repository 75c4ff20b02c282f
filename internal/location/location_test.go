package location

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
	e := New(store, clk, nil, shardlock.New(4), Config{MaxJumpDistanceM: 300})
	return e, clk
}

func TestTrackRejectsInvalidInput(t *testing.T) {
	e, _ := newEngine()
	_, err := e.Track(context.Background(), "", 1, 1, 0, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = e.Track(context.Background(), "a", 91, 0, 0, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestTrackFirstSample(t *testing.T) {
	e, clk := newEngine()
	ctx := context.Background()

	result, err := e.Track(ctx, "a", 40.7128, -74.0060, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 40.7128, result.Sample.Coord.Lat)
	assert.Equal(t, clock.NowMillis(clk), result.Sample.Timestamp)
	assert.Equal(t, 0.0, result.Sample.Speed)
	assert.False(t, result.Sample.HasHeading)
	assert.False(t, result.HadPrior)
}

func TestTrackDerivesSpeedAndHeading(t *testing.T) {
	e, clk := newEngine()
	ctx := context.Background()

	_, err := e.Track(ctx, "a", 40.7128, -74.0060, 0, nil)
	require.NoError(t, err)

	clk.Advance(60 * time.Second)
	result, err := e.Track(ctx, "a", 40.7228, -74.0060, clock.NowMillis(clk), nil)
	require.NoError(t, err)

	assert.InDelta(t, 66.7, result.Sample.Speed, 1.0)
	assert.True(t, result.Sample.HasHeading)
	assert.True(t, result.HadPrior)
}

func TestTrackSubstitutesTimestampWhenMissingOrFuture(t *testing.T) {
	e, clk := newEngine()
	ctx := context.Background()

	result, err := e.Track(ctx, "a", 1, 1, -5, nil)
	require.NoError(t, err)
	assert.Equal(t, clock.NowMillis(clk), result.Sample.Timestamp)

	result, err = e.Track(ctx, "a", 1, 1, clock.NowMillis(clk)+120_000, nil)
	require.NoError(t, err)
	assert.Equal(t, clock.NowMillis(clk), result.Sample.Timestamp)
}

func TestTrackAbnormalJumpStillAccepted(t *testing.T) {
	e, clk := newEngine()
	ctx := context.Background()

	_, err := e.Track(ctx, "a", 0, 0, 0, nil)
	require.NoError(t, err)

	clk.Advance(2 * time.Second)
	result, err := e.Track(ctx, "a", 10, 10, clock.NowMillis(clk), nil)
	require.NoError(t, err, "abnormal jumps are advisory only, never rejected")
	assert.Equal(t, 10.0, result.Sample.Coord.Lat)
}

func TestDistanceBetweenAgentsRequiresBothSamples(t *testing.T) {
	e, _ := newEngine()
	ctx := context.Background()

	_, ok, err := e.DistanceBetweenAgents(ctx, "a", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.Track(ctx, "a", 0, 0, 0, nil)
	require.NoError(t, err)
	_, err = e.Track(ctx, "b", 0, 1, 0, nil)
	require.NoError(t, err)

	d, ok, err := e.DistanceBetweenAgents(ctx, "a", "b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Greater(t, d, 0.0)
}
