package geofence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dogwalking/tracking-service/internal/clock"
	"github.com/dogwalking/tracking-service/internal/domain"
)

func zoneNYC() *domain.CircularGeofence {
	return &domain.CircularGeofence{
		IDValue:      "z1",
		NameValue:    "midtown",
		Center:       domain.Coordinate{Lat: 40.7128, Lon: -74.0060},
		RadiusMeters: 500,
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	e := New(clock.NewFixed(time.Now()), nil)
	err := e.RegisterGeofence(&domain.CircularGeofence{IDValue: "z", NameValue: "z", RadiusMeters: -1})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestCheckEmitsEnterThenExit(t *testing.T) {
	e := New(clock.NewFixed(time.Now()), nil)
	require.NoError(t, e.RegisterGeofence(zoneNYC()))

	inside := domain.LocationSample{AgentID: "a", Coord: domain.Coordinate{Lat: 40.7128, Lon: -74.0060}}
	deltas := e.Check("a", inside)
	require.Len(t, deltas, 1)
	assert.Equal(t, domain.DirectionEnter, deltas[0].Direction)

	outside := domain.LocationSample{AgentID: "a", Coord: domain.Coordinate{Lat: 40.7300, Lon: -74.0200}}
	deltas = e.Check("a", outside)
	require.Len(t, deltas, 1)
	assert.Equal(t, domain.DirectionExit, deltas[0].Direction)
}

func TestCheckNoDeltaWhenUnchanged(t *testing.T) {
	e := New(clock.NewFixed(time.Now()), nil)
	require.NoError(t, e.RegisterGeofence(zoneNYC()))

	inside := domain.LocationSample{AgentID: "a", Coord: domain.Coordinate{Lat: 40.7128, Lon: -74.0060}}
	e.Check("a", inside)
	deltas := e.Check("a", inside)
	assert.Empty(t, deltas)
}

func TestRemoveGeofenceClearsMembershipWithoutExitEvent(t *testing.T) {
	e := New(clock.NewFixed(time.Now()), nil)
	zone := zoneNYC()
	require.NoError(t, e.RegisterGeofence(zone))
	e.Check("a", domain.LocationSample{AgentID: "a", Coord: zone.Center})
	require.True(t, e.IsAgentInGeofence("a", zone.ID()))

	e.RemoveGeofence(zone.ID())
	assert.False(t, e.IsAgentInGeofence("a", zone.ID()))
	assert.Empty(t, e.Geofences())
}

func TestRegisterThenRemoveRoundTrip(t *testing.T) {
	e := New(clock.NewFixed(time.Now()), nil)
	before := e.Geofences()
	zone := zoneNYC()
	require.NoError(t, e.RegisterGeofence(zone))
	e.RemoveGeofence(zone.ID())
	assert.Equal(t, before, e.Geofences())
}

func TestClearAgentGeofences(t *testing.T) {
	e := New(clock.NewFixed(time.Now()), nil)
	zone := zoneNYC()
	require.NoError(t, e.RegisterGeofence(zone))
	e.Check("a", domain.LocationSample{AgentID: "a", Coord: zone.Center})

	e.ClearAgentGeofences("a")
	assert.False(t, e.IsAgentInGeofence("a", zone.ID()))
	assert.Empty(t, e.AgentGeofences("a"))
}
