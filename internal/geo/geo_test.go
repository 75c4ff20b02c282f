package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dogwalking/tracking-service/internal/domain"
)

func TestDistanceSymmetricAndZero(t *testing.T) {
	a := domain.Coordinate{Lat: 40.7128, Lon: -74.0060}
	b := domain.Coordinate{Lat: 40.7228, Lon: -74.0060}

	assert.Equal(t, 0.0, Distance(a, a))
	assert.InDelta(t, Distance(a, b), Distance(b, a), 1e-9)
}

func TestDistanceKnownSegment(t *testing.T) {
	a := domain.Coordinate{Lat: 40.7128, Lon: -74.0060}
	b := domain.Coordinate{Lat: 40.7228, Lon: -74.0060}

	d := Distance(a, b)
	assert.InDelta(t, 1111.0, d, 5.0)
}

func TestBearingNormalized(t *testing.T) {
	a := domain.Coordinate{Lat: 0, Lon: 0}
	b := domain.Coordinate{Lat: 1, Lon: 0}

	brg := Bearing(a, b)
	require.True(t, brg >= 0 && brg < 360)
	assert.InDelta(t, 0.0, brg, 1.0)
}

func TestSpeedZeroDt(t *testing.T) {
	assert.Equal(t, 0.0, Speed(500, 0))
}

func TestSpeedBasic(t *testing.T) {
	// 1000 m in 60s -> 1 km in 1/60 h -> 60 km/h
	assert.InDelta(t, 60.0, Speed(1000, 60_000), 0.001)
}

func TestValidCoordinateBoundaries(t *testing.T) {
	assert.True(t, ValidCoordinate(90, 180))
	assert.True(t, ValidCoordinate(-90, -180))
	assert.False(t, ValidCoordinate(91, 0))
	assert.False(t, ValidCoordinate(0, 181))
	assert.False(t, ValidCoordinate(math.NaN(), 0))
}

func TestAbnormalJump(t *testing.T) {
	assert.False(t, AbnormalJump(10_000, 500, 300))
	assert.False(t, AbnormalJump(100, 2000, 300))
	assert.True(t, AbnormalJump(500, 2000, 300))
}

func TestPointInCircleBoundaryInclusive(t *testing.T) {
	center := domain.Coordinate{Lat: 40.7128, Lon: -74.0060}
	assert.True(t, PointInCircle(center, center, 500))

	// A point whose distance from center is ~= radius should be inside.
	far := domain.Coordinate{Lat: 40.7128 + 0.0045, Lon: -74.0060}
	d := Distance(far, center)
	assert.True(t, PointInCircle(far, center, d))
}

func TestPointInPolygonSimpleSquare(t *testing.T) {
	square := []domain.Coordinate{
		{Lat: 0, Lon: 0},
		{Lat: 0, Lon: 10},
		{Lat: 10, Lon: 10},
		{Lat: 10, Lon: 0},
	}
	assert.True(t, PointInPolygon(domain.Coordinate{Lat: 5, Lon: 5}, square))
	assert.False(t, PointInPolygon(domain.Coordinate{Lat: 50, Lon: 50}, square))
}

func TestPointInGeofenceDispatch(t *testing.T) {
	circ := &domain.CircularGeofence{IDValue: "z1", NameValue: "zone", Center: domain.Coordinate{Lat: 1, Lon: 1}, RadiusMeters: 1000}
	assert.True(t, PointInGeofence(domain.Coordinate{Lat: 1, Lon: 1}, circ))

	poly := &domain.PolygonGeofence{IDValue: "z2", NameValue: "zone2", Vertices: []domain.Coordinate{
		{Lat: 0, Lon: 0}, {Lat: 0, Lon: 10}, {Lat: 10, Lon: 10}, {Lat: 10, Lon: 0},
	}}
	assert.True(t, PointInGeofence(domain.Coordinate{Lat: 5, Lon: 5}, poly))
}

func TestValidateGeofence(t *testing.T) {
	valid, errs := ValidateGeofence(&domain.CircularGeofence{IDValue: "a", NameValue: "a", Center: domain.Coordinate{Lat: 0, Lon: 0}, RadiusMeters: 10})
	assert.True(t, valid)
	assert.Empty(t, errs)

	valid, errs = ValidateGeofence(&domain.CircularGeofence{IDValue: "a", NameValue: "a", Center: domain.Coordinate{Lat: 0, Lon: 0}, RadiusMeters: 0})
	assert.False(t, valid)
	assert.NotEmpty(t, errs)

	valid, errs = ValidateGeofence(&domain.PolygonGeofence{IDValue: "a", NameValue: "a", Vertices: []domain.Coordinate{{Lat: 0, Lon: 0}, {Lat: 1, Lon: 1}}})
	assert.False(t, valid)
	assert.NotEmpty(t, errs)
}

func TestDistanceToGeofenceCircle(t *testing.T) {
	center := domain.Coordinate{Lat: 0, Lon: 0}
	zone := &domain.CircularGeofence{IDValue: "z", NameValue: "z", Center: center, RadiusMeters: 1000}
	assert.InDelta(t, 1000.0, DistanceToGeofence(center, zone), 1.0)
}
