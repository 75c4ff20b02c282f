// Package location implements the ingest pipeline: validate a sample,
// derive speed/heading/distance metrics against the agent's last known
// sample, persist it, and publish location.received. It is the first stage
// of the service facade's Track pipeline.
package location

import (
	"context"
	"fmt"

	"github.com/dogwalking/tracking-service/internal/clock"
	"github.com/dogwalking/tracking-service/internal/domain"
	"github.com/dogwalking/tracking-service/internal/geo"
	"github.com/dogwalking/tracking-service/internal/obslog"
	"github.com/dogwalking/tracking-service/internal/shardlock"
	"github.com/dogwalking/tracking-service/internal/storage"
)

// maxFutureSkewMs is how far into the future a supplied timestamp may be
// before it is treated as missing and replaced with now.
const maxFutureSkewMs int64 = 60_000

// headingNoiseFloorM is the minimum segment distance before a heading is
// computed, suppressing noise when the agent is effectively stationary.
const headingNoiseFloorM float64 = 1.0

// Config holds the location engine's tunables.
type Config struct {
	MaxJumpDistanceM float64
}

// Engine is the location-processing pipeline.
type Engine struct {
	store  storage.Driver
	clock  clock.Clock
	log    obslog.Logger
	locks  *shardlock.Striped
	config Config
}

// New returns a location Engine sharing locks with the rest of the service
// so writes for one agent are serialized end-to-end.
func New(store storage.Driver, clk clock.Clock, log obslog.Logger, locks *shardlock.Striped, cfg Config) *Engine {
	if log == nil {
		log = obslog.NewNop()
	}
	return &Engine{store: store, clock: clk, log: log, locks: locks, config: cfg}
}

// TrackResult is the outcome of a successful Track call: the accepted
// sample plus the prior-sample facts the status engine needs to run
// DetectStatus without a second, racy read of the now-overwritten last
// location.
type TrackResult struct {
	Sample         domain.LocationSample
	HadPrior       bool
	PriorTimestamp int64
}

// Track validates and ingests one sample for agentID, deriving speed and
// heading against the agent's previous sample, persisting it, and
// publishing location.received.
func (e *Engine) Track(ctx context.Context, agentID string, lat, lon float64, ts int64, meta map[string]string) (TrackResult, error) {
	if agentID == "" {
		return TrackResult{}, fmt.Errorf("track: agentId must not be empty: %w", domain.ErrInvalidInput)
	}
	if !geo.ValidCoordinate(lat, lon) {
		return TrackResult{}, fmt.Errorf("track: invalid coordinate (%v, %v): %w", lat, lon, domain.ErrInvalidInput)
	}

	now := clock.NowMillis(e.clock)
	if ts <= 0 || ts > now+maxFutureSkewMs {
		ts = now
	}

	e.locks.Lock(agentID)
	defer e.locks.Unlock(agentID)

	prior, hasPrior, err := e.store.GetLastLocation(ctx, agentID)
	if err != nil {
		return TrackResult{}, fmt.Errorf("track: read last location: %w: %v", domain.ErrBackend, err)
	}

	var distanceM, speedKmh, headingDeg float64
	var hasHeading bool

	if hasPrior {
		coord := domain.Coordinate{Lat: lat, Lon: lon}
		distanceM = geo.Distance(prior.Coord, coord)
		dtMs := ts - prior.Timestamp

		if geo.AbnormalJump(distanceM, dtMs, e.config.MaxJumpDistanceM) {
			e.log.Warnw("abnormal jump detected, accepting sample anyway",
				"agentId", agentID, "distanceM", distanceM, "dtMs", dtMs)
		}

		if dtMs > 0 {
			speedKmh = geo.Speed(distanceM, dtMs)
		}
		if distanceM > headingNoiseFloorM {
			headingDeg = geo.Bearing(prior.Coord, coord)
			hasHeading = true
		}
	}

	sample := domain.LocationSample{
		AgentID:    agentID,
		Coord:      domain.Coordinate{Lat: lat, Lon: lon},
		Timestamp:  ts,
		Speed:      speedKmh,
		Heading:    headingDeg,
		HasHeading: hasHeading,
		Meta:       meta,
	}

	if err := e.store.SaveLocation(ctx, agentID, sample, distanceM); err != nil {
		return TrackResult{}, fmt.Errorf("track: save location: %w: %v", domain.ErrBackend, err)
	}

	result := TrackResult{Sample: sample, HadPrior: hasPrior, PriorTimestamp: prior.Timestamp}

	evt := domain.Event{
		ID:        domain.NewEventID(),
		Kind:      domain.EventLocationReceived,
		Timestamp: ts,
		Payload: domain.LocationReceivedPayload{
			AgentID:          agentID,
			Sample:           sample,
			DistanceTraveled: distanceM,
			Speed:            speedKmh,
		},
	}
	if err := e.store.PublishEvent(ctx, evt); err != nil {
		return result, fmt.Errorf("track: publish location.received: %w: %v", domain.ErrBackend, err)
	}

	return result, nil
}

// CurrentLocation returns agentID's last known sample.
func (e *Engine) CurrentLocation(ctx context.Context, agentID string) (domain.LocationSample, bool, error) {
	sample, ok, err := e.store.GetLastLocation(ctx, agentID)
	if err != nil {
		return domain.LocationSample{}, false, fmt.Errorf("currentLocation: %w: %v", domain.ErrBackend, err)
	}
	return sample, ok, nil
}

// DistanceBetweenAgents returns the great-circle distance in meters between
// a's and b's last known samples. Both agents must have at least one
// sample, else ok is false.
func (e *Engine) DistanceBetweenAgents(ctx context.Context, a, b string) (float64, bool, error) {
	sa, ok, err := e.store.GetLastLocation(ctx, a)
	if err != nil {
		return 0, false, fmt.Errorf("distanceBetweenAgents: %w: %v", domain.ErrBackend, err)
	}
	if !ok {
		return 0, false, nil
	}
	sb, ok, err := e.store.GetLastLocation(ctx, b)
	if err != nil {
		return 0, false, fmt.Errorf("distanceBetweenAgents: %w: %v", domain.ErrBackend, err)
	}
	if !ok {
		return 0, false, nil
	}
	return geo.Distance(sa.Coord, sb.Coord), true, nil
}
