// Package trackersvc is the service facade: it owns the four core
// engines and the storage handle, drives the service lifecycle
// (uninitialized -> running -> shut-down), and composes the public
// operations out of the location, status, geofence, and watchdog engines.
// It is the only package in the CORE that is allowed to know about all four
// engines at once; callers only ever talk to Service.
package trackersvc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dogwalking/tracking-service/internal/clock"
	"github.com/dogwalking/tracking-service/internal/config"
	"github.com/dogwalking/tracking-service/internal/domain"
	"github.com/dogwalking/tracking-service/internal/eventbus"
	"github.com/dogwalking/tracking-service/internal/geofence"
	"github.com/dogwalking/tracking-service/internal/location"
	"github.com/dogwalking/tracking-service/internal/obslog"
	"github.com/dogwalking/tracking-service/internal/obsmetrics"
	"github.com/dogwalking/tracking-service/internal/shardlock"
	"github.com/dogwalking/tracking-service/internal/status"
	"github.com/dogwalking/tracking-service/internal/storage"
	"github.com/dogwalking/tracking-service/internal/watchdog"
)

const lockShardCount = 64

// Service is the embeddable tracking engine. Engines hold a non-owning
// reference to the storage handle and their configuration snapshot;
// Service is the sole owner of the engine instances and the
// storage handle itself.
type Service struct {
	store           storage.Driver
	clock           clock.Clock
	log             obslog.Logger
	metrics         *obsmetrics.Metrics
	geofenceEnabled bool

	location *location.Engine
	status   *status.Engine
	geofence *geofence.Engine
	watchdog *watchdog.Watchdog

	mu        sync.RWMutex
	running   bool
}

// New builds a Service from cfg, wiring every engine to store with a shared
// per-agent shard lock set. It does not start anything; call Initialize.
func New(cfg *config.Config, store storage.Driver, log obslog.Logger, clk clock.Clock, metrics *obsmetrics.Metrics) *Service {
	if log == nil {
		log = obslog.NewNop()
	}
	if clk == nil {
		clk = clock.Real{}
	}

	locks := shardlock.New(lockShardCount)

	locEngine := location.New(store, clk, log, locks, location.Config{
		MaxJumpDistanceM: cfg.Thresholds.MaxJumpDistanceM,
	})
	statEngine := status.New(store, clk, log, locks, status.Config{
		IdleAfter:        cfg.Thresholds.IdleAfter,
		UnreachableAfter: cfg.Thresholds.UnreachableAfter,
		OfflineAfter:     cfg.Thresholds.OfflineAfter,
		MinSpeedKmh:      cfg.Thresholds.MinSpeedKmh,
	})
	geoEngine := geofence.New(clk, log)

	svc := &Service{
		store:           store,
		clock:           clk,
		log:             log,
		metrics:         metrics,
		geofenceEnabled: cfg.GeofenceEnabled,
		location:        locEngine,
		status:          statEngine,
		geofence:        geoEngine,
	}

	svc.watchdog = watchdog.New(watchdog.Config{
		Enabled:        cfg.Watchdog.Enabled,
		CheckInterval:  cfg.Watchdog.CheckInterval,
		MaxConcurrency: cfg.Watchdog.MaxConcurrency,
	}, svc.checkByTime, store.GetAllAgents, log, metrics)

	return svc
}

// backendErr wraps a storage error with domain.ErrBackend and records it
// against the named operation, labeling backend failures by call site
// rather than by error type.
func (s *Service) backendErr(operation string, err error) error {
	if s.metrics != nil {
		s.metrics.BackendErrors.WithLabelValues(operation).Inc()
	}
	return fmt.Errorf("service: %s: %w: %v", operation, domain.ErrBackend, err)
}

func (s *Service) checkInitialized() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return fmt.Errorf("service: not initialized: %w", domain.ErrNotInitialized)
	}
	return nil
}

// Initialize brings storage up and, if configured, starts the watchdog.
// Calling Initialize again while already running is a no-op; calling it
// after Shutdown resumes service.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if err := s.store.Initialize(ctx); err != nil {
		return s.backendErr("initialize storage", err)
	}
	s.watchdog.Start(ctx)
	s.running = true
	return nil
}

// Shutdown stops the watchdog then disconnects storage. Idempotent:
// calling it again once already shut down is a no-op.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.watchdog.Stop()
	if err := s.store.Disconnect(ctx); err != nil {
		return s.backendErr("disconnect storage", err)
	}
	s.running = false
	return nil
}

// snapshotOrSynthesized returns agentId's current snapshot if one exists,
// otherwise a minimal snapshot carrying only the agent id and the supplied
// fallback status, per "the payload is the current snapshot if available,
// otherwise a synthesized minimal snapshot.
func (s *Service) snapshotOrSynthesized(ctx context.Context, agentID string, fallback domain.AgentStatus) domain.AgentStateSnapshot {
	snap, ok, err := s.store.GetAgentState(ctx, agentID)
	if err != nil || !ok {
		return domain.AgentStateSnapshot{AgentID: agentID, Status: fallback}
	}
	return snap
}

// emitStatusEvents publishes status.changed and, where applicable, one
// specialized event for an occurred transition. payload is the snapshot to
// attach to the specialized event.
func (s *Service) emitStatusEvents(ctx context.Context, agentID string, t status.Transition, payload domain.AgentStateSnapshot) error {
	if !t.Occurred {
		return nil
	}
	if s.metrics != nil {
		s.metrics.StatusTransitions.WithLabelValues(string(t.Old), string(t.New)).Inc()
	}

	changed := domain.Event{
		ID:        domain.NewEventID(),
		Kind:      domain.EventStatusChanged,
		Timestamp: t.Timestamp,
		Payload: domain.StatusChangedPayload{
			AgentID:   agentID,
			OldStatus: t.Old,
			NewStatus: t.New,
			Timestamp: t.Timestamp,
			Reason:    t.Reason,
		},
	}
	if err := s.store.PublishEvent(ctx, changed); err != nil {
		return s.backendErr("publish status.changed", err)
	}

	if kind, ok := status.SpecializedEvent(t); ok {
		evt := domain.Event{
			ID:        domain.NewEventID(),
			Kind:      kind,
			Timestamp: t.Timestamp,
			Payload:   domain.AgentStatusEventPayload{AgentID: agentID, Snapshot: payload},
		}
		if err := s.store.PublishEvent(ctx, evt); err != nil {
			return s.backendErr(fmt.Sprintf("publish %s", kind), err)
		}
	}
	return nil
}

// persistStatusOnly writes a transition's new status into the agent's
// snapshot without touching location fields, used by the watchdog and
// manual-override paths (neither observed a new sample).
func (s *Service) persistStatusOnly(ctx context.Context, agentID string, t status.Transition) error {
	if !t.Occurred {
		return nil
	}
	snap, ok, err := s.store.GetAgentState(ctx, agentID)
	if err != nil {
		return s.backendErr("read agent state", err)
	}
	if !ok {
		snap = domain.AgentStateSnapshot{AgentID: agentID}
	}
	snap.Status = t.New
	if err := s.store.SaveAgentState(ctx, agentID, snap); err != nil {
		return s.backendErr("save agent state", err)
	}
	return nil
}

// checkByTime is the watchdog's CheckFunc: it runs the time-driven
// transition for one agent and, if it fired, emits events and persists the
// status-only snapshot update.
func (s *Service) checkByTime(ctx context.Context, agentID string) error {
	before := s.snapshotOrSynthesized(ctx, agentID, domain.StatusOffline)
	t, err := s.status.CheckStatusByTime(ctx, agentID)
	if err != nil {
		return err
	}
	if err := s.emitStatusEvents(ctx, agentID, t, before); err != nil {
		return err
	}
	return s.persistStatusOnly(ctx, agentID, t)
}

// Track runs the full ingest pipeline: location -> status detection ->
// geofence membership -> snapshot update. location.received is published
// before any status/geofence events, and the snapshot write is the last
// effect of the call.
func (s *Service) Track(ctx context.Context, agentID string, lat, lon float64, ts int64, meta map[string]string) (domain.LocationSample, error) {
	if err := s.checkInitialized(); err != nil {
		return domain.LocationSample{}, err
	}

	prevSnapshot, hadSnapshot, err := s.store.GetAgentState(ctx, agentID)
	if err != nil {
		return domain.LocationSample{}, s.backendErr("read agent state", err)
	}

	result, err := s.location.Track(ctx, agentID, lat, lon, ts, meta)
	if err != nil {
		return domain.LocationSample{}, err
	}
	if s.metrics != nil {
		s.metrics.LocationsIngested.WithLabelValues(agentID).Inc()
	}

	transition, err := s.status.DetectStatus(ctx, agentID, result.Sample, result.HadPrior, result.PriorTimestamp)
	if err != nil {
		return result.Sample, err
	}
	eventPayloadSnapshot := prevSnapshot
	if !hadSnapshot {
		eventPayloadSnapshot = domain.AgentStateSnapshot{AgentID: agentID, Status: transition.Old}
	}
	if err := s.emitStatusEvents(ctx, agentID, transition, eventPayloadSnapshot); err != nil {
		return result.Sample, err
	}

	var activeZoneIDs []string
	if s.geofenceEnabled {
		deltas := s.geofence.Check(agentID, result.Sample)
		for _, d := range deltas {
			if err := s.emitGeofenceEvent(ctx, agentID, d, result.Sample); err != nil {
				return result.Sample, err
			}
		}
		activeZoneIDs = s.geofence.AgentGeofenceIDs(agentID)
	} else if hadSnapshot {
		activeZoneIDs = prevSnapshot.ActiveGeofences
	}

	now := clock.NowMillis(s.clock)
	lastMovement := int64(0)
	if hadSnapshot {
		lastMovement = prevSnapshot.LastMovement
	}
	if result.Sample.Speed > 0 {
		lastMovement = now
	}
	stats, _, err := s.store.GetAgentStats(ctx, agentID)
	if err != nil {
		return result.Sample, s.backendErr("get agent stats", err)
	}
	totalDistance := stats.TotalDistance

	newSnapshot := domain.AgentStateSnapshot{
		AgentID:               agentID,
		Status:                transition.New,
		LastLocation:          &result.Sample,
		LastUpdate:            now,
		LastMovement:          lastMovement,
		TotalDistanceTraveled: totalDistance,
		ActiveGeofences:       activeZoneIDs,
	}
	if err := s.store.SaveAgentState(ctx, agentID, newSnapshot); err != nil {
		return result.Sample, s.backendErr("save agent state", err)
	}

	return result.Sample, nil
}

func (s *Service) emitGeofenceEvent(ctx context.Context, agentID string, delta geofence.Delta, sample domain.LocationSample) error {
	if s.metrics != nil {
		s.metrics.GeofenceCrossings.WithLabelValues(string(delta.Direction)).Inc()
	}
	kind := domain.EventAgentEnteredZone
	if delta.Direction == domain.DirectionExit {
		kind = domain.EventAgentExitedZone
	}
	evt := domain.Event{
		ID:        domain.NewEventID(),
		Kind:      kind,
		Timestamp: sample.Timestamp,
		Payload: domain.GeofenceEventPayload{
			AgentID:   agentID,
			ZoneID:    delta.Zone.ID(),
			ZoneName:  delta.Zone.Name(),
			Sample:    sample,
			Timestamp: sample.Timestamp,
			Direction: delta.Direction,
		},
	}
	if err := s.store.PublishEvent(ctx, evt); err != nil {
		return s.backendErr(fmt.Sprintf("publish %s", kind), err)
	}
	return nil
}

// GetLocation returns agentId's last known location.
func (s *Service) GetLocation(ctx context.Context, agentID string) (domain.LocationSample, bool, error) {
	if err := s.checkInitialized(); err != nil {
		return domain.LocationSample{}, false, err
	}
	return s.location.CurrentLocation(ctx, agentID)
}

// GetStatus returns agentId's current persisted status.
func (s *Service) GetStatus(ctx context.Context, agentID string) (domain.AgentStatus, bool, error) {
	if err := s.checkInitialized(); err != nil {
		return "", false, err
	}
	status, ok, err := s.store.GetStatus(ctx, agentID)
	if err != nil {
		return "", false, s.backendErr("get status", err)
	}
	return status, ok, nil
}

// GetAgentState returns agentId's full snapshot.
func (s *Service) GetAgentState(ctx context.Context, agentID string) (domain.AgentStateSnapshot, bool, error) {
	if err := s.checkInitialized(); err != nil {
		return domain.AgentStateSnapshot{}, false, err
	}
	snap, ok, err := s.store.GetAgentState(ctx, agentID)
	if err != nil {
		return domain.AgentStateSnapshot{}, false, s.backendErr("get agent state", err)
	}
	return snap, ok, nil
}

// GetAllAgents returns every known agent id.
func (s *Service) GetAllAgents(ctx context.Context) ([]string, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	agents, err := s.store.GetAllAgents(ctx)
	if err != nil {
		return nil, s.backendErr("get all agents", err)
	}
	return agents, nil
}

// SetStatus forces agentId's status, regardless of thresholds, emitting the
// same transition events a threshold-driven change would.
func (s *Service) SetStatus(ctx context.Context, agentID string, next domain.AgentStatus, reason string) error {
	if err := s.checkInitialized(); err != nil {
		return err
	}
	before := s.snapshotOrSynthesized(ctx, agentID, domain.StatusOffline)
	t, err := s.status.SetStatus(ctx, agentID, next, reason)
	if err != nil {
		return err
	}
	if err := s.emitStatusEvents(ctx, agentID, t, before); err != nil {
		return err
	}
	return s.persistStatusOnly(ctx, agentID, t)
}

// RegisterGeofence validates and registers a zone.
func (s *Service) RegisterGeofence(zone domain.Geofence) error {
	if err := s.checkInitialized(); err != nil {
		return err
	}
	return s.geofence.RegisterGeofence(zone)
}

// RemoveGeofence erases a zone and clears it from every agent's membership.
func (s *Service) RemoveGeofence(zoneID string) error {
	if err := s.checkInitialized(); err != nil {
		return err
	}
	s.geofence.RemoveGeofence(zoneID)
	return nil
}

// GetGeofences returns every registered zone.
func (s *Service) GetGeofences() ([]domain.Geofence, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	return s.geofence.Geofences(), nil
}

// GetAgentGeofences returns the materialized zones agentId currently
// occupies.
func (s *Service) GetAgentGeofences(ctx context.Context, agentID string) ([]domain.Geofence, error) {
	if err := s.checkInitialized(); err != nil {
		return nil, err
	}
	return s.geofence.AgentGeofences(agentID), nil
}

// SubscribeEvents registers handler to receive every subsequently published
// event.
func (s *Service) SubscribeEvents(handler eventbus.Handler) (eventbus.Subscription, error) {
	if err := s.checkInitialized(); err != nil {
		return 0, err
	}
	sub, err := s.store.SubscribeEvents(handler)
	if err != nil {
		return 0, s.backendErr("subscribe events", err)
	}
	return sub, nil
}

// UnsubscribeEvents stops invoking the handler registered under sub.
// Idempotent.
func (s *Service) UnsubscribeEvents(sub eventbus.Subscription) error {
	if err := s.checkInitialized(); err != nil {
		return err
	}
	if err := s.store.UnsubscribeEvents(sub); err != nil {
		return s.backendErr("unsubscribe events", err)
	}
	return nil
}

// GetAgentStats returns agentId's accumulated counters.
func (s *Service) GetAgentStats(ctx context.Context, agentID string) (domain.AgentStats, bool, error) {
	if err := s.checkInitialized(); err != nil {
		return domain.AgentStats{}, false, err
	}
	stats, ok, err := s.store.GetAgentStats(ctx, agentID)
	if err != nil {
		return domain.AgentStats{}, false, s.backendErr("get agent stats", err)
	}
	return stats, ok, nil
}

// ClearAgentData removes every stored kind for agentId, including its
// geofence membership set.
func (s *Service) ClearAgentData(ctx context.Context, agentID string) error {
	if err := s.checkInitialized(); err != nil {
		return err
	}
	if err := s.store.ClearAgentData(ctx, agentID); err != nil {
		return s.backendErr("clear agent data", err)
	}
	s.geofence.ClearAgentGeofences(agentID)
	return nil
}

// DistanceBetweenAgents returns the great-circle distance between a's and
// b's last known samples; ok is false if either has no sample yet.
func (s *Service) DistanceBetweenAgents(ctx context.Context, a, b string) (float64, bool, error) {
	if err := s.checkInitialized(); err != nil {
		return 0, false, err
	}
	return s.location.DistanceBetweenAgents(ctx, a, b)
}

// ForceWatchdogCheck runs one time-driven evaluation for a single agent
// immediately, synchronously with the caller.
func (s *Service) ForceWatchdogCheck(ctx context.Context, agentID string) error {
	if err := s.checkInitialized(); err != nil {
		return err
	}
	return s.watchdog.ForceCheck(ctx, agentID)
}

// ForceWatchdogCheckAll runs one time-driven sweep over every known agent
// immediately, synchronously with the caller.
func (s *Service) ForceWatchdogCheckAll(ctx context.Context) error {
	if err := s.checkInitialized(); err != nil {
		return err
	}
	return s.watchdog.ForceCheckAll(ctx)
}
