// Package memstore is the in-memory storage.Driver adapter: one map of
// agent records guarded by a single RWMutex, and a synchronous
// fan-out-to-all event bus. It has no network dependency. Writes for one
// agent are serialized by a striped lock keyed by agentId, and every write
// also takes the map's single write lock, so writes for different agents
// briefly contend on that one lock; reads share its read lock.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/dogwalking/tracking-service/internal/domain"
	"github.com/dogwalking/tracking-service/internal/eventbus"
	"github.com/dogwalking/tracking-service/internal/obslog"
	"github.com/dogwalking/tracking-service/internal/obsmetrics"
	"github.com/dogwalking/tracking-service/internal/shardlock"
)

const defaultShardCount = 32

type agentRecord struct {
	location domain.LocationSample
	hasLoc   bool
	status   domain.AgentStatus
	hasStat  bool
	state    domain.AgentStateSnapshot
	hasState bool
	stats    domain.AgentStats
	hasStats bool
}

// Store is the in-memory Driver implementation.
type Store struct {
	mu      sync.RWMutex
	records map[string]*agentRecord
	locks   *shardlock.Striped
	bus     *eventbus.Bus
	log     obslog.Logger
}

// New returns a ready-to-Initialize in-memory Store.
func New(log obslog.Logger) *Store {
	if log == nil {
		log = obslog.NewNop()
	}
	return &Store{
		records: make(map[string]*agentRecord),
		locks:   shardlock.New(defaultShardCount),
		bus:     eventbus.New(log),
		log:     log,
	}
}

// SetMetrics attaches a metrics bundle to the underlying bus so a panicking
// subscriber is counted.
func (s *Store) SetMetrics(m *obsmetrics.Metrics) { s.bus.SetMetrics(m) }

// Initialize is a no-op for the in-memory backend; it is always ready.
func (s *Store) Initialize(ctx context.Context) error { return nil }

// Disconnect clears all state. Idempotent.
func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*agentRecord)
	return nil
}

func (s *Store) record(agentID string, create bool) *agentRecord {
	s.mu.RLock()
	rec, ok := s.records[agentID]
	s.mu.RUnlock()
	if ok || !create {
		return rec
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok = s.records[agentID]; ok {
		return rec
	}
	rec = &agentRecord{}
	s.records[agentID] = rec
	return rec
}

// SaveLocation implements storage.Driver.
func (s *Store) SaveLocation(ctx context.Context, agentID string, sample domain.LocationSample, distanceDeltaM float64) error {
	s.locks.Lock(agentID)
	defer s.locks.Unlock(agentID)

	rec := s.record(agentID, true)
	s.mu.Lock()
	rec.location = sample
	rec.hasLoc = true
	rec.stats.TotalLocations++
	rec.stats.TotalDistance += distanceDeltaM
	rec.stats.LastUpdate = sample.Timestamp
	rec.hasStats = true
	s.mu.Unlock()
	return nil
}

// GetLastLocation implements storage.Driver.
func (s *Store) GetLastLocation(ctx context.Context, agentID string) (domain.LocationSample, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[agentID]
	if !ok || !rec.hasLoc {
		return domain.LocationSample{}, false, nil
	}
	return rec.location, true, nil
}

// SaveStatus implements storage.Driver.
func (s *Store) SaveStatus(ctx context.Context, agentID string, status domain.AgentStatus, ts int64) error {
	s.locks.Lock(agentID)
	defer s.locks.Unlock(agentID)

	rec := s.record(agentID, true)
	s.mu.Lock()
	rec.status = status
	rec.hasStat = true
	s.mu.Unlock()
	return nil
}

// GetStatus implements storage.Driver.
func (s *Store) GetStatus(ctx context.Context, agentID string) (domain.AgentStatus, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[agentID]
	if !ok || !rec.hasStat {
		return "", false, nil
	}
	return rec.status, true, nil
}

// SaveAgentState implements storage.Driver.
func (s *Store) SaveAgentState(ctx context.Context, agentID string, snapshot domain.AgentStateSnapshot) error {
	s.locks.Lock(agentID)
	defer s.locks.Unlock(agentID)

	rec := s.record(agentID, true)
	s.mu.Lock()
	rec.state = snapshot
	rec.hasState = true
	s.mu.Unlock()
	return nil
}

// GetAgentState implements storage.Driver.
func (s *Store) GetAgentState(ctx context.Context, agentID string) (domain.AgentStateSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[agentID]
	if !ok || !rec.hasState {
		return domain.AgentStateSnapshot{}, false, nil
	}
	return rec.state, true, nil
}

// GetAllAgents implements storage.Driver.
func (s *Store) GetAllAgents(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// PublishEvent implements storage.Driver: synchronous, fan-out-to-all,
// best-effort.
func (s *Store) PublishEvent(ctx context.Context, evt domain.Event) error {
	s.bus.Publish(evt)
	return nil
}

// SubscribeEvents implements storage.Driver.
func (s *Store) SubscribeEvents(handler eventbus.Handler) (eventbus.Subscription, error) {
	return s.bus.Subscribe(handler), nil
}

// UnsubscribeEvents implements storage.Driver. Idempotent.
func (s *Store) UnsubscribeEvents(sub eventbus.Subscription) error {
	s.bus.Unsubscribe(sub)
	return nil
}

// GetAgentStats implements storage.Driver.
func (s *Store) GetAgentStats(ctx context.Context, agentID string) (domain.AgentStats, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[agentID]
	if !ok || !rec.hasStats {
		return domain.AgentStats{}, false, nil
	}
	return rec.stats, true, nil
}

// ClearAgentData implements storage.Driver.
func (s *Store) ClearAgentData(ctx context.Context, agentID string) error {
	s.locks.Lock(agentID)
	defer s.locks.Unlock(agentID)

	s.mu.Lock()
	delete(s.records, agentID)
	s.mu.Unlock()
	return nil
}
