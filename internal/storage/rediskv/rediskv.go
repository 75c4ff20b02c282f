// Package rediskv is the KV+pub/sub storage.Driver adapter backed by
// github.com/redis/go-redis/v9. Last-location/status/snapshot are stored as
// plain string keys (JSON for location and snapshot), stats are a hash
// incremented with HIncrBy/HIncrByFloat, and events are
// delivered over a Redis Pub/Sub channel. Because Redis's own read surface
// for a hash doesn't satisfy the contract's typed getters cheaply under
// concurrent subscriber-only readers, every write also updates a
// process-local mirror before acking the Redis call; the rule that a pure
// pub/sub backend retains a mirror applies equally to a KV backend's
// pub/sub half.
package rediskv

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/dogwalking/tracking-service/internal/domain"
	"github.com/dogwalking/tracking-service/internal/eventbus"
	"github.com/dogwalking/tracking-service/internal/obslog"
	"github.com/dogwalking/tracking-service/internal/obsmetrics"
)

const (
	locationKeyPrefix = "tracker:loc:"
	statusKeyPrefix   = "tracker:status:"
	stateKeyPrefix    = "tracker:state:"
	statsKeyPrefix    = "tracker:stats:"
	agentIndexKey     = "tracker:agents"
	eventsChannel      = "tracker:events"
	geoIndexKey       = "tracker:geo"
)

// mirror is the process-local read cache kept consistent with every write
// made through this adapter, so GetLastLocation et al. don't depend on
// Redis Pub/Sub's at-most-once delivery to stay correct locally.
type mirror struct {
	mu        sync.RWMutex
	locations map[string]domain.LocationSample
	statuses  map[string]domain.AgentStatus
	states    map[string]domain.AgentStateSnapshot
	stats     map[string]domain.AgentStats
}

func newMirror() *mirror {
	return &mirror{
		locations: make(map[string]domain.LocationSample),
		statuses:  make(map[string]domain.AgentStatus),
		states:    make(map[string]domain.AgentStateSnapshot),
		stats:     make(map[string]domain.AgentStats),
	}
}

// Store is the redis-backed Driver implementation.
type Store struct {
	client  *redis.Client
	addr    string
	mirror  *mirror
	log     obslog.Logger
	metrics *obsmetrics.Metrics

	subMu  sync.Mutex
	subs   map[eventbus.Subscription]eventbus.Handler
	nextID eventbus.Subscription
	cancel context.CancelFunc
	pubsub *redis.PubSub
}

// New returns a Store configured to dial addr on Initialize.
func New(addr string, log obslog.Logger) *Store {
	if log == nil {
		log = obslog.NewNop()
	}
	return &Store{
		addr:   addr,
		mirror: newMirror(),
		log:    log,
		subs:   make(map[eventbus.Subscription]eventbus.Handler),
	}
}

// SetMetrics attaches a metrics bundle so a panicking subscriber is counted.
func (s *Store) SetMetrics(m *obsmetrics.Metrics) { s.metrics = m }

// Initialize dials Redis and starts the background Pub/Sub receive loop
// that fans every message on eventsChannel out to local subscribers.
func (s *Store) Initialize(ctx context.Context) error {
	s.client = redis.NewClient(&redis.Options{Addr: s.addr})
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("rediskv: ping: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.pubsub = s.client.Subscribe(runCtx, eventsChannel)
	go s.receiveLoop(runCtx)
	return nil
}

func (s *Store) receiveLoop(ctx context.Context) {
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				s.log.Errorw("rediskv: decode event", "error", err)
				continue
			}
			s.dispatch(evt)
		}
	}
}

func (s *Store) dispatch(evt domain.Event) {
	s.subMu.Lock()
	handlers := make([]eventbus.Handler, 0, len(s.subs))
	for _, h := range s.subs {
		handlers = append(handlers, h)
	}
	s.subMu.Unlock()

	for _, h := range handlers {
		func(h eventbus.Handler) {
			defer func() {
				if r := recover(); r != nil {
					s.log.Errorw("rediskv: subscriber handler panicked", "recover", r)
					if s.metrics != nil {
						s.metrics.SubscriberFailures.Inc()
					}
				}
			}()
			h(evt)
		}(h)
	}
}

// Disconnect stops the receive loop and closes the client. Idempotent.
func (s *Store) Disconnect(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.pubsub != nil {
		_ = s.pubsub.Close()
		s.pubsub = nil
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}

// SaveLocation implements storage.Driver.
func (s *Store) SaveLocation(ctx context.Context, agentID string, sample domain.LocationSample, distanceDeltaM float64) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("rediskv: marshal sample: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, locationKeyPrefix+agentID, data, 0)
	pipe.SAdd(ctx, agentIndexKey, agentID)
	pipe.HIncrBy(ctx, statsKeyPrefix+agentID, "totalLocations", 1)
	pipe.HIncrByFloat(ctx, statsKeyPrefix+agentID, "totalDistance", distanceDeltaM)
	pipe.HSet(ctx, statsKeyPrefix+agentID, "lastUpdate", sample.Timestamp)
	pipe.GeoAdd(ctx, geoIndexKey, &redis.GeoLocation{Name: agentID, Longitude: sample.Coord.Lon, Latitude: sample.Coord.Lat})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rediskv: save location: %w", err)
	}

	s.mirror.mu.Lock()
	s.mirror.locations[agentID] = sample
	st := s.mirror.stats[agentID]
	st.TotalLocations++
	st.TotalDistance += distanceDeltaM
	st.LastUpdate = sample.Timestamp
	s.mirror.stats[agentID] = st
	s.mirror.mu.Unlock()
	return nil
}

// GetLastLocation implements storage.Driver, reading from the local mirror
// (populated on every SaveLocation through this process).
func (s *Store) GetLastLocation(ctx context.Context, agentID string) (domain.LocationSample, bool, error) {
	s.mirror.mu.RLock()
	defer s.mirror.mu.RUnlock()
	sample, ok := s.mirror.locations[agentID]
	return sample, ok, nil
}

// SaveStatus implements storage.Driver.
func (s *Store) SaveStatus(ctx context.Context, agentID string, status domain.AgentStatus, ts int64) error {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, statusKeyPrefix+agentID, string(status), 0)
	pipe.SAdd(ctx, agentIndexKey, agentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rediskv: save status: %w", err)
	}
	s.mirror.mu.Lock()
	s.mirror.statuses[agentID] = status
	s.mirror.mu.Unlock()
	return nil
}

// GetStatus implements storage.Driver.
func (s *Store) GetStatus(ctx context.Context, agentID string) (domain.AgentStatus, bool, error) {
	s.mirror.mu.RLock()
	defer s.mirror.mu.RUnlock()
	st, ok := s.mirror.statuses[agentID]
	return st, ok, nil
}

// SaveAgentState implements storage.Driver.
func (s *Store) SaveAgentState(ctx context.Context, agentID string, snapshot domain.AgentStateSnapshot) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("rediskv: marshal snapshot: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, stateKeyPrefix+agentID, data, 0)
	pipe.SAdd(ctx, agentIndexKey, agentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rediskv: save agent state: %w", err)
	}
	s.mirror.mu.Lock()
	s.mirror.states[agentID] = snapshot
	s.mirror.mu.Unlock()
	return nil
}

// GetAgentState implements storage.Driver.
func (s *Store) GetAgentState(ctx context.Context, agentID string) (domain.AgentStateSnapshot, bool, error) {
	s.mirror.mu.RLock()
	defer s.mirror.mu.RUnlock()
	snap, ok := s.mirror.states[agentID]
	return snap, ok, nil
}

// GetAllAgents implements storage.Driver, reading the authoritative Redis
// set so agents observed by other processes are also included.
func (s *Store) GetAllAgents(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, agentIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: get all agents: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// PublishEvent implements storage.Driver over Redis Pub/Sub (at-most-once:
// subscribers connected at publish time receive it, late subscribers do
// not).
func (s *Store) PublishEvent(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("rediskv: marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("rediskv: publish event: %w", err)
	}
	return nil
}

// SubscribeEvents implements storage.Driver.
func (s *Store) SubscribeEvents(handler eventbus.Handler) (eventbus.Subscription, error) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = handler
	return id, nil
}

// UnsubscribeEvents implements storage.Driver. Idempotent.
func (s *Store) UnsubscribeEvents(sub eventbus.Subscription) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	delete(s.subs, sub)
	return nil
}

// GetAgentStats implements storage.Driver.
func (s *Store) GetAgentStats(ctx context.Context, agentID string) (domain.AgentStats, bool, error) {
	s.mirror.mu.RLock()
	defer s.mirror.mu.RUnlock()
	stats, ok := s.mirror.stats[agentID]
	return stats, ok, nil
}

// ClearAgentData implements storage.Driver.
func (s *Store) ClearAgentData(ctx context.Context, agentID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, locationKeyPrefix+agentID, statusKeyPrefix+agentID, stateKeyPrefix+agentID, statsKeyPrefix+agentID)
	pipe.SRem(ctx, agentIndexKey, agentID)
	pipe.ZRem(ctx, geoIndexKey, agentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("rediskv: clear agent data: %w", err)
	}

	s.mirror.mu.Lock()
	delete(s.mirror.locations, agentID)
	delete(s.mirror.statuses, agentID)
	delete(s.mirror.states, agentID)
	delete(s.mirror.stats, agentID)
	s.mirror.mu.Unlock()
	return nil
}

// NearbyAgents is an internal optimization beyond the core storage
// contract: it uses the Redis geo-set maintained by SaveLocation to find
// agents within radiusM of center without a full scan. Never called by the
// service facade.
func (s *Store) NearbyAgents(ctx context.Context, center domain.Coordinate, radiusM float64) ([]string, error) {
	res, err := s.client.GeoSearch(ctx, geoIndexKey, &redis.GeoSearchQuery{
		Longitude:  center.Lon,
		Latitude:   center.Lat,
		Radius:     radiusM,
		RadiusUnit: "m",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("rediskv: geo search: %w", err)
	}
	return res, nil
}
