// Package natsstream is the log-stream storage.Driver adapter backed by
// github.com/nats-io/nats.go JetStream. Every PublishEvent is appended to a
// durable stream keyed by agent id; SubscribeEvents creates a durable,
// manually-acked consumer, and Replay reconstructs one agent's history
// from a point in time using a synchronous start-time subscription.
package natsstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dogwalking/tracking-service/internal/domain"
	"github.com/dogwalking/tracking-service/internal/eventbus"
	"github.com/dogwalking/tracking-service/internal/obslog"
	"github.com/dogwalking/tracking-service/internal/obsmetrics"
)

const (
	streamName     = "TRACKER_EVENTS"
	subjectPattern = "tracking.events.%s"
	allEventsWildcard = "tracking.events.*"
	consumerName   = "tracker-core"
)

// mirror is the process-local read cache kept consistent with every write,
// satisfying the read half of the contract that a pure log-stream backend
// cannot answer directly.
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

// Store is the NATS JetStream-backed Driver implementation.
type Store struct {
	url     string
	conn    *nats.Conn
	js      nats.JetStreamContext
	mirror  *mirror
	log     obslog.Logger
	metrics *obsmetrics.Metrics

	subMu sync.Mutex
	subs  []*nats.Subscription
}

// New returns a Store configured to dial url on Initialize.
func New(url string, log obslog.Logger) *Store {
	if log == nil {
		log = obslog.NewNop()
	}
	return &Store{url: url, mirror: newMirror(), log: log}
}

// SetMetrics attaches a metrics bundle so a panicking subscriber is counted.
func (s *Store) SetMetrics(m *obsmetrics.Metrics) { s.metrics = m }

// Initialize connects to NATS, opens a JetStream context, and ensures the
// durable event stream exists.
func (s *Store) Initialize(ctx context.Context) error {
	conn, err := nats.Connect(s.url)
	if err != nil {
		return fmt.Errorf("natsstream: connect: %w", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("natsstream: jetstream context: %w", err)
	}

	cfg := &nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{allEventsWildcard},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Storage:   nats.FileStorage,
	}
	if _, err := js.AddStream(cfg); err != nil {
		if err != nats.ErrStreamNameAlreadyInUse {
			conn.Close()
			return fmt.Errorf("natsstream: add stream: %w", err)
		}
		if _, err := js.UpdateStream(cfg); err != nil {
			conn.Close()
			return fmt.Errorf("natsstream: update stream: %w", err)
		}
	}

	s.conn = conn
	s.js = js
	return nil
}

// Disconnect drains subscriptions and closes the connection. Idempotent.
func (s *Store) Disconnect(ctx context.Context) error {
	s.subMu.Lock()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
	s.subMu.Unlock()

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	return nil
}

func subjectFor(agentID string) string { return fmt.Sprintf(subjectPattern, agentID) }

// SaveLocation implements storage.Driver.
func (s *Store) SaveLocation(ctx context.Context, agentID string, sample domain.LocationSample, distanceDeltaM float64) error {
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

// GetLastLocation implements storage.Driver from the local mirror.
func (s *Store) GetLastLocation(ctx context.Context, agentID string) (domain.LocationSample, bool, error) {
	s.mirror.mu.RLock()
	defer s.mirror.mu.RUnlock()
	sample, ok := s.mirror.locations[agentID]
	return sample, ok, nil
}

// SaveStatus implements storage.Driver.
func (s *Store) SaveStatus(ctx context.Context, agentID string, status domain.AgentStatus, ts int64) error {
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

// GetAllAgents implements storage.Driver from the local mirror (every
// stored kind).
func (s *Store) GetAllAgents(ctx context.Context) ([]string, error) {
	s.mirror.mu.RLock()
	defer s.mirror.mu.RUnlock()
	seen := make(map[string]struct{})
	for id := range s.mirror.locations {
		seen[id] = struct{}{}
	}
	for id := range s.mirror.statuses {
		seen[id] = struct{}{}
	}
	for id := range s.mirror.states {
		seen[id] = struct{}{}
	}
	for id := range s.mirror.stats {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// PublishEvent implements storage.Driver: appends evt to the durable
// stream on the per-agent subject, extracted from the event's payload when
// it carries an AgentID.
func (s *Store) PublishEvent(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("natsstream: marshal event: %w", err)
	}
	subject := subjectFor(agentIDOf(evt))
	if _, err := s.js.Publish(subject, data); err != nil {
		return fmt.Errorf("natsstream: publish: %w", err)
	}
	return nil
}

// agentIDOf extracts the agent id from any of the taxonomy's payload
// shapes, falling back to "_" (the broadcast bucket) when absent.
func agentIDOf(evt domain.Event) string {
	switch p := evt.Payload.(type) {
	case domain.LocationReceivedPayload:
		return p.AgentID
	case domain.StatusChangedPayload:
		return p.AgentID
	case domain.AgentStatusEventPayload:
		return p.AgentID
	case domain.GeofenceEventPayload:
		return p.AgentID
	default:
		return "_"
	}
}

// SubscribeEvents implements storage.Driver with a durable, manually-acked
// JetStream consumer across every agent subject.
func (s *Store) SubscribeEvents(handler eventbus.Handler) (eventbus.Subscription, error) {
	sub, err := s.js.Subscribe(allEventsWildcard, func(msg *nats.Msg) {
		var evt domain.Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			s.log.Errorw("natsstream: decode event", "error", err)
			_ = msg.Ack()
			return
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Errorw("natsstream: subscriber handler panicked", "recover", r)
					if s.metrics != nil {
						s.metrics.SubscriberFailures.Inc()
					}
				}
			}()
			handler(evt)
		}()
		_ = msg.Ack()
	}, nats.Durable(consumerName), nats.ManualAck())
	if err != nil {
		return 0, fmt.Errorf("natsstream: subscribe: %w", err)
	}

	s.subMu.Lock()
	s.subs = append(s.subs, sub)
	id := eventbus.Subscription(len(s.subs))
	s.subMu.Unlock()
	return id, nil
}

// UnsubscribeEvents implements storage.Driver. Idempotent.
func (s *Store) UnsubscribeEvents(sub eventbus.Subscription) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	idx := int(sub) - 1
	if idx < 0 || idx >= len(s.subs) || s.subs[idx] == nil {
		return nil
	}
	err := s.subs[idx].Unsubscribe()
	s.subs[idx] = nil
	return err
}

// GetAgentStats implements storage.Driver.
func (s *Store) GetAgentStats(ctx context.Context, agentID string) (domain.AgentStats, bool, error) {
	s.mirror.mu.RLock()
	defer s.mirror.mu.RUnlock()
	stats, ok := s.mirror.stats[agentID]
	return stats, ok, nil
}

// ClearAgentData implements storage.Driver. It only clears the local
// mirror; the durable event log is intentionally append-only and is never
// rewritten by a clear (operational history survives an agent's removal).
func (s *Store) ClearAgentData(ctx context.Context, agentID string) error {
	s.mirror.mu.Lock()
	delete(s.mirror.locations, agentID)
	delete(s.mirror.statuses, agentID)
	delete(s.mirror.states, agentID)
	delete(s.mirror.stats, agentID)
	s.mirror.mu.Unlock()
	return nil
}

// Replay replays every historical event for agentID since since, for
// operational tooling. It is a backend-specific extension beyond
// storage.Driver and is never called by the service facade.
func (s *Store) Replay(ctx context.Context, agentID string, since time.Time, handler eventbus.Handler) error {
	sub, err := s.js.SubscribeSync(subjectFor(agentID), nats.StartTime(since))
	if err != nil {
		return fmt.Errorf("natsstream: replay subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		msg, err := sub.NextMsg(time.Second)
		if err != nil {
			if err == nats.ErrTimeout {
				return nil
			}
			return fmt.Errorf("natsstream: replay next: %w", err)
		}
		var evt domain.Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			s.log.Errorw("natsstream: decode replayed event", "error", err)
			continue
		}
		handler(evt)
		_ = msg.Ack()
	}
}
