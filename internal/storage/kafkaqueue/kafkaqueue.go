// Package kafkaqueue is the partitioned-log storage.Driver adapter backed
// by github.com/segmentio/kafka-go. Events are keyed by agent id so every
// agent's events land on the same partition and are delivered in order;
// an offset is committed only after the handler call ends (a handler panic
// is recovered and logged, and the offset is then committed as well), so a
// process crash mid-handler replays the message rather than losing it.
package kafkaqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/dogwalking/tracking-service/internal/domain"
	"github.com/dogwalking/tracking-service/internal/eventbus"
	"github.com/dogwalking/tracking-service/internal/obslog"
	"github.com/dogwalking/tracking-service/internal/obsmetrics"
)

const defaultTopic = "tracking.events"

// mirror is the process-local read cache kept consistent with every write,
// satisfying the read half of the contract a pure log backend cannot
// answer directly.
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

// Store is the kafka-go-backed Driver implementation.
type Store struct {
	brokers []string
	topic   string
	groupID string

	writer  *kafka.Writer
	mirror  *mirror
	log     obslog.Logger
	metrics *obsmetrics.Metrics

	mu      sync.Mutex
	readers []*consumerLoop
}

type consumerLoop struct {
	reader *kafka.Reader
	cancel context.CancelFunc
}

// New returns a Store configured to dial brokers on Initialize. groupID
// scopes the durable consumer group used by SubscribeEvents.
func New(brokers []string, groupID string, log obslog.Logger) *Store {
	if log == nil {
		log = obslog.NewNop()
	}
	return &Store{brokers: brokers, topic: defaultTopic, groupID: groupID, mirror: newMirror(), log: log}
}

// SetMetrics attaches a metrics bundle so a panicking subscriber is counted.
func (s *Store) SetMetrics(m *obsmetrics.Metrics) { s.metrics = m }

// Initialize opens the producer writer. Kafka topics are created lazily by
// the broker's auto-create on first write/read.
func (s *Store) Initialize(ctx context.Context) error {
	s.writer = &kafka.Writer{
		Addr:         kafka.TCP(s.brokers...),
		Topic:        s.topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return nil
}

// Disconnect stops all consumer loops and closes the writer. Idempotent.
func (s *Store) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	for _, c := range s.readers {
		c.cancel()
		_ = c.reader.Close()
	}
	s.readers = nil
	s.mu.Unlock()

	if s.writer != nil {
		err := s.writer.Close()
		s.writer = nil
		return err
	}
	return nil
}

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

// GetAllAgents implements storage.Driver from the local mirror.
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

// PublishEvent implements storage.Driver, keying the message by agent id so
// all of one agent's events serialize onto a single partition.
func (s *Store) PublishEvent(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("kafkaqueue: marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(agentIDOf(evt)),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_kind", Value: []byte(evt.Kind)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafkaqueue: write message: %w", err)
	}
	return nil
}

// agentIDOf extracts the agent id used as the partition key. Events with no
// agent association (none currently exist, but the taxonomy is open-ended)
// get a random key so they spread across partitions instead of piling onto
// one hot partition.
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
		return uuid.NewString()
	}
}

// SubscribeEvents implements storage.Driver by starting a dedicated reader
// goroutine in the configured consumer group. The offset is committed only
// after handler returns, so a crash mid-handler redelivers the message.
func (s *Store) SubscribeEvents(handler eventbus.Handler) (eventbus.Subscription, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.brokers,
		Topic:       s.topic,
		GroupID:     s.groupID,
		StartOffset: kafka.LastOffset,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	loop := &consumerLoop{reader: reader, cancel: cancel}

	go func() {
		for {
			msg, err := reader.FetchMessage(runCtx)
			if err != nil {
				if runCtx.Err() != nil {
					return
				}
				s.log.Errorw("kafkaqueue: fetch message", "error", err)
				continue
			}

			var evt domain.Event
			if err := json.Unmarshal(msg.Value, &evt); err != nil {
				s.log.Errorw("kafkaqueue: decode event", "error", err)
				_ = reader.CommitMessages(runCtx, msg)
				continue
			}

			func() {
				defer func() {
					if r := recover(); r != nil {
						s.log.Errorw("kafkaqueue: subscriber handler panicked", "recover", r)
						if s.metrics != nil {
							s.metrics.SubscriberFailures.Inc()
						}
					}
				}()
				handler(evt)
			}()

			if err := reader.CommitMessages(runCtx, msg); err != nil {
				s.log.Errorw("kafkaqueue: commit message", "error", err)
			}
		}
	}()

	s.mu.Lock()
	s.readers = append(s.readers, loop)
	id := eventbus.Subscription(len(s.readers))
	s.mu.Unlock()
	return id, nil
}

// UnsubscribeEvents implements storage.Driver. Idempotent.
func (s *Store) UnsubscribeEvents(sub eventbus.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := int(sub) - 1
	if idx < 0 || idx >= len(s.readers) || s.readers[idx] == nil {
		return nil
	}
	loop := s.readers[idx]
	s.readers[idx] = nil
	loop.cancel()
	return loop.reader.Close()
}

// GetAgentStats implements storage.Driver.
func (s *Store) GetAgentStats(ctx context.Context, agentID string) (domain.AgentStats, bool, error) {
	s.mirror.mu.RLock()
	defer s.mirror.mu.RUnlock()
	stats, ok := s.mirror.stats[agentID]
	return stats, ok, nil
}

// ClearAgentData implements storage.Driver. Only the local mirror is
// cleared; the log itself is append-only and is never rewritten.
func (s *Store) ClearAgentData(ctx context.Context, agentID string) error {
	s.mirror.mu.Lock()
	delete(s.mirror.locations, agentID)
	delete(s.mirror.statuses, agentID)
	delete(s.mirror.states, agentID)
	delete(s.mirror.stats, agentID)
	s.mirror.mu.Unlock()
	return nil
}
