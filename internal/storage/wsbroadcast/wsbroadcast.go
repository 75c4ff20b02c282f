// Package wsbroadcast is the live-fan-out storage.Driver adapter backed by
// github.com/gorilla/websocket. It has no native read path of its own, so
// every write also updates a process-local mirror; PublishEvent
// fans each event out as a JSON frame to every connected client in
// addition to notifying any local SubscribeEvents handlers. Grounded in
// a ping/pong heartbeat, write deadlines, a connection-count limit, and a
// sync.Map connection registry.
package wsbroadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dogwalking/tracking-service/internal/domain"
	"github.com/dogwalking/tracking-service/internal/eventbus"
	"github.com/dogwalking/tracking-service/internal/obslog"
	"github.com/dogwalking/tracking-service/internal/obsmetrics"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = 54 * time.Second
	maxMessageSize    = 4096
	defaultMaxConns   = 10000
)

// mirror is the process-local read cache kept consistent with every write,
// since a broadcast-only transport has nothing of its own to read back.
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

// Store is the websocket fan-out Driver implementation.
type Store struct {
	MaxConnections int

	upgrader    websocket.Upgrader
	connections sync.Map // connID string -> *websocket.Conn
	mirror      *mirror
	log         obslog.Logger
	metrics     *obsmetrics.Metrics

	subMu  sync.Mutex
	subs   map[eventbus.Subscription]eventbus.Handler
	nextID eventbus.Subscription

	ctx    context.Context
	cancel context.CancelFunc
}

// SetMetrics attaches a metrics bundle so a panicking subscriber is counted.
func (s *Store) SetMetrics(m *obsmetrics.Metrics) { s.metrics = m }

// New returns a Store. Call Initialize before use.
func New(log obslog.Logger) *Store {
	if log == nil {
		log = obslog.NewNop()
	}
	return &Store{
		MaxConnections: defaultMaxConns,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		mirror: newMirror(),
		log:    log,
		subs:   make(map[eventbus.Subscription]eventbus.Handler),
	}
}

// Initialize prepares the shutdown context. There is no remote endpoint to
// dial; connections arrive via HandleConnection.
func (s *Store) Initialize(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return nil
}

// Disconnect closes every live connection and stops accepting new frames.
// Idempotent.
func (s *Store) Disconnect(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.connections.Range(func(key, value interface{}) bool {
		if conn, ok := value.(*websocket.Conn); ok {
			_ = conn.Close()
		}
		s.connections.Delete(key)
		return true
	})
	return nil
}

// HandleConnection upgrades an inbound HTTP request to a websocket and
// registers it as a broadcast target for every future PublishEvent call.
func (s *Store) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	if s.countConnections() >= s.MaxConnections {
		http.Error(w, "maximum connection limit reached", http.StatusServiceUnavailable)
		return fmt.Errorf("wsbroadcast: connection limit reached")
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("wsbroadcast: upgrade: %w", err)
	}

	connID := fmt.Sprintf("ws-%p", conn)
	s.connections.Store(connID, conn)

	go s.readPump(conn, connID)
	go s.writePump(conn, connID)
	return nil
}

func (s *Store) readPump(conn *websocket.Conn, connID string) {
	defer func() {
		conn.Close()
		s.connections.Delete(connID)
	}()
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Store) writePump(conn *websocket.Conn, connID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		s.connections.Delete(connID)
	}()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Store) countConnections() int {
	n := 0
	s.connections.Range(func(_, _ interface{}) bool { n++; return true })
	return n
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

// PublishEvent implements storage.Driver: it fans evt out to every
// connected websocket client as a JSON frame, then calls local
// SubscribeEvents handlers one after another, recovering and logging a
// panic in any of them.
func (s *Store) PublishEvent(ctx context.Context, evt domain.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("wsbroadcast: marshal event: %w", err)
	}

	s.connections.Range(func(key, value interface{}) bool {
		conn, ok := value.(*websocket.Conn)
		if !ok {
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.log.Warnw("wsbroadcast: dropping dead connection", "error", err)
			_ = conn.Close()
			s.connections.Delete(key)
		}
		return true
	})

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
					s.log.Errorw("wsbroadcast: subscriber handler panicked", "recover", r)
					if s.metrics != nil {
						s.metrics.SubscriberFailures.Inc()
					}
				}
			}()
			h(evt)
		}(h)
	}
	return nil
}

// SubscribeEvents implements storage.Driver for local, in-process
// consumers (e.g. metrics, archival fan-in) alongside the websocket
// broadcast.
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
	s.mirror.mu.Lock()
	delete(s.mirror.locations, agentID)
	delete(s.mirror.statuses, agentID)
	delete(s.mirror.states, agentID)
	delete(s.mirror.stats, agentID)
	s.mirror.mu.Unlock()
	return nil
}
