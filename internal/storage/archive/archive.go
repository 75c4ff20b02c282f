// Package archive is the write-behind TimescaleDB sink for historical
// location and status data. It is NOT itself a storage.Driver: the core
// engines never block on it, and it has no read surface of its own.
// Instead it is fanned into from a PublishEvent subscriber on a live
// backend (typically rediskv or natsstream), batching writes and wrapping
// them in a circuit breaker so a struggling database degrades ingestion
// throughput instead of taking it down. Uses pgxpool and sony/gobreaker,
// batching INSERTs via pgx.Batch on a fixed buffer flushed on a timer or
// once it reaches its size threshold.
package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"github.com/dogwalking/tracking-service/internal/domain"
	"github.com/dogwalking/tracking-service/internal/obslog"
	"github.com/dogwalking/tracking-service/internal/obsmetrics"
)

// Config holds connection and batching tunables.
type Config struct {
	DSN           string
	MaxConns      int32
	FlushInterval time.Duration
	BatchSize     int
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	return c
}

// locationRow is one buffered INSERT target for location_records.
type locationRow struct {
	AgentID   string
	Lat, Lon  float64
	SpeedKmh  float64
	Heading   float64
	Timestamp int64
}

// statusRow is one buffered INSERT target for status_transitions.
type statusRow struct {
	AgentID   string
	Status    domain.AgentStatus
	Timestamp int64
}

// Sink is the pgx/v5 + gobreaker-backed write-behind archiver.
type Sink struct {
	cfg     Config
	pool    *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker
	log     obslog.Logger
	metrics *obsmetrics.Metrics

	mu        sync.Mutex
	locations []locationRow
	statuses  []statusRow

	stopCh chan struct{}
	doneCh chan struct{}
}

// New connects to cfg.DSN and returns a running Sink. Call Close to flush
// and release resources. metrics may be nil.
func New(ctx context.Context, cfg Config, log obslog.Logger, metrics *obsmetrics.Metrics) (*Sink, error) {
	if log == nil {
		log = obslog.NewNop()
	}
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("archive: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}

	breakerSettings := gobreaker.Settings{
		Name:        "archiveBreaker",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warnw("archive: circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	s := &Sink{
		cfg:     cfg,
		pool:    pool,
		breaker: gobreaker.NewCircuitBreaker(breakerSettings),
		log:     log,
		metrics: metrics,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// HandleEvent is an eventbus.Handler-compatible sink for backend
// subscriptions: it buffers location.received and status.changed events
// for the next batch flush. All other event kinds are ignored.
func (s *Sink) HandleEvent(evt domain.Event) {
	switch p := evt.Payload.(type) {
	case domain.LocationReceivedPayload:
		s.mu.Lock()
		s.locations = append(s.locations, locationRow{
			AgentID:   p.AgentID,
			Lat:       p.Sample.Coord.Lat,
			Lon:       p.Sample.Coord.Lon,
			SpeedKmh:  p.Speed,
			Heading:   p.Sample.Heading,
			Timestamp: p.Sample.Timestamp,
		})
		full := len(s.locations) >= s.cfg.BatchSize
		s.mu.Unlock()
		if full {
			s.flush(context.Background())
		}
	case domain.StatusChangedPayload:
		s.mu.Lock()
		s.statuses = append(s.statuses, statusRow{AgentID: p.AgentID, Status: p.NewStatus, Timestamp: evt.Timestamp})
		s.mu.Unlock()
	}
}

func (s *Sink) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			s.flush(context.Background())
			return
		case <-ticker.C:
			s.flush(context.Background())
		}
	}
}

func (s *Sink) flush(ctx context.Context) {
	s.mu.Lock()
	locations := s.locations
	statuses := s.statuses
	s.locations = nil
	s.statuses = nil
	s.mu.Unlock()

	if len(locations) == 0 && len(statuses) == 0 {
		return
	}

	_, err := s.breaker.Execute(func() (interface{}, error) {
		conn, err := s.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer conn.Release()

		batch := &pgx.Batch{}
		for _, r := range locations {
			batch.Queue(
				`INSERT INTO location_records (agent_id, latitude, longitude, speed_kmh, heading, ts)
				 VALUES ($1, $2, $3, $4, $5, $6)`,
				r.AgentID, r.Lat, r.Lon, r.SpeedKmh, r.Heading, r.Timestamp,
			)
		}
		for _, r := range statuses {
			batch.Queue(
				`INSERT INTO status_transitions (agent_id, status, ts) VALUES ($1, $2, $3)`,
				r.AgentID, string(r.Status), r.Timestamp,
			)
		}

		br := conn.SendBatch(ctx, batch)
		defer br.Close()
		for i := 0; i < batch.Len(); i++ {
			if _, err := br.Exec(); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	if err != nil {
		s.log.Errorw("archive: flush failed, batch dropped", "locations", len(locations), "statuses", len(statuses), "error", err)
		if s.metrics != nil {
			s.metrics.BackendErrors.WithLabelValues("archive flush").Inc()
		}
	}
}

// Close stops the flush loop, flushes any remaining buffered rows, and
// closes the pool.
func (s *Sink) Close() error {
	close(s.stopCh)
	<-s.doneCh
	s.pool.Close()
	return nil
}
