// Package storage defines the substitutability boundary of the system: the
// single Driver interface every backend adapter must satisfy. Concrete
// adapters live in subpackages (memstore, rediskv, natsstream, kafkaqueue,
// wsbroadcast); this package holds no mirror logic or adapter-specific
// state of its own.
package storage

import (
	"context"

	"github.com/dogwalking/tracking-service/internal/domain"
	"github.com/dogwalking/tracking-service/internal/eventbus"
)

// Driver is the contract every storage/messaging backend implements. Every
// operation that may perform I/O takes a context so callers can bound or
// cancel it.
type Driver interface {
	// Initialize prepares the backend for use (connects, creates
	// streams/topics, etc). Must be called before any other operation.
	Initialize(ctx context.Context) error

	// Disconnect releases backend resources. Idempotent.
	Disconnect(ctx context.Context) error

	// SaveLocation persists sample as agentId's last known location and
	// increments its stats (TotalLocations++, LastUpdate := sample.Timestamp,
	// TotalDistance += distanceDeltaM — the great-circle distance from the
	// previous sample, 0 if there was none).
	SaveLocation(ctx context.Context, agentID string, sample domain.LocationSample, distanceDeltaM float64) error

	// GetLastLocation returns agentId's last known location, or
	// (zero-value, false, nil) if absent.
	GetLastLocation(ctx context.Context, agentID string) (domain.LocationSample, bool, error)

	// SaveStatus persists agentId's current status as of ts (ms).
	SaveStatus(ctx context.Context, agentID string, status domain.AgentStatus, ts int64) error

	// GetStatus returns agentId's current status, or (zero-value, false, nil)
	// if absent.
	GetStatus(ctx context.Context, agentID string) (domain.AgentStatus, bool, error)

	// SaveAgentState persists agentId's full snapshot.
	SaveAgentState(ctx context.Context, agentID string, snapshot domain.AgentStateSnapshot) error

	// GetAgentState returns agentId's full snapshot, or (zero-value, false, nil)
	// if absent.
	GetAgentState(ctx context.Context, agentID string) (domain.AgentStateSnapshot, bool, error)

	// GetAllAgents returns every known agent id, deduplicated across every
	// stored kind (location, status, state, stats).
	GetAllAgents(ctx context.Context) ([]string, error)

	// PublishEvent delivers evt to every current subscriber per the
	// backend's native delivery semantics.
	PublishEvent(ctx context.Context, evt domain.Event) error

	// SubscribeEvents registers handler to be invoked for every
	// subsequently published event until the returned Subscription is
	// passed to UnsubscribeEvents.
	SubscribeEvents(handler eventbus.Handler) (eventbus.Subscription, error)

	// UnsubscribeEvents stops invoking the handler registered under sub.
	// Idempotent.
	UnsubscribeEvents(sub eventbus.Subscription) error

	// GetAgentStats returns agentId's accumulated counters, or
	// (zero-value, false, nil) if absent.
	GetAgentStats(ctx context.Context, agentID string) (domain.AgentStats, bool, error)

	// ClearAgentData removes every stored kind (location, status, state,
	// stats) for agentId.
	ClearAgentData(ctx context.Context, agentID string) error
}
