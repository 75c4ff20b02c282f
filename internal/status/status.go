// Package status implements the two-trigger state machine: event-driven
// detection on ingest (DetectStatus) and time-driven re-evaluation from the
// watchdog (CheckStatusByTime), plus the manual override (SetStatus). Every
// persisted transition emits status.changed and, where applicable, one
// specialized event.
package status

import (
	"context"
	"fmt"
	"time"

	"github.com/dogwalking/tracking-service/internal/clock"
	"github.com/dogwalking/tracking-service/internal/domain"
	"github.com/dogwalking/tracking-service/internal/obslog"
	"github.com/dogwalking/tracking-service/internal/shardlock"
	"github.com/dogwalking/tracking-service/internal/storage"
)

// Config holds the status engine's thresholds.
type Config struct {
	IdleAfter        time.Duration
	UnreachableAfter time.Duration
	OfflineAfter     time.Duration
	MinSpeedKmh      float64
}

// Engine is the status state machine.
type Engine struct {
	store  storage.Driver
	clock  clock.Clock
	log    obslog.Logger
	locks  *shardlock.Striped
	config Config
}

// New returns a status Engine.
func New(store storage.Driver, clk clock.Clock, log obslog.Logger, locks *shardlock.Striped, cfg Config) *Engine {
	if log == nil {
		log = obslog.NewNop()
	}
	return &Engine{store: store, clock: clk, log: log, locks: locks, config: cfg}
}

// Transition describes a persisted status change, if any occurred.
type Transition struct {
	Occurred  bool
	Old       domain.AgentStatus
	New       domain.AgentStatus
	Timestamp int64
	Reason    string
}

// statusOrOffline returns the persisted status for agentID, treating
// "absent" as OFFLINE for comparison purposes (S1).
func (e *Engine) statusOrOffline(ctx context.Context, agentID string) (domain.AgentStatus, error) {
	cur, ok, err := e.store.GetStatus(ctx, agentID)
	if err != nil {
		return "", fmt.Errorf("status: read current status: %w: %v", domain.ErrBackend, err)
	}
	if !ok {
		return domain.StatusOffline, nil
	}
	return cur, nil
}

// DetectStatus runs the event-driven transition for a freshly ingested
// sample. hasPrior/priorTimestamp describe the sample that preceded
// newSample (the empty/zero value if this is the agent's first sample).
func (e *Engine) DetectStatus(ctx context.Context, agentID string, newSample domain.LocationSample, hasPrior bool, priorTimestamp int64) (Transition, error) {
	e.locks.Lock(agentID)
	defer e.locks.Unlock(agentID)

	current, err := e.statusOrOffline(ctx, agentID)
	if err != nil {
		return Transition{}, err
	}

	var next domain.AgentStatus
	switch {
	case !hasPrior:
		next = domain.StatusActive
	case newSample.Timestamp-priorTimestamp > e.config.UnreachableAfter.Milliseconds():
		next = domain.StatusActive
	case newSample.Speed >= e.config.MinSpeedKmh:
		next = domain.StatusMoving
	default:
		next = domain.StatusStopped
	}

	if next == current {
		return Transition{Occurred: false, Old: current, New: next}, nil
	}

	if err := e.store.SaveStatus(ctx, agentID, next, newSample.Timestamp); err != nil {
		return Transition{}, fmt.Errorf("status: save status: %w: %v", domain.ErrBackend, err)
	}

	return Transition{Occurred: true, Old: current, New: next, Timestamp: newSample.Timestamp}, nil
}

// CheckStatusByTime runs the time-driven re-evaluation used by the
// watchdog, consulting the agent's snapshot.
func (e *Engine) CheckStatusByTime(ctx context.Context, agentID string) (Transition, error) {
	e.locks.Lock(agentID)
	defer e.locks.Unlock(agentID)

	now := clock.NowMillis(e.clock)

	snapshot, ok, err := e.store.GetAgentState(ctx, agentID)
	if err != nil {
		return Transition{}, fmt.Errorf("status: read agent state: %w: %v", domain.ErrBackend, err)
	}

	current, err := e.statusOrOffline(ctx, agentID)
	if err != nil {
		return Transition{}, err
	}

	if !ok || snapshot.LastUpdate == 0 {
		return e.applyTimeDrivenTransition(ctx, agentID, current, domain.StatusOffline, now)
	}

	next := current
	ageSinceUpdate := time.Duration(now-snapshot.LastUpdate) * time.Millisecond

	if ageSinceUpdate > e.config.OfflineAfter && current != domain.StatusOffline {
		next = domain.StatusOffline
	} else if ageSinceUpdate > e.config.UnreachableAfter && current != domain.StatusUnreachable && current != domain.StatusOffline {
		next = domain.StatusUnreachable
	}

	if snapshot.LastMovement != 0 {
		ageSinceMovement := time.Duration(now-snapshot.LastMovement) * time.Millisecond
		if ageSinceMovement > e.config.IdleAfter && (current == domain.StatusActive || current == domain.StatusMoving) {
			next = domain.StatusIdle
		}
	}

	return e.applyTimeDrivenTransition(ctx, agentID, current, next, now)
}

func (e *Engine) applyTimeDrivenTransition(ctx context.Context, agentID string, current, next domain.AgentStatus, now int64) (Transition, error) {
	if next == current {
		return Transition{Occurred: false, Old: current, New: next}, nil
	}
	if err := e.store.SaveStatus(ctx, agentID, next, now); err != nil {
		return Transition{}, fmt.Errorf("status: save status: %w: %v", domain.ErrBackend, err)
	}
	return Transition{Occurred: true, Old: current, New: next, Timestamp: now}, nil
}

// SetStatus forces a transition regardless of thresholds.
func (e *Engine) SetStatus(ctx context.Context, agentID string, next domain.AgentStatus, reason string) (Transition, error) {
	e.locks.Lock(agentID)
	defer e.locks.Unlock(agentID)

	current, err := e.statusOrOffline(ctx, agentID)
	if err != nil {
		return Transition{}, err
	}

	now := clock.NowMillis(e.clock)
	if next == current {
		return Transition{Occurred: false, Old: current, New: next}, nil
	}
	if err := e.store.SaveStatus(ctx, agentID, next, now); err != nil {
		return Transition{}, fmt.Errorf("status: save status: %w: %v", domain.ErrBackend, err)
	}
	return Transition{Occurred: true, Old: current, New: next, Timestamp: now, Reason: reason}, nil
}

// SpecializedEvent returns the specialized event kind for the transition,
// if any, and whether one applies.
func SpecializedEvent(t Transition) (domain.EventKind, bool) {
	if !t.Occurred {
		return "", false
	}
	switch {
	case t.New == domain.StatusUnreachable && t.Old != domain.StatusUnreachable:
		return domain.EventAgentUnreachable, true
	case (t.Old == domain.StatusUnreachable || t.Old == domain.StatusOffline) &&
		(t.New == domain.StatusActive || t.New == domain.StatusMoving):
		return domain.EventAgentBackOnline, true
	case t.New == domain.StatusIdle && t.Old != domain.StatusIdle:
		return domain.EventAgentIdle, true
	case t.New == domain.StatusActive && (t.Old == domain.StatusIdle || t.Old == domain.StatusStopped):
		return domain.EventAgentActive, true
	default:
		return "", false
	}
}
