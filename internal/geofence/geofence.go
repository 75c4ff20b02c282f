// Package geofence implements the zone registry and per-agent membership
// engine: registering/removing circular and polygonal zones, and emitting
// delta-based enter/exit events as an agent's membership set changes.
package geofence

import (
	"fmt"
	"sync"

	"github.com/dogwalking/tracking-service/internal/clock"
	"github.com/dogwalking/tracking-service/internal/domain"
	"github.com/dogwalking/tracking-service/internal/geo"
	"github.com/dogwalking/tracking-service/internal/obslog"
)

// Engine is the geofence registry and membership tracker. State is owned
// here; it is the single source of truth for zone presence.
type Engine struct {
	mu         sync.RWMutex
	zones      map[string]domain.Geofence
	membership map[string]map[string]struct{} // agentId -> set of zoneId
	clock      clock.Clock
	log        obslog.Logger
}

// New returns an empty geofence Engine.
func New(clk clock.Clock, log obslog.Logger) *Engine {
	if log == nil {
		log = obslog.NewNop()
	}
	return &Engine{
		zones:      make(map[string]domain.Geofence),
		membership: make(map[string]map[string]struct{}),
		clock:      clk,
		log:        log,
	}
}

// RegisterGeofence validates and inserts/overwrites a zone. It does not
// retroactively recompute any agent's membership; that happens on the next
// Check.
func (e *Engine) RegisterGeofence(zone domain.Geofence) error {
	valid, errs := geo.ValidateGeofence(zone)
	if !valid {
		return fmt.Errorf("registerGeofence: invalid zone %v: %w", errs, domain.ErrInvalidInput)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.zones[zone.ID()] = zone
	return nil
}

// RemoveGeofence erases a zone from the registry and from every agent's
// membership set. No exit events are emitted (removal is an admin
// operation, not a movement).
func (e *Engine) RemoveGeofence(zoneID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.zones, zoneID)
	for agentID, zones := range e.membership {
		delete(zones, zoneID)
		if len(zones) == 0 {
			delete(e.membership, agentID)
		}
	}
}

// Geofences returns every registered zone.
func (e *Engine) Geofences() []domain.Geofence {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]domain.Geofence, 0, len(e.zones))
	for _, z := range e.zones {
		out = append(out, z)
	}
	return out
}

// Geofence returns a single zone by id.
func (e *Engine) Geofence(id string) (domain.Geofence, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	z, ok := e.zones[id]
	return z, ok
}

// Delta is one membership change produced by Check.
type Delta struct {
	Zone      domain.Geofence
	Direction domain.GeofenceDirection
}

// Check computes the zones containing sample, diffs against the agent's
// previously recorded membership, and returns the enter/exit deltas,
// replacing the recorded membership with the new set.
func (e *Engine) Check(agentID string, sample domain.LocationSample) []Delta {
	e.mu.Lock()
	defer e.mu.Unlock()

	newMembership := make(map[string]struct{})
	for id, zone := range e.zones {
		if geo.PointInGeofence(sample.Coord, zone) {
			newMembership[id] = struct{}{}
		}
	}

	current := e.membership[agentID]

	var deltas []Delta
	for id := range newMembership {
		if _, present := current[id]; !present {
			deltas = append(deltas, Delta{Zone: e.zones[id], Direction: domain.DirectionEnter})
		}
	}
	for id := range current {
		if _, present := newMembership[id]; !present {
			if zone, ok := e.zones[id]; ok {
				deltas = append(deltas, Delta{Zone: zone, Direction: domain.DirectionExit})
			}
		}
	}

	if len(newMembership) == 0 {
		delete(e.membership, agentID)
	} else {
		e.membership[agentID] = newMembership
	}

	return deltas
}

// AgentGeofences returns the materialized zone records an agent currently
// occupies.
func (e *Engine) AgentGeofences(agentID string) []domain.Geofence {
	e.mu.RLock()
	defer e.mu.RUnlock()
	zones := e.membership[agentID]
	out := make([]domain.Geofence, 0, len(zones))
	for id := range zones {
		if z, ok := e.zones[id]; ok {
			out = append(out, z)
		}
	}
	return out
}

// AgentGeofenceIDs returns the ids of the zones an agent currently occupies.
func (e *Engine) AgentGeofenceIDs(agentID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	zones := e.membership[agentID]
	out := make([]string, 0, len(zones))
	for id := range zones {
		out = append(out, id)
	}
	return out
}

// IsAgentInGeofence reports whether agentID currently occupies zoneID.
func (e *Engine) IsAgentInGeofence(agentID, zoneID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.membership[agentID][zoneID]
	return ok
}

// AgentsInGeofence returns every agent currently occupying zoneID.
func (e *Engine) AgentsInGeofence(zoneID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for agentID, zones := range e.membership {
		if _, ok := zones[zoneID]; ok {
			out = append(out, agentID)
		}
	}
	return out
}

// ClearAgentGeofences drops an agent's membership set entirely (used by
// clearAgentData).
func (e *Engine) ClearAgentGeofences(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.membership, agentID)
}
