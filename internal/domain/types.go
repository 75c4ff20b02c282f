// Package domain holds the core data model shared by every engine: location
// samples, agent status, snapshots, stats, geofences, and the event
// envelope. It has no dependency on storage or transport.
package domain

import "math"

// Coordinate is a geographic point. Latitude must be in [-90, 90], longitude
// in [-180, 180], both finite.
type Coordinate struct {
	Lat float64
	Lon float64
}

// Valid reports whether c is a finite, in-range coordinate.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// LocationSample is an immutable, accepted location observation.
type LocationSample struct {
	AgentID   string
	Coord     Coordinate
	Timestamp int64 // milliseconds since epoch
	Speed     float64 // km/h, >= 0
	Heading   float64 // degrees, [0, 360), only meaningful if HasHeading
	HasHeading bool
	Meta      map[string]string
}

// AgentStatus is the closed set of presence/motion classifications.
type AgentStatus string

const (
	StatusActive      AgentStatus = "ACTIVE"
	StatusIdle        AgentStatus = "IDLE"
	StatusMoving      AgentStatus = "MOVING"
	StatusStopped     AgentStatus = "STOPPED"
	StatusUnreachable AgentStatus = "UNREACHABLE"
	StatusOffline     AgentStatus = "OFFLINE"
)

// AgentStateSnapshot is the latest known full state of one agent.
type AgentStateSnapshot struct {
	AgentID               string
	Status                AgentStatus
	LastLocation          *LocationSample
	LastUpdate            int64 // ms
	LastMovement          int64 // ms, 0 if never moved
	TotalDistanceTraveled float64 // meters
	ActiveGeofences       []string
}

// AgentStats accumulates counters for one agent.
type AgentStats struct {
	TotalLocations int64
	TotalDistance  float64 // meters
	LastUpdate     int64   // ms
}

// EventKind is a wire-stable string tag drawn from the event taxonomy.
type EventKind string

const (
	EventLocationReceived   EventKind = "location.received"
	EventStatusChanged      EventKind = "status.changed"
	EventAgentUnreachable   EventKind = "agent.unreachable"
	EventAgentBackOnline    EventKind = "agent.back-online"
	EventAgentIdle          EventKind = "agent.idle"
	EventAgentActive        EventKind = "agent.active"
	EventAgentEnteredZone   EventKind = "agent.entered-geofence"
	EventAgentExitedZone    EventKind = "agent.exited-geofence"
)

// Event is the envelope published across the storage contract's event
// fabric: a kind tag, a typed payload, and an emission timestamp.
type Event struct {
	ID        string
	Kind      EventKind
	Payload   interface{}
	Timestamp int64 // ms
}

// LocationReceivedPayload is the payload of an EventLocationReceived event.
type LocationReceivedPayload struct {
	AgentID          string
	Sample           LocationSample
	DistanceTraveled float64 // meters, delta since previous sample
	Speed            float64 // km/h
}

// StatusChangedPayload is the payload of an EventStatusChanged event.
type StatusChangedPayload struct {
	AgentID   string
	OldStatus AgentStatus
	NewStatus AgentStatus
	Timestamp int64
	Reason    string
}

// AgentStatusEventPayload is the payload of the specialized
// agent.unreachable / agent.back-online / agent.idle / agent.active events.
type AgentStatusEventPayload struct {
	AgentID  string
	Snapshot AgentStateSnapshot
}

// GeofenceDirection is the direction of a membership delta.
type GeofenceDirection string

const (
	DirectionEnter GeofenceDirection = "enter"
	DirectionExit  GeofenceDirection = "exit"
)

// GeofenceEventPayload is the payload of an enter/exit geofence event.
type GeofenceEventPayload struct {
	AgentID   string
	ZoneID    string
	ZoneName  string
	Sample    LocationSample
	Timestamp int64
	Direction GeofenceDirection
}
