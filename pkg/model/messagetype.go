package model

import "time"

// RaceEventType identifies messages published for race-control changes
type RaceEventType string

const (
	EventCartAssigned   RaceEventType = "cart.assigned"
	EventCartUnassigned RaceEventType = "cart.unassigned"
	EventRaceStarted    RaceEventType = "race.started"
	EventRaceCompleted  RaceEventType = "race.completed"
	EventLapRecorded    RaceEventType = "lap.recorded"
	EventRolledBack     RaceEventType = "race.rolledback"
)

type RaceEvent struct {
	Type      RaceEventType `json:"type"`
	MappingID int           `json:"mappingId"`
	GroupID   int           `json:"groupId"`
	CartID    *int          `json:"cartId,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
