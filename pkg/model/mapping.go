package model

import (
	"time"
)

// GroupUserMapping is a racer slot: a user's membership and race state
// within one group. The mapping is the only owner of "current cart".
type GroupUserMapping struct {
	ID              int        `json:"id"`
	GroupID         int        `json:"groupId"`
	UserID          int        `json:"userId"`
	AllowedDuration int        `json:"allowedDuration"` // minutes
	CartID          *int       `json:"cartId,omitempty"`
	RaceStatus      RaceStatus `json:"raceStatus"`
	RaceStartTime   *time.Time `json:"raceStartTime,omitempty"`
	ExpectedEndTime *time.Time `json:"expectedEndTime,omitempty"`
	Laps            int        `json:"laps"`
	BestLap         *float64   `json:"bestLapTime,omitempty"` // seconds
}

func (m *GroupUserMapping) HasCart() bool {
	return m.CartID != nil
}

func (m *GroupUserMapping) HoldsCart(cartID int) bool {
	return m.CartID != nil && *m.CartID == cartID
}

func (m *GroupUserMapping) Allotted() time.Duration {
	return time.Duration(m.AllowedDuration) * time.Minute
}

// Clone returns a deep copy, pointers are not shared with the original
func (m *GroupUserMapping) Clone() *GroupUserMapping {
	ret := *m
	if m.CartID != nil {
		v := *m.CartID
		ret.CartID = &v
	}
	if m.RaceStartTime != nil {
		v := *m.RaceStartTime
		ret.RaceStartTime = &v
	}
	if m.ExpectedEndTime != nil {
		v := *m.ExpectedEndTime
		ret.ExpectedEndTime = &v
	}
	if m.BestLap != nil {
		v := *m.BestLap
		ret.BestLap = &v
	}
	return &ret
}

// CartHolders derives the reverse index cartID -> mapping IDs for the
// given mappings. It is rebuilt on every call and never stored.
func CartHolders(mappings []*GroupUserMapping) map[int][]int {
	ret := make(map[int][]int)
	for _, m := range mappings {
		if m.CartID != nil {
			ret[*m.CartID] = append(ret[*m.CartID], m.ID)
		}
	}
	return ret
}
