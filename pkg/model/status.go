package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownStatus = errors.New("unknown status")

// RaceStatus is the lifecycle of a racer slot's timed run
type RaceStatus int

const (
	RaceNotStarted RaceStatus = iota
	RaceInProgress
	RaceCompleted
)

var raceStatusNames = map[RaceStatus]string{
	RaceNotStarted: "not_started",
	RaceInProgress: "in_progress",
	RaceCompleted:  "completed",
}

func (s RaceStatus) String() string {
	if name, ok := raceStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("RaceStatus(%d)", int(s))
}

func ParseRaceStatus(s string) (RaceStatus, error) {
	for k, v := range raceStatusNames {
		if v == s {
			return k, nil
		}
	}
	// backends without a race record send an empty status
	if s == "" {
		return RaceNotStarted, nil
	}
	return RaceNotStarted, fmt.Errorf("%w: race status %q", ErrUnknownStatus, s)
}

func (s RaceStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *RaceStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := ParseRaceStatus(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type SessionStatus int

const (
	SessionActive SessionStatus = iota
	SessionCompleted
	SessionCancelled
)

var sessionStatusNames = map[SessionStatus]string{
	SessionActive:    "active",
	SessionCompleted: "completed",
	SessionCancelled: "cancelled",
}

func (s SessionStatus) String() string {
	if name, ok := sessionStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SessionStatus(%d)", int(s))
}

func ParseSessionStatus(s string) (SessionStatus, error) {
	for k, v := range sessionStatusNames {
		if v == s {
			return k, nil
		}
	}
	return SessionActive, fmt.Errorf("%w: session status %q", ErrUnknownStatus, s)
}

func (s SessionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := ParseSessionStatus(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

type CartStatus int

const (
	CartAvailable CartStatus = iota
	CartInUse
	CartMaintenance
	CartRefueling
)

var cartStatusNames = map[CartStatus]string{
	CartAvailable:   "available",
	CartInUse:       "in-use",
	CartMaintenance: "maintenance",
	CartRefueling:   "refueling",
}

func (s CartStatus) String() string {
	if name, ok := cartStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("CartStatus(%d)", int(s))
}

func ParseCartStatus(s string) (CartStatus, error) {
	for k, v := range cartStatusNames {
		if v == s {
			return k, nil
		}
	}
	return CartAvailable, fmt.Errorf("%w: cart status %q", ErrUnknownStatus, s)
}

func (s CartStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *CartStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := ParseCartStatus(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// SyncState tells whether the local view of a racer slot matches the
// last externally confirmed state.
type SyncState int

const (
	SyncConfirmed SyncState = iota
	SyncPending
	SyncRolledBack
)

var syncStateNames = map[SyncState]string{
	SyncConfirmed:  "confirmed",
	SyncPending:    "pending",
	SyncRolledBack: "rolled-back",
}

func (s SyncState) String() string {
	if name, ok := syncStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("SyncState(%d)", int(s))
}

func (s SyncState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
