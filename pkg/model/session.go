package model

import "time"

type Session struct {
	ID           int           `json:"id"`
	Name         string        `json:"name"`
	Status       SessionStatus `json:"status"`
	StartTime    *time.Time    `json:"startTime,omitempty"`
	EndTime      *time.Time    `json:"endTime,omitempty"`
	Participants int           `json:"participants"`
}

// Active reports if race-control operations are valid for this session
func (s *Session) Active() bool {
	return s.Status == SessionActive
}

type Group struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	SessionID int    `json:"sessionId"`
}

type User struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type Lap struct {
	LapNumber int     `json:"lapNumber"`
	LapTime   float64 `json:"lapTime"` // seconds
}
