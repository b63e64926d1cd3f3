package model

import "time"

// LeaderboardEntry is a derived ranking row, never persisted
type LeaderboardEntry struct {
	MappingID       int        `json:"mappingId"`
	Rank            int        `json:"rank"`
	RacerName       string     `json:"racerName"`
	CartName        string     `json:"cartName"`
	GroupName       string     `json:"groupName"`
	TotalLaps       int        `json:"totalLaps"`
	BestLap         *float64   `json:"bestLapTime,omitempty"`
	RaceStatus      RaceStatus `json:"raceStatus"`
	ExpectedEndTime *time.Time `json:"expectedEndTime,omitempty"`
	Remaining       string     `json:"remaining,omitempty"` // MM:SS, only while in progress
}

type LiveLeaderboard struct {
	SessionStatus SessionStatus       `json:"sessionStatus"`
	Entries       []*LeaderboardEntry `json:"entries"`
}
