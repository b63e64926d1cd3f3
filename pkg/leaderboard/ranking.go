// Package leaderboard ranks racer slots by laps and best lap time.
package leaderboard

import (
	"cmp"
	"slices"

	"github.com/samber/lo"

	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
)

const NoActiveRacers = "no active racers"

type Podium int

const (
	PodiumNone Podium = iota
	PodiumGold
	PodiumSilver
	PodiumBronze
)

func (p Podium) String() string {
	switch p {
	case PodiumGold:
		return "gold"
	case PodiumSilver:
		return "silver"
	case PodiumBronze:
		return "bronze"
	default:
		return ""
	}
}

// PodiumFor returns the visual treatment for a rank. It never affects ordering.
func PodiumFor(rank int) Podium {
	if rank >= 1 && rank <= 3 {
		return Podium(rank)
	}
	return PodiumNone
}

type Board struct {
	Empty   bool                      `json:"empty"`
	Message string                    `json:"message,omitempty"`
	Entries []*model.LeaderboardEntry `json:"entries"`
}

// Rank orders the entries and assigns 1-based ranks.
// The input slice and its entries are not modified.
func Rank(entries []*model.LeaderboardEntry) Board {
	if len(entries) == 0 {
		return Board{Empty: true, Message: NoActiveRacers, Entries: []*model.LeaderboardEntry{}}
	}
	ranked := lo.Map(entries, func(e *model.LeaderboardEntry, _ int) *model.LeaderboardEntry {
		c := *e
		return &c
	})
	slices.SortStableFunc(ranked, compareEntries)
	for i, e := range ranked {
		e.Rank = i + 1
	}
	return Board{Entries: ranked}
}

// more laps first, then best lap ascending with unset times last,
// mapping ID as final tie-break to keep the order total
func compareEntries(a, b *model.LeaderboardEntry) int {
	if c := cmp.Compare(b.TotalLaps, a.TotalLaps); c != 0 {
		return c
	}
	switch {
	case a.BestLap != nil && b.BestLap == nil:
		return -1
	case a.BestLap == nil && b.BestLap != nil:
		return 1
	case a.BestLap != nil && b.BestLap != nil:
		if c := cmp.Compare(*a.BestLap, *b.BestLap); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.MappingID, b.MappingID)
}
