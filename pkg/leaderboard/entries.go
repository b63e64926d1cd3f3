package leaderboard

import (
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
)

// Lookup resolves the display names of a leaderboard entry
type Lookup interface {
	UserName(userID int) string
	CartName(cartID int) string
	GroupName(groupID int) string
}

// FromMappings builds unranked entries. The cart is taken from the
// mapping's own CartID, cart state is never scanned.
func FromMappings(mappings []*model.GroupUserMapping, lookup Lookup) []*model.LeaderboardEntry {
	ret := make([]*model.LeaderboardEntry, 0, len(mappings))
	for _, m := range mappings {
		e := &model.LeaderboardEntry{
			MappingID:  m.ID,
			RacerName:  lookup.UserName(m.UserID),
			GroupName:  lookup.GroupName(m.GroupID),
			TotalLaps:  m.Laps,
			RaceStatus: m.RaceStatus,
		}
		if m.CartID != nil {
			e.CartName = lookup.CartName(*m.CartID)
		}
		if m.BestLap != nil {
			v := *m.BestLap
			e.BestLap = &v
		}
		if m.ExpectedEndTime != nil {
			v := *m.ExpectedEndTime
			e.ExpectedEndTime = &v
		}
		ret = append(ret, e)
	}
	return ret
}

// Changed reports if the ranking relevant data differs between prev and next.
// Both slices are compared by mapping ID.
func Changed(prev, next []*model.GroupUserMapping) bool {
	if len(prev) != len(next) {
		return true
	}
	idx := make(map[int]*model.GroupUserMapping, len(prev))
	for _, m := range prev {
		idx[m.ID] = m
	}
	for _, n := range next {
		p, ok := idx[n.ID]
		if !ok {
			return true
		}
		if p.Laps != n.Laps || p.RaceStatus != n.RaceStatus || !sameBest(p.BestLap, n.BestLap) {
			return true
		}
	}
	return false
}

func sameBest(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
