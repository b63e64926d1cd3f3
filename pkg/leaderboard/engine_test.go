package leaderboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
)

func TestEngineUpdate(t *testing.T) {
	e := NewEngine()
	defer e.Close()
	now := time.Date(2024, 4, 28, 11, 0, 0, 0, time.UTC)
	cart := 7
	start := now
	end := now.Add(10 * time.Minute)
	mappings := []*model.GroupUserMapping{
		{
			ID: 1, UserID: 1, CartID: &cart, AllowedDuration: 10,
			RaceStatus: model.RaceInProgress, RaceStartTime: &start, ExpectedEndTime: &end,
		},
		{ID: 2, UserID: 2, Laps: 1},
	}

	snap, updated := e.Update(5, mappings, nil, staticLookup{}, now, false)
	assert.True(t, updated, "first update computes")
	assert.Equal(t, []int{2, 1}, ids(snap.Board))
	assert.Equal(t, "10:00", snap.Entries[1].Remaining)
	assert.Empty(t, snap.Entries[0].Remaining)

	_, updated = e.Update(5, mappings, nil, staticLookup{}, now.Add(time.Second), false)
	assert.False(t, updated, "no data change, no tick")

	snap, updated = e.Update(5, mappings, nil, staticLookup{}, now.Add(time.Second), true)
	assert.True(t, updated, "tick always recomputes")
	assert.Equal(t, "09:59", snap.Entries[1].Remaining)

	changed := []*model.GroupUserMapping{mappings[0].Clone(), mappings[1].Clone()}
	changed[0].Laps = 2
	snap, updated = e.Update(5, changed, nil, staticLookup{}, now.Add(time.Second), false)
	assert.True(t, updated, "lap change recomputes")
	assert.Equal(t, []int{1, 2}, ids(snap.Board))

	latest, ok := e.Latest(5)
	assert.True(t, ok)
	assert.Same(t, snap, latest)

	e.Forget(5)
	_, ok = e.Latest(5)
	assert.False(t, ok)
}

func TestEnginePendingStart(t *testing.T) {
	e := NewEngine()
	defer e.Close()
	now := time.Date(2024, 4, 28, 11, 0, 0, 0, time.UTC)
	cart := 7
	start := now
	end := now.Add(10 * time.Minute)
	mappings := []*model.GroupUserMapping{{
		ID: 1, UserID: 1, CartID: &cart, AllowedDuration: 10,
		RaceStatus: model.RaceInProgress, RaceStartTime: &start, ExpectedEndTime: &end,
	}}

	later := now.Add(30 * time.Second)
	snap, _ := e.Update(5, mappings, map[int]bool{1: true}, staticLookup{}, later, true)
	assert.Equal(t, "10:00", snap.Entries[0].Remaining, "pending start shows allotted time")

	snap, _ = e.Update(5, mappings, nil, staticLookup{}, later, true)
	assert.Equal(t, "09:30", snap.Entries[0].Remaining)
}

func TestEngineEmptySession(t *testing.T) {
	e := NewEngine()
	defer e.Close()
	snap, _ := e.Update(1, nil, nil, staticLookup{}, time.Now(), true)
	assert.True(t, snap.Empty)
	assert.Equal(t, NoActiveRacers, snap.Message)
}

func TestEnginePublishes(t *testing.T) {
	e := NewEngine()
	defer e.Close()
	ch := e.Subscribe()
	e.Update(3, []*model.GroupUserMapping{{ID: 1}}, nil, staticLookup{}, time.Now(), true)
	select {
	case snap := <-ch:
		assert.Equal(t, 3, snap.SessionID)
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}
	e.CancelSubscription(ch)
}
