package assignment

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"

	"github.com/mpapenbr/kartrace-service-manager-go/log"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/race"
	"github.com/mpapenbr/kartrace-service-manager-go/testsupport/fakedl"
)

var testStart = time.Date(2024, 4, 28, 11, 0, 0, 0, time.UTC)

func setup(t *testing.T, dl *fakedl.DataLayer, opts ...Option) *Coordinator {
	t.Helper()
	c := NewCoordinator(dl, opts...)
	ctx := context.Background()
	mappings, err := dl.GetActiveGroupUsers(ctx)
	assert.NoError(t, err)
	carts, err := dl.GetCarts(ctx)
	assert.NoError(t, err)
	c.Load(mappings)
	c.SetCarts(carts)
	return c
}

func waitPending(t *testing.T, c *Coordinator, mappingID int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		s, err := c.Status(mappingID)
		return err == nil && s == model.SyncPending
	}, time.Second, time.Millisecond)
}

func cartOf(t *testing.T, c *Coordinator, mappingID int) *int {
	t.Helper()
	s, err := c.Slot(mappingID)
	assert.NoError(t, err)
	return s.Mapping.CartID
}

func TestAssignSameCartConcurrently(t *testing.T) {
	gate := make(chan struct{})
	dl := fakedl.Venue(2, 3, 10, fakedl.WithGate(gate))
	c := setup(t, dl)

	first := make(chan error, 1)
	go func() { first <- c.AssignCart(context.Background(), 1, 3) }()
	waitPending(t, c, 1)

	err := c.AssignCart(context.Background(), 2, 3)
	assert.ErrorIs(t, err, ErrCartUnavailable)
	assert.False(t, c.CartFree(3, 1))

	close(gate)
	assert.NoError(t, <-first)
	assert.Equal(t, 3, *cartOf(t, c, 1))
	assert.Nil(t, cartOf(t, c, 2))
	assert.Equal(t, 1, dl.Calls(fakedl.OpAssign))
}

// a cart may be used in two groups at once, reservations of one group must
// not hide those of the other
func TestAssignSameCartAcrossGroups(t *testing.T) {
	gate := make(chan struct{})
	dl := fakedl.Venue(1, 1, 10, fakedl.WithGate(gate))
	dl.AddGroup(&model.Group{ID: 2, Name: "other", SessionID: 1})
	dl.AddUser(&model.User{ID: 2, Name: "racer-2"})
	dl.AddUser(&model.User{ID: 3, Name: "racer-3"})
	dl.AddMapping(&model.GroupUserMapping{ID: 2, GroupID: 2, UserID: 2, AllowedDuration: 10})
	dl.AddMapping(&model.GroupUserMapping{ID: 3, GroupID: 1, UserID: 3, AllowedDuration: 10})
	c := setup(t, dl)
	ctx := context.Background()

	results := make(chan error, 2)
	go func() { results <- c.AssignCart(ctx, 1, 1) }()
	waitPending(t, c, 1)
	go func() { results <- c.AssignCart(ctx, 2, 1) }()
	waitPending(t, c, 2)

	err := c.AssignCart(ctx, 3, 1)
	assert.ErrorIs(t, err, ErrCartUnavailable, "mapping 1 still reserves cart 1 in group 1")

	close(gate)
	assert.NoError(t, <-results)
	assert.NoError(t, <-results)

	holders := 0
	for _, id := range []int{1, 3} {
		if got := cartOf(t, c, id); got != nil && *got == 1 {
			holders++
		}
	}
	assert.Equal(t, 1, holders, "one holder per group")
	assert.Equal(t, 1, *cartOf(t, c, 2))
	assert.False(t, c.CartFree(1, 1))
	assert.Equal(t, 2, dl.Calls(fakedl.OpAssign))
}

func TestAssignWhilePending(t *testing.T) {
	gate := make(chan struct{})
	dl := fakedl.Venue(1, 3, 10, fakedl.WithGate(gate))
	c := setup(t, dl)

	first := make(chan error, 1)
	go func() { first <- c.AssignCart(context.Background(), 1, 1) }()
	waitPending(t, c, 1)

	s, _ := c.Slot(1)
	assert.Nil(t, s.Mapping.CartID, "pending assignment is not shown as authoritative")
	assert.NotEmpty(t, s.RequestID)

	assert.ErrorIs(t, c.AssignCart(context.Background(), 1, 2), ErrAlreadyPending)
	close(gate)
	assert.NoError(t, <-first)
}

func TestStartRaceTwice(t *testing.T) {
	gate := make(chan struct{})
	dl := fakedl.Venue(1, 1, 10, fakedl.WithGate(gate))
	cart := 1
	dl.AddMapping(&model.GroupUserMapping{
		ID: 1, GroupID: 1, UserID: 1, AllowedDuration: 10, CartID: &cart,
	})
	c := setup(t, dl)

	first := make(chan error, 1)
	go func() { first <- c.StartRace(context.Background(), 1) }()
	waitPending(t, c, 1)

	assert.ErrorIs(t, c.StartRace(context.Background(), 1), ErrAlreadyPending)
	close(gate)
	assert.NoError(t, <-first)
	assert.Equal(t, 1, dl.Calls(fakedl.OpStart))

	s, _ := c.Slot(1)
	assert.Equal(t, model.SyncConfirmed, s.Sync)
	assert.Equal(t, model.RaceInProgress, s.Mapping.RaceStatus)
}

func TestAssignUnassignRoundTrip(t *testing.T) {
	dl := fakedl.Venue(1, 2, 10)
	c := setup(t, dl)
	ctx := context.Background()

	assert.NoError(t, c.AssignCart(ctx, 1, 2))
	assert.Equal(t, model.CartInUse, dl.Cart(2).Status)
	assert.False(t, c.CartFree(2, 1))

	assert.NoError(t, c.UnassignCart(ctx, 1))
	assert.Nil(t, cartOf(t, c, 1))
	assert.Nil(t, dl.Mapping(1).CartID)
	assert.Equal(t, model.CartAvailable, dl.Cart(2).Status)
	assert.True(t, c.CartFree(2, 1))
	carts := c.Carts()
	assert.Equal(t, model.CartAvailable, carts[1].Status)
}

func TestAssignFailureKeepsPreviousCart(t *testing.T) {
	dl := fakedl.Venue(1, 2, 10)
	c := setup(t, dl)
	ctx := context.Background()
	assert.NoError(t, c.AssignCart(ctx, 1, 1))

	dl.FailNext(fakedl.OpAssign, errors.New("backend down"))
	err := c.AssignCart(ctx, 1, 2)
	assert.ErrorIs(t, err, ErrAssignmentFailed)
	assert.Equal(t, 1, *cartOf(t, c, 1))

	s, _ := c.Slot(1)
	assert.Equal(t, model.SyncRolledBack, s.Sync)
	assert.ErrorIs(t, s.Err, ErrAssignmentFailed)
	assert.True(t, c.CartFree(2, 1), "reservation is released after failure")
}

func TestAssignRequestTimeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	dl := fakedl.Venue(1, 1, 10, fakedl.WithGate(gate))
	c := setup(t, dl, WithRequestTimeout(20*time.Millisecond))

	err := c.AssignCart(context.Background(), 1, 1)
	assert.ErrorIs(t, err, ErrAssignmentFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	status, _ := c.Status(1)
	assert.Equal(t, model.SyncRolledBack, status)
}

func TestAssignRejected(t *testing.T) {
	tests := []struct {
		name    string
		prep    func(dl *fakedl.DataLayer)
		cartID  int
		wantErr error
	}{
		{
			name:    "maintenance",
			prep:    func(dl *fakedl.DataLayer) { dl.SetCartStatus(1, model.CartMaintenance) },
			cartID:  1,
			wantErr: ErrCartUnavailable,
		},
		{
			name:    "refueling",
			prep:    func(dl *fakedl.DataLayer) { dl.SetCartStatus(1, model.CartRefueling) },
			cartID:  1,
			wantErr: ErrCartUnavailable,
		},
		{
			name:    "unknown cart",
			prep:    func(dl *fakedl.DataLayer) {},
			cartID:  99,
			wantErr: ErrUnknownCart,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl := fakedl.Venue(1, 1, 10)
			tt.prep(dl)
			c := setup(t, dl)
			err := c.AssignCart(context.Background(), 1, tt.cartID)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, 0, dl.Calls(fakedl.OpAssign))
			status, _ := c.Status(1)
			assert.Equal(t, model.SyncConfirmed, status)
		})
	}
}

func TestUnknownMapping(t *testing.T) {
	c := setup(t, fakedl.Venue(1, 1, 10))
	ctx := context.Background()
	assert.ErrorIs(t, c.AssignCart(ctx, 42, 1), ErrUnknownMapping)
	assert.ErrorIs(t, c.StartRace(ctx, 42), ErrUnknownMapping)
	_, err := c.Status(42)
	assert.ErrorIs(t, err, ErrUnknownMapping)
}

func TestCartChangeDuringRace(t *testing.T) {
	dl := fakedl.Venue(1, 2, 10)
	c := setup(t, dl)
	ctx := context.Background()
	assert.NoError(t, c.AssignCart(ctx, 1, 1))
	assert.NoError(t, c.StartRace(ctx, 1))

	assert.ErrorIs(t, c.AssignCart(ctx, 1, 2), ErrInvalidState)
	assert.ErrorIs(t, c.UnassignCart(ctx, 1), ErrInvalidState)
	assert.ErrorIs(t, c.ForceUnassign(ctx, 1, false), ErrNotConfirmed)

	assert.NoError(t, c.ForceUnassign(ctx, 1, true))
	s, _ := c.Slot(1)
	assert.Nil(t, s.Mapping.CartID)
	assert.Equal(t, model.RaceCompleted, s.Mapping.RaceStatus)
	assert.True(t, c.CartFree(1, 1))
}

func TestStartRaceWithoutCart(t *testing.T) {
	dl := fakedl.Venue(1, 1, 10)
	c := setup(t, dl)
	assert.ErrorIs(t, c.StartRace(context.Background(), 1), race.ErrNoCart)
	assert.Equal(t, 0, dl.Calls(fakedl.OpStart))
}

func TestStartRaceRollback(t *testing.T) {
	dl := fakedl.Venue(1, 1, 10)
	c := setup(t, dl)
	ctx := context.Background()
	assert.NoError(t, c.AssignCart(ctx, 1, 1))

	dl.FailNext(fakedl.OpStart, errors.New("backend down"))
	err := c.StartRace(ctx, 1)
	assert.ErrorIs(t, err, race.ErrRaceStartFailed)

	s, _ := c.Slot(1)
	assert.Equal(t, model.SyncRolledBack, s.Sync)
	assert.Equal(t, model.RaceNotStarted, s.Mapping.RaceStatus)
	assert.Nil(t, s.Mapping.RaceStartTime)
	assert.Nil(t, s.Mapping.ExpectedEndTime)
	assert.Equal(t, 1, *s.Mapping.CartID)

	// a later attempt succeeds
	assert.NoError(t, c.StartRace(ctx, 1))
}

func TestStartRaceAdoptsServerEnd(t *testing.T) {
	serverClock := clockwork.NewFakeClockAt(testStart.Add(2 * time.Second))
	localClock := clockwork.NewFakeClockAt(testStart)
	dl := fakedl.Venue(1, 1, 15, fakedl.WithClock(serverClock))
	c := setup(t, dl, WithClock(localClock))
	ctx := context.Background()
	assert.NoError(t, c.AssignCart(ctx, 1, 1))
	assert.NoError(t, c.StartRace(ctx, 1))

	s, _ := c.Slot(1)
	assert.Equal(t, testStart, *s.Mapping.RaceStartTime)
	assert.Equal(t, testStart.Add(15*time.Minute+2*time.Second), *s.Mapping.ExpectedEndTime)
}

func TestEndRace(t *testing.T) {
	dl := fakedl.Venue(1, 1, 10)
	c := setup(t, dl)
	ctx := context.Background()
	assert.ErrorIs(t, c.EndRace(ctx, 1), ErrInvalidState)

	assert.NoError(t, c.AssignCart(ctx, 1, 1))
	assert.NoError(t, c.StartRace(ctx, 1))

	dl.FailNext(fakedl.OpEnd, errors.New("backend down"))
	assert.ErrorIs(t, c.PauseRace(ctx, 1), ErrRaceEndFailed)
	s, _ := c.Slot(1)
	assert.Equal(t, model.RaceInProgress, s.Mapping.RaceStatus)

	assert.NoError(t, c.PauseRace(ctx, 1))
	s, _ = c.Slot(1)
	assert.Equal(t, model.RaceCompleted, s.Mapping.RaceStatus)
	assert.Equal(t, model.RaceCompleted, dl.Mapping(1).RaceStatus)
	assert.ErrorIs(t, c.StartRace(ctx, 1), ErrInvalidState, "completed is terminal")
}

func TestExpire(t *testing.T) {
	fake := clockwork.NewFakeClockAt(testStart)
	dl := fakedl.Venue(2, 2, 15, fakedl.WithClock(fake))
	c := setup(t, dl, WithClock(fake))
	ctx := context.Background()
	assert.NoError(t, c.AssignCart(ctx, 1, 1))
	assert.NoError(t, c.StartRace(ctx, 1))

	assert.Empty(t, c.Expire(testStart.Add(899*time.Second)))
	expired := c.Expire(testStart.Add(900 * time.Second))
	assert.Len(t, expired, 1)
	assert.Equal(t, 1, expired[0].ID)
	assert.Equal(t, model.RaceCompleted, expired[0].RaceStatus)
	assert.Empty(t, c.Expire(testStart.Add(901*time.Second)))
}

func TestApplyLap(t *testing.T) {
	c := setup(t, fakedl.Venue(1, 1, 10))
	assert.NoError(t, c.ApplyLap(1, model.Lap{LapNumber: 1, LapTime: 42.5}))
	assert.NoError(t, c.ApplyLap(1, model.Lap{LapNumber: 2, LapTime: 41.0}))
	assert.NoError(t, c.ApplyLap(1, model.Lap{LapNumber: 3, LapTime: 43.0}))
	s, _ := c.Slot(1)
	assert.Equal(t, 3, s.Mapping.Laps)
	assert.InDelta(t, 41.0, *s.Mapping.BestLap, 0.0001)
	assert.ErrorIs(t, c.ApplyLap(9, model.Lap{}), ErrUnknownMapping)

	// laps delivered twice or out of order do not inflate the count
	assert.NoError(t, c.ApplyLap(1, model.Lap{LapNumber: 3, LapTime: 43.0}))
	assert.NoError(t, c.ApplyLap(1, model.Lap{LapNumber: 2, LapTime: 41.5}))
	s, _ = c.Slot(1)
	assert.Equal(t, 3, s.Mapping.Laps)
}

func TestLoadKeepsLocalCompletion(t *testing.T) {
	fake := clockwork.NewFakeClockAt(testStart)
	dl := fakedl.Venue(1, 1, 15, fakedl.WithClock(fake))
	c := setup(t, dl, WithClock(fake))
	ctx := context.Background()
	assert.NoError(t, c.AssignCart(ctx, 1, 1))
	assert.NoError(t, c.StartRace(ctx, 1))
	assert.Len(t, c.Expire(testStart.Add(900*time.Second)), 1)
	assert.Len(t, c.UnconfirmedEnds(), 1)

	// backend has not seen the end yet
	mappings, err := dl.GetActiveGroupUsers(ctx)
	assert.NoError(t, err)
	assert.Equal(t, model.RaceInProgress, mappings[0].RaceStatus)
	c.Load(mappings)
	s, _ := c.Slot(1)
	assert.Equal(t, model.RaceCompleted, s.Mapping.RaceStatus)
	assert.Empty(t, c.Expire(testStart.Add(901*time.Second)), "not expired twice")
	assert.Len(t, c.UnconfirmedEnds(), 1)

	c.ConfirmEnd(1)
	assert.Empty(t, c.UnconfirmedEnds())
	assert.NoError(t, dl.EndRace(ctx, 1, 1, nil))
	mappings, err = dl.GetActiveGroupUsers(ctx)
	assert.NoError(t, err)
	c.Load(mappings)
	s, _ = c.Slot(1)
	assert.Equal(t, model.RaceCompleted, s.Mapping.RaceStatus)
	assert.Empty(t, c.UnconfirmedEnds())
}

func TestLoadWarnsAboutMissingEndTime(t *testing.T) {
	var buf bytes.Buffer
	c := NewCoordinator(fakedl.New(), WithLogger(log.New(&buf, log.WarnLevel)))
	start := testStart
	m := &model.GroupUserMapping{
		ID: 1, GroupID: 1, UserID: 1, AllowedDuration: 10,
		RaceStatus: model.RaceInProgress, RaceStartTime: &start,
	}
	c.Load([]*model.GroupUserMapping{m})
	assert.Contains(t, buf.String(), "running race without end time")
	assert.Contains(t, buf.String(), `"mapping":1`)

	buf.Reset()
	c.Load([]*model.GroupUserMapping{m})
	assert.Empty(t, buf.String(), "reported once")
}

func TestLoadKeepsPendingSlots(t *testing.T) {
	gate := make(chan struct{})
	dl := fakedl.Venue(2, 2, 10, fakedl.WithGate(gate))
	c := setup(t, dl)

	first := make(chan error, 1)
	go func() { first <- c.AssignCart(context.Background(), 1, 1) }()
	waitPending(t, c, 1)

	c.Load([]*model.GroupUserMapping{{ID: 2, GroupID: 1, UserID: 2, Laps: 4}})
	s, err := c.Slot(1)
	assert.NoError(t, err, "pending slot survives reload")
	assert.Equal(t, model.SyncPending, s.Sync)
	s, _ = c.Slot(2)
	assert.Equal(t, 4, s.Mapping.Laps)

	close(gate)
	assert.NoError(t, <-first)
}
