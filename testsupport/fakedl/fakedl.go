// Package fakedl provides an in-memory data layer for tests.
package fakedl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mpapenbr/kartrace-service-manager-go/pkg/datalayer"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
)

type Op string

const (
	OpAssign      Op = "assign"
	OpUnassign    Op = "unassign"
	OpForce       Op = "force"
	OpStart       Op = "start"
	OpEnd         Op = "end"
	OpRecordLap   Op = "recordLap"
	OpLeaderboard Op = "leaderboard"
	OpActive      Op = "active"
	OpCarts       Op = "carts"
)

type (
	Option func(*DataLayer)
	// DataLayer keeps all venue data in memory.
	DataLayer struct {
		mu       sync.Mutex
		clock    clockwork.Clock
		latency  time.Duration
		gate     chan struct{}
		failures map[Op][]error
		calls    map[Op]int
		mappings map[int]*model.GroupUserMapping
		carts    map[int]*model.Cart
		sessions map[int]*model.Session
		groups   map[int]*model.Group
		users    map[int]*model.User
		laps     map[int][]model.Lap
	}
)

var _ datalayer.DataLayer = (*DataLayer)(nil)

func WithClock(arg clockwork.Clock) Option {
	return func(d *DataLayer) {
		d.clock = arg
	}
}

// WithLatency delays every write operation by the given duration
func WithLatency(arg time.Duration) Option {
	return func(d *DataLayer) {
		d.latency = arg
	}
}

// WithGate blocks every write operation until a value is received from
// or the channel is closed.
func WithGate(arg chan struct{}) Option {
	return func(d *DataLayer) {
		d.gate = arg
	}
}

func New(opts ...Option) *DataLayer {
	ret := &DataLayer{
		clock:    clockwork.NewRealClock(),
		failures: make(map[Op][]error),
		calls:    make(map[Op]int),
		mappings: make(map[int]*model.GroupUserMapping),
		carts:    make(map[int]*model.Cart),
		sessions: make(map[int]*model.Session),
		groups:   make(map[int]*model.Group),
		users:    make(map[int]*model.User),
		laps:     make(map[int][]model.Lap),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Venue creates one active session with one group, the given number of racer
// slots (user and mapping IDs 1..racers) and carts (IDs 1..carts).
// Every slot is allowed minutes of racing.
func Venue(racers, carts, minutes int, opts ...Option) *DataLayer {
	d := New(opts...)
	d.AddSession(&model.Session{ID: 1, Name: "session", Status: model.SessionActive})
	d.AddGroup(&model.Group{ID: 1, Name: "group", SessionID: 1})
	for i := 1; i <= carts; i++ {
		d.AddCart(&model.Cart{
			ID: i, Name: fmt.Sprintf("cart-%d", i),
			RfidTag: fmt.Sprintf("rfid-%d", i), Fuel: 100,
		})
	}
	for i := 1; i <= racers; i++ {
		d.AddUser(&model.User{ID: i, Name: fmt.Sprintf("racer-%d", i)})
		d.AddMapping(&model.GroupUserMapping{
			ID: i, GroupID: 1, UserID: i, AllowedDuration: minutes,
		})
	}
	return d
}

func (d *DataLayer) AddSession(s *model.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[s.ID] = s
}

func (d *DataLayer) AddGroup(g *model.Group) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.groups[g.ID] = g
}

func (d *DataLayer) AddUser(u *model.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

func (d *DataLayer) AddCart(c *model.Cart) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.carts[c.ID] = c
}

func (d *DataLayer) AddMapping(m *model.GroupUserMapping) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mappings[m.ID] = m
}

func (d *DataLayer) SetCartStatus(cartID int, status model.CartStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.carts[cartID]; ok {
		c.Status = status
	}
}

func (d *DataLayer) SetSessionStatus(sessionID int, status model.SessionStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[sessionID]; ok {
		s.Status = status
	}
}

// FailNext makes the next call of op return err. Multiple calls queue up.
func (d *DataLayer) FailNext(op Op, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = append(d.failures[op], err)
}

func (d *DataLayer) Calls(op Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Mapping returns a copy of the stored mapping
func (d *DataLayer) Mapping(id int) *model.GroupUserMapping {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.mappings[id]; ok {
		return m.Clone()
	}
	return nil
}

func (d *DataLayer) Cart(id int) *model.Cart {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.carts[id]; ok {
		ret := *c
		return &ret
	}
	return nil
}

func (d *DataLayer) AssignCart(ctx context.Context, mappingID, cartID int) error {
	if err := d.enter(ctx, OpAssign, true); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.mappings[mappingID]
	if !ok {
		return fmt.Errorf("mapping %d: %w", mappingID, datalayer.ErrNotFound)
	}
	c, ok := d.carts[cartID]
	if !ok {
		return fmt.Errorf("cart %d: %w", cartID, datalayer.ErrNotFound)
	}
	if !c.Usable() {
		return fmt.Errorf("cart %d is %s: %w", cartID, c.Status, datalayer.ErrCartUnavailable)
	}
	for _, other := range d.mappings {
		if other.ID != m.ID && other.GroupID == m.GroupID && other.HoldsCart(cartID) {
			return fmt.Errorf("cart %d held by mapping %d: %w",
				cartID, other.ID, datalayer.ErrCartUnavailable)
		}
	}
	if m.CartID != nil {
		d.releaseCart(*m.CartID, m.ID)
	}
	id := cartID
	m.CartID = &id
	c.Status = model.CartInUse
	return nil
}

func (d *DataLayer) UnassignCart(ctx context.Context, mappingID int) error {
	if err := d.enter(ctx, OpUnassign, true); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.mappings[mappingID]
	if !ok {
		return fmt.Errorf("mapping %d: %w", mappingID, datalayer.ErrNotFound)
	}
	if m.CartID != nil {
		cartID := *m.CartID
		m.CartID = nil
		d.releaseCart(cartID, m.ID)
	}
	return nil
}

func (d *DataLayer) ForceUnassignCart(ctx context.Context, cartID int) error {
	if err := d.enter(ctx, OpForce, true); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.carts[cartID]; !ok {
		return fmt.Errorf("cart %d: %w", cartID, datalayer.ErrNotFound)
	}
	for _, m := range d.mappings {
		if m.HoldsCart(cartID) {
			m.CartID = nil
			if m.RaceStatus == model.RaceInProgress {
				m.RaceStatus = model.RaceCompleted
			}
		}
	}
	d.releaseCart(cartID, 0)
	return nil
}

//nolint:whitespace // editor/linter issue
func (d *DataLayer) StartRace(
	ctx context.Context,
	userID, groupID int,
	mappingID *int,
) (*datalayer.StartResult, error) {
	if err := d.enter(ctx, OpStart, true); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := d.find(userID, groupID, mappingID)
	if err != nil {
		return nil, err
	}
	if m.RaceStatus != model.RaceNotStarted || m.CartID == nil {
		return nil, fmt.Errorf("mapping %d cannot be started", m.ID)
	}
	start := d.clock.Now()
	end := start.Add(m.Allotted())
	m.RaceStatus = model.RaceInProgress
	m.RaceStartTime = &start
	m.ExpectedEndTime = &end
	return &datalayer.StartResult{ExpectedEndTime: end}, nil
}

func (d *DataLayer) EndRace(ctx context.Context, userID, groupID int, mappingID *int) error {
	if err := d.enter(ctx, OpEnd, true); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := d.find(userID, groupID, mappingID)
	if err != nil {
		return err
	}
	// ending twice is accepted, the local engine may have completed first
	if m.RaceStatus == model.RaceInProgress {
		m.RaceStatus = model.RaceCompleted
	}
	return nil
}

func (d *DataLayer) RecordLap(ctx context.Context, groupID, userID int, lap model.Lap) error {
	if err := d.enter(ctx, OpRecordLap, true); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, err := d.find(userID, groupID, nil)
	if err != nil {
		return err
	}
	d.laps[m.ID] = append(d.laps[m.ID], lap)
	m.Laps = len(d.laps[m.ID])
	if m.BestLap == nil || lap.LapTime < *m.BestLap {
		v := lap.LapTime
		m.BestLap = &v
	}
	return nil
}

//nolint:whitespace // editor/linter issue
func (d *DataLayer) GetLiveLeaderboard(
	ctx context.Context,
	sessionID int,
) (*model.LiveLeaderboard, error) {
	if err := d.enter(ctx, OpLeaderboard, false); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", sessionID, datalayer.ErrNotFound)
	}
	ret := &model.LiveLeaderboard{
		SessionStatus: s.Status,
		Entries:       []*model.LeaderboardEntry{},
	}
	for _, m := range d.sortedMappings() {
		g, ok := d.groups[m.GroupID]
		if !ok || g.SessionID != sessionID {
			continue
		}
		e := &model.LeaderboardEntry{
			MappingID:  m.ID,
			GroupName:  g.Name,
			TotalLaps:  m.Laps,
			RaceStatus: m.RaceStatus,
		}
		if m.BestLap != nil {
			v := *m.BestLap
			e.BestLap = &v
		}
		if m.ExpectedEndTime != nil {
			v := *m.ExpectedEndTime
			e.ExpectedEndTime = &v
		}
		if u, ok := d.users[m.UserID]; ok {
			e.RacerName = u.Name
		}
		if m.CartID != nil {
			if c, ok := d.carts[*m.CartID]; ok {
				e.CartName = c.Name
			}
		}
		ret.Entries = append(ret.Entries, e)
	}
	return ret, nil
}

//nolint:whitespace // editor/linter issue
func (d *DataLayer) GetActiveGroupUsers(ctx context.Context) (
	[]*model.GroupUserMapping, error,
) {
	if err := d.enter(ctx, OpActive, false); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ret := make([]*model.GroupUserMapping, 0, len(d.mappings))
	for _, m := range d.sortedMappings() {
		ret = append(ret, m.Clone())
	}
	return ret, nil
}

func (d *DataLayer) GetCarts(ctx context.Context) ([]*model.Cart, error) {
	if err := d.enter(ctx, OpCarts, false); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ret := make([]*model.Cart, 0, len(d.carts))
	for _, c := range d.carts {
		v := *c
		ret = append(ret, &v)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret, nil
}

func (d *DataLayer) GetSession(ctx context.Context, sessionID int) (*model.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[sessionID]; ok {
		v := *s
		return &v, nil
	}
	return nil, fmt.Errorf("session %d: %w", sessionID, datalayer.ErrNotFound)
}

func (d *DataLayer) GetGroup(ctx context.Context, groupID int) (*model.Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if g, ok := d.groups[groupID]; ok {
		v := *g
		return &v, nil
	}
	return nil, fmt.Errorf("group %d: %w", groupID, datalayer.ErrNotFound)
}

func (d *DataLayer) GetUser(ctx context.Context, userID int) (*model.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[userID]; ok {
		v := *u
		return &v, nil
	}
	return nil, fmt.Errorf("user %d: %w", userID, datalayer.ErrNotFound)
}

// enter counts the call, applies the configured delays and returns a queued
// failure for op, if any.
func (d *DataLayer) enter(ctx context.Context, op Op, write bool) error {
	d.mu.Lock()
	d.calls[op]++
	var err error
	if q := d.failures[op]; len(q) > 0 {
		err = q[0]
		d.failures[op] = q[1:]
	}
	latency, gate := d.latency, d.gate
	d.mu.Unlock()

	if write && gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if write && latency > 0 {
		select {
		case <-d.clock.After(latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

//nolint:whitespace // editor/linter issue
func (d *DataLayer) find(userID, groupID int, mappingID *int) (
	*model.GroupUserMapping, error,
) {
	if mappingID != nil {
		if m, ok := d.mappings[*mappingID]; ok {
			return m, nil
		}
		return nil, fmt.Errorf("mapping %d: %w", *mappingID, datalayer.ErrNotFound)
	}
	for _, m := range d.sortedMappings() {
		if m.UserID == userID && m.GroupID == groupID {
			return m, nil
		}
	}
	return nil, fmt.Errorf("user %d in group %d: %w", userID, groupID, datalayer.ErrNotFound)
}

// releaseCart marks the cart available if no mapping other than skip holds it
func (d *DataLayer) releaseCart(cartID, skip int) {
	c, ok := d.carts[cartID]
	if !ok || c.Status != model.CartInUse {
		return
	}
	for _, m := range d.mappings {
		if m.ID != skip && m.HoldsCart(cartID) {
			return
		}
	}
	c.Status = model.CartAvailable
}

func (d *DataLayer) sortedMappings() []*model.GroupUserMapping {
	ret := make([]*model.GroupUserMapping, 0, len(d.mappings))
	for _, m := range d.mappings {
		ret = append(ret, m)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}
