// Package assignment serializes all writes that change a racer slot:
// cart assignment, race start and race end.
//
// Each slot carries a sync state. While an external write is in flight the
// slot is pending and further requests for it are rejected. A failed write
// restores the last confirmed state and marks the slot rolled-back.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"github.com/mpapenbr/kartrace-service-manager-go/log"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/countdown"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/datalayer"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/race"
)

var (
	ErrCartUnavailable  = errors.New("cart unavailable")
	ErrAlreadyPending   = errors.New("request already pending")
	ErrInvalidState     = race.ErrInvalidState
	ErrAssignmentFailed = errors.New("cart assignment failed")
	ErrRaceEndFailed    = errors.New("race end failed")
	ErrNotConfirmed     = errors.New("destructive operation not confirmed")
	ErrUnknownMapping   = errors.New("unknown mapping")
	ErrUnknownCart      = errors.New("unknown cart")
)

const defaultRequestTimeout = 10 * time.Second

type (
	Writer interface {
		datalayer.CartWriter
		datalayer.RaceWriter
	}
	Option func(*Coordinator)

	// Slot is a read-only view of a racer slot
	Slot struct {
		Mapping   *model.GroupUserMapping
		Sync      model.SyncState
		RequestID string // set while pending
		Err       error  // cause of the last rollback
	}

	slot struct {
		current   *model.GroupUserMapping
		confirmed *model.GroupUserMapping
		sync      model.SyncState
		requestID string
		err       error
		// set when the race was completed locally and the backend has not
		// acknowledged the end yet
		endUnconfirmed bool
	}

	Coordinator struct {
		mu       sync.Mutex
		w        Writer
		clock    clockwork.Clock
		timeout  time.Duration
		l        *log.Logger
		slots    map[int]*slot
		carts    map[int]*model.Cart
		reserved map[int]map[int]int // groupID -> cartID -> mappingID of in-flight assignment
		metrics  *coordinatorMetrics
	}
)

func WithClock(arg clockwork.Clock) Option {
	return func(c *Coordinator) {
		c.clock = arg
	}
}

// WithRequestTimeout bounds each external write, a slot never stays
// pending longer than this.
func WithRequestTimeout(arg time.Duration) Option {
	return func(c *Coordinator) {
		if arg > 0 {
			c.timeout = arg
		}
	}
}

func WithLogger(arg *log.Logger) Option {
	return func(c *Coordinator) {
		c.l = arg
	}
}

func NewCoordinator(w Writer, opts ...Option) *Coordinator {
	ret := &Coordinator{
		w:        w,
		clock:    clockwork.NewRealClock(),
		timeout:  defaultRequestTimeout,
		l:        log.Default().Named("assignment"),
		slots:    make(map[int]*slot),
		carts:    make(map[int]*model.Cart),
		reserved: make(map[int]map[int]int),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.metrics = newCoordinatorMetrics(ret.l)
	return ret
}

// Load replaces the confirmed state with the mappings read from the backend.
// Slots with a request in flight keep their local state. A locally completed
// race is never reverted by a backend which has not seen the end yet.
// Slots missing in mappings are dropped unless pending.
func (c *Coordinator) Load(mappings []*model.GroupUserMapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[int]struct{}, len(mappings))
	for _, m := range mappings {
		seen[m.ID] = struct{}{}
		s, ok := c.slots[m.ID]
		if ok && s.sync == model.SyncPending {
			continue
		}
		if ok && s.current.RaceStatus == model.RaceCompleted &&
			m.RaceStatus != model.RaceCompleted {
			if !s.endUnconfirmed {
				c.l.Warn("backend reports completed race as active, keeping local state",
					log.Int("mapping", m.ID),
					log.Stringer("race", m.RaceStatus))
			}
			s.endUnconfirmed = true
			continue
		}
		if missingEnd(m) && (!ok || !missingEnd(s.current)) {
			c.l.Warn("running race without end time, showing allotted duration",
				log.Int("mapping", m.ID), log.Int("group", m.GroupID))
		}
		c.slots[m.ID] = &slot{
			current:   m.Clone(),
			confirmed: m.Clone(),
			sync:      model.SyncConfirmed,
		}
	}
	for id, s := range c.slots {
		if _, ok := seen[id]; !ok && s.sync != model.SyncPending {
			delete(c.slots, id)
		}
	}
}

// SetCarts replaces the cart registry used for availability checks
func (c *Coordinator) SetCarts(carts []*model.Cart) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.carts = lo.SliceToMap(carts, func(item *model.Cart) (int, *model.Cart) {
		v := *item
		return item.ID, &v
	})
}

func (c *Coordinator) Carts() []*model.Cart {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := lo.MapToSlice(c.carts, func(_ int, v *model.Cart) *model.Cart {
		cart := *v
		return &cart
	})
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

func (c *Coordinator) Slot(mappingID int) (Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[mappingID]
	if !ok {
		return Slot{}, fmt.Errorf("mapping %d: %w", mappingID, ErrUnknownMapping)
	}
	return s.view(), nil
}

func (c *Coordinator) Status(mappingID int) (model.SyncState, error) {
	s, err := c.Slot(mappingID)
	if err != nil {
		return model.SyncConfirmed, err
	}
	return s.Sync, nil
}

// Slots returns all slots ordered by mapping ID
func (c *Coordinator) Slots() []Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := make([]Slot, 0, len(c.slots))
	for _, s := range c.slots {
		ret = append(ret, s.view())
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Mapping.ID < ret[j].Mapping.ID })
	return ret
}

// Mappings returns copies of the current local state ordered by ID
func (c *Coordinator) Mappings() []*model.GroupUserMapping {
	return lo.Map(c.Slots(), func(item Slot, _ int) *model.GroupUserMapping {
		return item.Mapping
	})
}

// CartFree reports if cartID may be handed to a slot of groupID.
func (c *Coordinator) CartFree(cartID, groupID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cartFree(cartID, groupID, 0) == nil
}

func (c *Coordinator) AssignCart(ctx context.Context, mappingID, cartID int) error {
	c.mu.Lock()
	s, err := c.lookup(mappingID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if s.current.HoldsCart(cartID) {
		c.mu.Unlock()
		return nil
	}
	if !race.CanChangeCart(s.current) {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot change cart in state %s",
			ErrInvalidState, s.current.RaceStatus)
	}
	if err = c.cartFree(cartID, s.current.GroupID, mappingID); err != nil {
		c.mu.Unlock()
		c.metrics.record(ctx, opAssign, outcomeRejected)
		return err
	}
	groupID := s.current.GroupID
	reqID := c.begin(s)
	c.reserve(groupID, cartID, mappingID)
	c.mu.Unlock()

	c.l.Debug("assigning cart",
		log.String("request", reqID), log.Int("mapping", mappingID), log.Int("cart", cartID))
	err = c.call(ctx, func(ctx context.Context) error {
		return c.w.AssignCart(ctx, mappingID, cartID)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	c.unreserve(groupID, cartID, mappingID)
	if err == nil {
		if other, ok := c.holder(cartID, groupID, mappingID); ok {
			err = fmt.Errorf("cart %d held by mapping %d: %w",
				cartID, other, datalayer.ErrCartUnavailable)
		}
	}
	if err != nil {
		if errors.Is(err, datalayer.ErrCartUnavailable) {
			err = fmt.Errorf("%w: %w: %w", ErrAssignmentFailed, ErrCartUnavailable, err)
		} else {
			err = fmt.Errorf("%w: %w", ErrAssignmentFailed, err)
		}
		c.rollback(ctx, opAssign, s, err)
		return err
	}
	prev := s.current.CartID
	id := cartID
	s.current.CartID = &id
	c.commit(ctx, opAssign, s)
	c.setCartStatus(cartID, model.CartInUse)
	if prev != nil {
		c.releaseCart(*prev)
	}
	return nil
}

// UnassignCart removes the cart from a slot which is not racing.
func (c *Coordinator) UnassignCart(ctx context.Context, mappingID int) error {
	c.mu.Lock()
	s, err := c.lookup(mappingID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if s.current.RaceStatus == model.RaceInProgress {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot unassign cart while race is in progress", ErrInvalidState)
	}
	if !s.current.HasCart() {
		c.mu.Unlock()
		return nil
	}
	reqID := c.begin(s)
	c.mu.Unlock()

	c.l.Debug("unassigning cart", log.String("request", reqID), log.Int("mapping", mappingID))
	err = c.call(ctx, func(ctx context.Context) error {
		return c.w.UnassignCart(ctx, mappingID)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrAssignmentFailed, err)
		c.rollback(ctx, opUnassign, s, err)
		return err
	}
	cartID := *s.current.CartID
	s.current.CartID = nil
	c.commit(ctx, opUnassign, s)
	c.releaseCart(cartID)
	return nil
}

// ForceUnassign takes cartID away from every slot holding it, even while
// racing. Running races of those slots are completed.
func (c *Coordinator) ForceUnassign(ctx context.Context, cartID int, confirm bool) error {
	if !confirm {
		return ErrNotConfirmed
	}
	c.mu.Lock()
	holders := model.CartHolders(lo.MapToSlice(c.slots,
		func(_ int, s *slot) *model.GroupUserMapping { return s.current }))[cartID]
	affected := make([]*slot, 0, len(holders))
	for _, id := range holders {
		s := c.slots[id]
		if s.sync == model.SyncPending {
			c.mu.Unlock()
			return fmt.Errorf("mapping %d: %w", id, ErrAlreadyPending)
		}
		affected = append(affected, s)
	}
	reqID := uuid.NewString()
	for _, s := range affected {
		c.beginWith(s, reqID)
	}
	c.mu.Unlock()

	c.l.Warn("force unassigning cart",
		log.String("request", reqID), log.Int("cart", cartID), log.Any("mappings", holders))
	err := c.call(ctx, func(ctx context.Context) error {
		return c.w.ForceUnassignCart(ctx, cartID)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrAssignmentFailed, err)
		for _, s := range affected {
			c.rollback(ctx, opForce, s, err)
		}
		return err
	}
	for _, s := range affected {
		s.current.CartID = nil
		if s.current.RaceStatus == model.RaceInProgress {
			_ = race.End(s.current)
		}
		c.commit(ctx, opForce, s)
	}
	c.releaseCart(cartID)
	return nil
}

// StartRace starts the race locally and confirms it with the backend.
// The end time returned by the backend replaces the local one.
func (c *Coordinator) StartRace(ctx context.Context, mappingID int) error {
	c.mu.Lock()
	s, err := c.lookup(mappingID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	next := s.current.Clone()
	if err = race.Start(next, c.clock.Now()); err != nil {
		c.mu.Unlock()
		return err
	}
	reqID := c.begin(s)
	s.current = next
	m := next.Clone()
	c.mu.Unlock()

	c.l.Debug("starting race", log.String("request", reqID), log.Int("mapping", mappingID))
	var res *datalayer.StartResult
	err = c.call(ctx, func(ctx context.Context) error {
		var callErr error
		res, callErr = c.w.StartRace(ctx, m.UserID, m.GroupID, &m.ID)
		return callErr
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		err = fmt.Errorf("%w: %w", race.ErrRaceStartFailed, err)
		c.rollback(ctx, opStart, s, err)
		return err
	}
	if res != nil && !res.ExpectedEndTime.IsZero() {
		if local := *s.current.ExpectedEndTime; !local.Equal(res.ExpectedEndTime) {
			c.l.Debug("adopting server end time",
				log.Int("mapping", mappingID),
				log.Time("local", local),
				log.Time("server", res.ExpectedEndTime))
		}
		_ = race.ConfirmStart(s.current, res.ExpectedEndTime)
	}
	c.commit(ctx, opStart, s)
	return nil
}

// EndRace completes a running race on operator request.
func (c *Coordinator) EndRace(ctx context.Context, mappingID int) error {
	return c.end(ctx, mappingID, race.End)
}

// PauseRace is the operator pause. It ends the allotment.
func (c *Coordinator) PauseRace(ctx context.Context, mappingID int) error {
	return c.end(ctx, mappingID, race.Pause)
}

//nolint:whitespace // editor/linter issue
func (c *Coordinator) end(
	ctx context.Context,
	mappingID int,
	transition func(*model.GroupUserMapping) error,
) error {
	c.mu.Lock()
	s, err := c.lookup(mappingID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	next := s.current.Clone()
	if err = transition(next); err != nil {
		c.mu.Unlock()
		return err
	}
	reqID := c.begin(s)
	s.current = next
	m := next.Clone()
	c.mu.Unlock()

	c.l.Debug("ending race", log.String("request", reqID), log.Int("mapping", mappingID))
	err = c.call(ctx, func(ctx context.Context) error {
		return c.w.EndRace(ctx, m.UserID, m.GroupID, &m.ID)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRaceEndFailed, err)
		c.rollback(ctx, opEnd, s, err)
		return err
	}
	c.commit(ctx, opEnd, s)
	return nil
}

// Expire completes all running races whose end time is reached and returns
// copies of the completed slots. Pending slots are left alone.
func (c *Coordinator) Expire(now time.Time) []*model.GroupUserMapping {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidates := lo.FilterMap(lo.Values(c.slots),
		func(s *slot, _ int) (*model.GroupUserMapping, bool) {
			return s.current, s.sync != model.SyncPending
		})
	next, expired := countdown.Tick(candidates, now)
	if len(expired) == 0 {
		return nil
	}
	ret := make([]*model.GroupUserMapping, 0, len(expired))
	for _, m := range next {
		if !lo.Contains(expired, m.ID) {
			continue
		}
		s := c.slots[m.ID]
		s.current = m
		s.confirmed = m.Clone()
		s.endUnconfirmed = true
		ret = append(ret, m.Clone())
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// UnconfirmedEnds returns copies of the completed slots whose end was not
// acknowledged by the backend yet.
func (c *Coordinator) UnconfirmedEnds() []*model.GroupUserMapping {
	c.mu.Lock()
	defer c.mu.Unlock()
	ret := lo.FilterMap(lo.Values(c.slots),
		func(s *slot, _ int) (*model.GroupUserMapping, bool) {
			return s.current.Clone(), s.endUnconfirmed
		})
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// ConfirmEnd records that the backend acknowledged the end of mappingID.
func (c *Coordinator) ConfirmEnd(mappingID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.slots[mappingID]; ok {
		s.endUnconfirmed = false
	}
}

// ApplyLap adds a lap recorded by the backend to the local slot state.
func (c *Coordinator) ApplyLap(mappingID int, lap model.Lap) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.slots[mappingID]
	if !ok {
		return fmt.Errorf("mapping %d: %w", mappingID, ErrUnknownMapping)
	}
	for _, m := range []*model.GroupUserMapping{s.current, s.confirmed} {
		m.Laps = max(m.Laps, lap.LapNumber)
		if m.BestLap == nil || lap.LapTime < *m.BestLap {
			v := lap.LapTime
			m.BestLap = &v
		}
	}
	return nil
}

// FindByUser returns the slot of userID in groupID
func (c *Coordinator) FindByUser(groupID, userID int) (Slot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.slots {
		if s.current.GroupID == groupID && s.current.UserID == userID {
			return s.view(), nil
		}
	}
	return Slot{}, fmt.Errorf("user %d in group %d: %w", userID, groupID, ErrUnknownMapping)
}

// lookup returns the slot if it is able to take a new request.
// Must be called with c.mu held.
func (c *Coordinator) lookup(mappingID int) (*slot, error) {
	s, ok := c.slots[mappingID]
	if !ok {
		return nil, fmt.Errorf("mapping %d: %w", mappingID, ErrUnknownMapping)
	}
	if s.sync == model.SyncPending {
		return nil, fmt.Errorf("mapping %d: %w", mappingID, ErrAlreadyPending)
	}
	return s, nil
}

// cartFree checks cartID for use in groupID by mapping self.
// Must be called with c.mu held.
func (c *Coordinator) cartFree(cartID, groupID, self int) error {
	if len(c.carts) > 0 {
		cart, ok := c.carts[cartID]
		if !ok {
			return fmt.Errorf("cart %d: %w", cartID, ErrUnknownCart)
		}
		if !cart.Usable() {
			return fmt.Errorf("cart %d is %s: %w", cartID, cart.Status, ErrCartUnavailable)
		}
	}
	if id, ok := c.holder(cartID, groupID, self); ok {
		return fmt.Errorf("cart %d held by mapping %d: %w", cartID, id, ErrCartUnavailable)
	}
	if id, ok := c.reserved[groupID][cartID]; ok && id != self {
		return fmt.Errorf("cart %d requested by mapping %d: %w",
			cartID, id, ErrCartUnavailable)
	}
	return nil
}

// holder returns a slot of groupID other than self which holds cartID.
// Must be called with c.mu held.
func (c *Coordinator) holder(cartID, groupID, self int) (int, bool) {
	for id, s := range c.slots {
		if id != self && s.current.GroupID == groupID && s.current.HoldsCart(cartID) {
			return id, true
		}
	}
	return 0, false
}

func (c *Coordinator) reserve(groupID, cartID, mappingID int) {
	if _, ok := c.reserved[groupID]; !ok {
		c.reserved[groupID] = make(map[int]int)
	}
	c.reserved[groupID][cartID] = mappingID
}

// unreserve drops the reservation of cartID only if mappingID owns it
func (c *Coordinator) unreserve(groupID, cartID, mappingID int) {
	carts := c.reserved[groupID]
	if carts[cartID] != mappingID {
		return
	}
	delete(carts, cartID)
	if len(carts) == 0 {
		delete(c.reserved, groupID)
	}
}

func (c *Coordinator) begin(s *slot) string {
	reqID := uuid.NewString()
	c.beginWith(s, reqID)
	return reqID
}

func (c *Coordinator) beginWith(s *slot, reqID string) {
	s.confirmed = s.current.Clone()
	s.sync = model.SyncPending
	s.requestID = reqID
	s.err = nil
}

func (c *Coordinator) commit(ctx context.Context, op string, s *slot) {
	s.confirmed = s.current.Clone()
	s.sync = model.SyncConfirmed
	s.requestID = ""
	c.metrics.record(ctx, op, outcomeConfirmed)
}

func (c *Coordinator) rollback(ctx context.Context, op string, s *slot, err error) {
	c.l.Warn("request failed, restoring confirmed state",
		log.String("op", op),
		log.String("request", s.requestID),
		log.Int("mapping", s.confirmed.ID),
		log.ErrorField(err))
	race.Restore(s.current, s.confirmed)
	s.sync = model.SyncRolledBack
	s.requestID = ""
	s.err = err
	c.metrics.record(ctx, op, outcomeRolledBack)
}

func (c *Coordinator) call(ctx context.Context, fn func(ctx context.Context) error) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return fn(reqCtx)
}

func (c *Coordinator) setCartStatus(cartID int, status model.CartStatus) {
	if cart, ok := c.carts[cartID]; ok && cart.Usable() {
		cart.Status = status
	}
}

// releaseCart marks the cart available when no slot holds it anymore
func (c *Coordinator) releaseCart(cartID int) {
	for _, s := range c.slots {
		if s.current.HoldsCart(cartID) {
			return
		}
	}
	c.setCartStatus(cartID, model.CartAvailable)
}

func missingEnd(m *model.GroupUserMapping) bool {
	return m.RaceStatus == model.RaceInProgress && m.ExpectedEndTime == nil
}

func (s *slot) view() Slot {
	return Slot{
		Mapping:   s.current.Clone(),
		Sync:      s.sync,
		RequestID: s.requestID,
		Err:       s.err,
	}
}
