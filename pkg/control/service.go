// Package control owns the venue state of the race-control engine and
// exposes the operations used by the presentation layer.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/samber/lo"

	"github.com/mpapenbr/kartrace-service-manager-go/log"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/assignment"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/countdown"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/datalayer"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/leaderboard"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/scheduler"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/utils/cache"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/utils/cache/loadercache"
)

var ErrSessionNotActive = errors.New("session not active")

type (
	// EventSink receives race-control events, e.g. for publishing to NATS
	EventSink interface {
		PublishEvent(ctx context.Context, ev *model.RaceEvent) error
	}

	// SlotView is the presentation state of a racer slot
	SlotView struct {
		Mapping   *model.GroupUserMapping `json:"mapping"`
		Remaining string                  `json:"remaining"`
		Static    bool                    `json:"static,omitempty"`
		Sync      model.SyncState         `json:"sync"`
		RequestID string                  `json:"requestId,omitempty"`
		Error     string                  `json:"error,omitempty"`
	}

	Option func(*Service)

	Service struct {
		dl             datalayer.DataLayer
		coord          *assignment.Coordinator
		board          *leaderboard.Engine
		clock          clockwork.Clock
		l              *log.Logger
		requestTimeout time.Duration
		cacheTTL       time.Duration
		sessionTTL     time.Duration
		sinks          []EventSink
		users          cache.Cache[int, model.User]
		groups         cache.Cache[int, model.Group]
		sessions       cache.Cache[int, model.Session]
		mu             sync.Mutex
		watched        map[int]int      // sessionID -> live leaderboard viewers
		ending         map[int]struct{} // mappings with an end confirmation in flight
		confirmWg      sync.WaitGroup
	}
)

func WithClock(arg clockwork.Clock) Option {
	return func(s *Service) {
		s.clock = arg
	}
}

func WithLogger(arg *log.Logger) Option {
	return func(s *Service) {
		s.l = arg
	}
}

func WithRequestTimeout(arg time.Duration) Option {
	return func(s *Service) {
		s.requestTimeout = arg
	}
}

// WithCacheExpiration controls how long user and group names are cached
func WithCacheExpiration(arg time.Duration) Option {
	return func(s *Service) {
		s.cacheTTL = arg
	}
}

// WithSessionExpiration controls how long a session status is trusted
func WithSessionExpiration(arg time.Duration) Option {
	return func(s *Service) {
		s.sessionTTL = arg
	}
}

func WithEventSink(arg EventSink) Option {
	return func(s *Service) {
		s.sinks = append(s.sinks, arg)
	}
}

func NewService(dl datalayer.DataLayer, opts ...Option) *Service {
	ret := &Service{
		dl:             dl,
		clock:          clockwork.NewRealClock(),
		l:              log.Default().Named("control"),
		requestTimeout: 10 * time.Second,
		cacheTTL:       5 * time.Minute,
		sessionTTL:     5 * time.Second,
		watched:        make(map[int]int),
		ending:         make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.coord = assignment.NewCoordinator(dl,
		assignment.WithClock(ret.clock),
		assignment.WithRequestTimeout(ret.requestTimeout),
		assignment.WithLogger(ret.l.Named("assignment")))
	ret.board = leaderboard.NewEngine(leaderboard.WithLogger(ret.l.Named("leaderboard")))
	ret.users = loadercache.New(
		loadercache.WithLoader[int, model.User](dl.GetUser),
		loadercache.WithClock[int, model.User](ret.clock),
		loadercache.WithExpiration[int, model.User](ret.cacheTTL),
		loadercache.WithLogger[int, model.User](ret.l.Named("cache.user")))
	ret.groups = loadercache.New(
		loadercache.WithLoader[int, model.Group](dl.GetGroup),
		loadercache.WithClock[int, model.Group](ret.clock),
		loadercache.WithExpiration[int, model.Group](ret.cacheTTL),
		loadercache.WithLogger[int, model.Group](ret.l.Named("cache.group")))
	ret.sessions = loadercache.New(
		loadercache.WithLoader[int, model.Session](dl.GetSession),
		loadercache.WithClock[int, model.Session](ret.clock),
		loadercache.WithExpiration[int, model.Session](ret.sessionTTL),
		loadercache.WithLogger[int, model.Session](ret.l.Named("cache.session")))
	return ret
}

// Refresh reloads carts and racer slots from the data layer.
func (s *Service) Refresh(ctx context.Context) error {
	carts, err := s.dl.GetCarts(ctx)
	if err != nil {
		return fmt.Errorf("could not load carts: %w", err)
	}
	mappings, err := s.dl.GetActiveGroupUsers(ctx)
	if err != nil {
		return fmt.Errorf("could not load active group users: %w", err)
	}
	s.coord.SetCarts(carts)
	s.coord.Load(mappings)
	s.l.Debug("refreshed venue state",
		log.Int("carts", len(carts)), log.Int("mappings", len(mappings)))
	for _, m := range s.coord.UnconfirmedEnds() {
		s.startConfirmEnd(ctx, m)
	}
	s.updateBoards(ctx, s.clock.Now(), false)
	return nil
}

// Tick is the per-second step: expired races are completed locally and the
// completion is confirmed with the backend in the background. Ends the
// backend did not acknowledge are retried on the next Refresh. All watched
// leaderboards are recomputed.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	for _, m := range s.coord.Expire(now) {
		s.l.Info("race time elapsed",
			log.Int("mapping", m.ID), log.Int("group", m.GroupID), log.Int("user", m.UserID))
		s.emit(ctx, model.EventRaceCompleted, m)
		s.startConfirmEnd(ctx, m)
	}
	s.updateBoards(ctx, now, true)
}

// Run drives Tick and Refresh until ctx is done.
func (s *Service) Run(ctx context.Context, tickInterval, pollInterval time.Duration) {
	if err := s.Refresh(ctx); err != nil {
		s.l.Warn("initial refresh failed", log.ErrorField(err))
	}
	stopPoll := scheduler.NewTicker(
		scheduler.WithClock(s.clock),
		scheduler.WithInterval(pollInterval),
		scheduler.WithLogger(s.l.Named("poll")),
	).Start(ctx, func(time.Time) {
		if err := s.Refresh(ctx); err != nil {
			s.l.Warn("refresh failed", log.ErrorField(err))
		}
	})
	scheduler.NewTicker(
		scheduler.WithClock(s.clock),
		scheduler.WithInterval(tickInterval),
		scheduler.WithLogger(s.l.Named("tick")),
	).Run(ctx, func(now time.Time) { s.Tick(ctx, now) })
	stopPoll()
	s.confirmWg.Wait()
}

func (s *Service) Close() {
	s.confirmWg.Wait()
	s.board.Close()
}

func (s *Service) Slots() []SlotView {
	now := s.clock.Now()
	return lo.Map(s.coord.Slots(), func(item assignment.Slot, _ int) SlotView {
		return slotView(item, now)
	})
}

func (s *Service) Slot(mappingID int) (SlotView, error) {
	item, err := s.coord.Slot(mappingID)
	if err != nil {
		return SlotView{}, err
	}
	return slotView(item, s.clock.Now()), nil
}

func (s *Service) Carts() []*model.Cart {
	return s.coord.Carts()
}

func (s *Service) CartFree(cartID, groupID int) bool {
	return s.coord.CartFree(cartID, groupID)
}

func (s *Service) AssignCart(ctx context.Context, mappingID, cartID int) error {
	if err := s.guard(ctx, mappingID); err != nil {
		return err
	}
	err := s.coord.AssignCart(ctx, mappingID, cartID)
	s.after(ctx, mappingID, model.EventCartAssigned, err)
	return err
}

func (s *Service) UnassignCart(ctx context.Context, mappingID int) error {
	if err := s.guard(ctx, mappingID); err != nil {
		return err
	}
	err := s.coord.UnassignCart(ctx, mappingID)
	s.after(ctx, mappingID, model.EventCartUnassigned, err)
	return err
}

// ForceUnassign is an operator recovery and therefore not bound to an
// active session.
func (s *Service) ForceUnassign(ctx context.Context, cartID int, confirm bool) error {
	holders := lo.Filter(s.coord.Mappings(), func(m *model.GroupUserMapping, _ int) bool {
		return m.HoldsCart(cartID)
	})
	if err := s.coord.ForceUnassign(ctx, cartID, confirm); err != nil {
		return err
	}
	for _, m := range holders {
		s.after(ctx, m.ID, model.EventCartUnassigned, nil)
	}
	return nil
}

func (s *Service) StartRace(ctx context.Context, mappingID int) error {
	if err := s.guard(ctx, mappingID); err != nil {
		return err
	}
	err := s.coord.StartRace(ctx, mappingID)
	s.after(ctx, mappingID, model.EventRaceStarted, err)
	return err
}

func (s *Service) EndRace(ctx context.Context, mappingID int) error {
	if err := s.guard(ctx, mappingID); err != nil {
		return err
	}
	err := s.coord.EndRace(ctx, mappingID)
	s.after(ctx, mappingID, model.EventRaceCompleted, err)
	return err
}

func (s *Service) PauseRace(ctx context.Context, mappingID int) error {
	if err := s.guard(ctx, mappingID); err != nil {
		return err
	}
	err := s.coord.PauseRace(ctx, mappingID)
	s.after(ctx, mappingID, model.EventRaceCompleted, err)
	return err
}

// RecordLap forwards a lap to the backend and applies it locally so the
// leaderboard reflects it without waiting for the next refresh.
func (s *Service) RecordLap(ctx context.Context, groupID, userID int, lap model.Lap) error {
	slot, err := s.coord.FindByUser(groupID, userID)
	if err != nil {
		return err
	}
	if err = s.guard(ctx, slot.Mapping.ID); err != nil {
		return err
	}
	if err = s.dl.RecordLap(ctx, groupID, userID, lap); err != nil {
		return fmt.Errorf("could not record lap: %w", err)
	}
	if err = s.coord.ApplyLap(slot.Mapping.ID, lap); err != nil {
		return err
	}
	s.after(ctx, slot.Mapping.ID, model.EventLapRecorded, nil)
	return nil
}

// Leaderboard returns the ranked board of a session.
//
//nolint:whitespace // editor/linter issue
func (s *Service) Leaderboard(
	ctx context.Context,
	sessionID int,
) (*leaderboard.Snapshot, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	if s.isWatched(sessionID) {
		if snap, ok := s.board.Latest(sessionID); ok {
			return snap, nil
		}
	}
	return s.updateBoard(ctx, sessionID, s.clock.Now(), true), nil
}

// Watch registers a live viewer of a session and returns the current board.
// The board is recomputed on every tick until each Watch is matched by an
// Unwatch.
//
//nolint:whitespace // editor/linter issue
func (s *Service) Watch(
	ctx context.Context,
	sessionID int,
) (*leaderboard.Snapshot, error) {
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.watched[sessionID]++
	s.mu.Unlock()
	if snap, ok := s.board.Latest(sessionID); ok {
		return snap, nil
	}
	return s.updateBoard(ctx, sessionID, s.clock.Now(), true), nil
}

// Unwatch removes a live viewer. With the last viewer gone the board of the
// session is no longer recomputed.
func (s *Service) Unwatch(sessionID int) {
	s.mu.Lock()
	n, ok := s.watched[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if n > 1 {
		s.watched[sessionID] = n - 1
		s.mu.Unlock()
		return
	}
	delete(s.watched, sessionID)
	s.mu.Unlock()
	s.board.Forget(sessionID)
	s.l.Debug("leaderboard no longer watched", log.Int("session", sessionID))
}

func (s *Service) isWatched(sessionID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watched[sessionID]
	return ok
}

func (s *Service) Subscribe() <-chan *leaderboard.Snapshot {
	return s.board.Subscribe()
}

func (s *Service) CancelSubscription(ch <-chan *leaderboard.Snapshot) {
	s.board.CancelSubscription(ch)
}

// guard rejects race control for slots of sessions that are not active
func (s *Service) guard(ctx context.Context, mappingID int) error {
	slot, err := s.coord.Slot(mappingID)
	if err != nil {
		return err
	}
	group, err := s.groups.Get(ctx, slot.Mapping.GroupID)
	if err != nil {
		return fmt.Errorf("could not resolve group %d: %w", slot.Mapping.GroupID, err)
	}
	session, err := s.sessions.Get(ctx, group.SessionID)
	if err != nil {
		return fmt.Errorf("could not resolve session %d: %w", group.SessionID, err)
	}
	if !session.Active() {
		return fmt.Errorf("session %d is %s: %w", session.ID, session.Status, ErrSessionNotActive)
	}
	return nil
}

// after publishes the event of a successful change or the rollback of a
// failed one and refreshes the leaderboards.
func (s *Service) after(ctx context.Context, mappingID int, ev model.RaceEventType, err error) {
	slot, slotErr := s.coord.Slot(mappingID)
	if slotErr != nil {
		return
	}
	switch {
	case err == nil:
		s.emit(ctx, ev, slot.Mapping)
	case slot.Sync == model.SyncRolledBack:
		s.emit(ctx, model.EventRolledBack, slot.Mapping)
	default:
		return
	}
	s.updateBoards(ctx, s.clock.Now(), false)
}

func (s *Service) emit(ctx context.Context, t model.RaceEventType, m *model.GroupUserMapping) {
	if len(s.sinks) == 0 {
		return
	}
	ev := &model.RaceEvent{
		Type:      t,
		MappingID: m.ID,
		GroupID:   m.GroupID,
		CartID:    m.CartID,
		Timestamp: s.clock.Now(),
	}
	for _, sink := range s.sinks {
		if err := sink.PublishEvent(ctx, ev); err != nil {
			s.l.Warn("could not publish event",
				log.String("type", string(t)), log.ErrorField(err))
		}
	}
}

// startConfirmEnd sends the end of a locally completed race to the backend
// unless a confirmation for that slot is already in flight.
func (s *Service) startConfirmEnd(ctx context.Context, m *model.GroupUserMapping) {
	s.mu.Lock()
	if _, ok := s.ending[m.ID]; ok {
		s.mu.Unlock()
		return
	}
	s.ending[m.ID] = struct{}{}
	s.mu.Unlock()
	s.confirmWg.Add(1)
	go s.confirmEnd(context.WithoutCancel(ctx), m)
}

func (s *Service) confirmEnd(ctx context.Context, m *model.GroupUserMapping) {
	defer s.confirmWg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.ending, m.ID)
		s.mu.Unlock()
	}()
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	if err := s.dl.EndRace(ctx, m.UserID, m.GroupID, &m.ID); err != nil {
		s.l.Warn("backend did not confirm race end, will retry",
			log.Int("mapping", m.ID), log.ErrorField(err))
		return
	}
	s.coord.ConfirmEnd(m.ID)
}

func (s *Service) updateBoards(ctx context.Context, now time.Time, tick bool) {
	s.mu.Lock()
	ids := lo.Keys(s.watched)
	s.mu.Unlock()
	for _, id := range ids {
		s.updateBoard(ctx, id, now, tick)
	}
}

//nolint:whitespace // editor/linter issue
func (s *Service) updateBoard(
	ctx context.Context,
	sessionID int,
	now time.Time,
	tick bool,
) *leaderboard.Snapshot {
	slots := lo.Filter(s.coord.Slots(), func(item assignment.Slot, _ int) bool {
		g, err := s.groups.Get(ctx, item.Mapping.GroupID)
		return err == nil && g.SessionID == sessionID
	})
	mappings := lo.Map(slots, func(item assignment.Slot, _ int) *model.GroupUserMapping {
		return item.Mapping
	})
	pending := lo.SliceToMap(
		lo.Filter(slots, func(item assignment.Slot, _ int) bool {
			return item.Sync == model.SyncPending
		}),
		func(item assignment.Slot) (int, bool) { return item.Mapping.ID, true })
	snap, _ := s.board.Update(sessionID, mappings, pending, s.lookup(ctx), now, tick)
	return snap
}

func slotView(item assignment.Slot, now time.Time) SlotView {
	r := countdown.RemainingFor(item.Mapping, item.Sync, now)
	ret := SlotView{
		Mapping:   item.Mapping,
		Remaining: r.Display(),
		Static:    r.Static,
		Sync:      item.Sync,
		RequestID: item.RequestID,
	}
	if item.Err != nil {
		ret.Error = item.Err.Error()
	}
	return ret
}
