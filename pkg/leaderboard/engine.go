package leaderboard

import (
	"sync"
	"time"

	"github.com/mpapenbr/kartrace-service-manager-go/log"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/countdown"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/utils/broadcast"
)

type (
	// Snapshot is a ranked board of one session at a given time
	Snapshot struct {
		SessionID int       `json:"sessionId"`
		Timestamp time.Time `json:"timestamp"`
		Board
	}
	Engine struct {
		mu     sync.Mutex
		last   map[int][]*model.GroupUserMapping // key: sessionID
		latest map[int]*Snapshot
		source chan *Snapshot
		bcst   broadcast.BroadcastServer[*Snapshot]
		l      *log.Logger
	}
	EngineOption func(*Engine)
)

func WithLogger(l *log.Logger) EngineOption {
	return func(e *Engine) {
		e.l = l
	}
}

func NewEngine(opts ...EngineOption) *Engine {
	ret := &Engine{
		last:   make(map[int][]*model.GroupUserMapping),
		latest: make(map[int]*Snapshot),
		source: make(chan *Snapshot, 64),
		l:      log.Default().Named("leaderboard"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	ret.bcst = broadcast.NewBroadcastServer("leaderboard", ret.source,
		broadcast.WithLogger[*Snapshot](ret.l.Named("bcst")))
	return ret
}

// Update recomputes the board of a session. This happens on every tick and
// whenever laps, best lap or race status of a slot changed.
// Slots listed in pending have a request in flight.
// Returns the current snapshot and whether it was recomputed.
//
//nolint:whitespace // editor/linter issue
func (e *Engine) Update(
	sessionID int,
	mappings []*model.GroupUserMapping,
	pending map[int]bool,
	lookup Lookup,
	now time.Time,
	tick bool,
) (*Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev, seen := e.last[sessionID]
	if !tick && seen && !Changed(prev, mappings) {
		return e.latest[sessionID], false
	}
	board := Rank(FromMappings(mappings, lookup))
	remaining := make(map[int]*model.GroupUserMapping, len(mappings))
	for _, m := range mappings {
		remaining[m.ID] = m
	}
	for _, entry := range board.Entries {
		if m, ok := remaining[entry.MappingID]; ok {
			sync := model.SyncConfirmed
			if pending[m.ID] {
				sync = model.SyncPending
			}
			if r := countdown.RemainingFor(m, sync, now); r.Running {
				entry.Remaining = r.Display()
			}
		}
	}
	snap := &Snapshot{SessionID: sessionID, Timestamp: now, Board: board}
	e.last[sessionID] = cloneAll(mappings)
	e.latest[sessionID] = snap
	select {
	case e.source <- snap:
	default:
		e.l.Warn("leaderboard publish queue full, dropping snapshot",
			log.Int("session", sessionID))
	}
	return snap, true
}

func (e *Engine) Latest(sessionID int) (*Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.latest[sessionID]
	return s, ok
}

// Forget drops all state of a session, e.g. when the owning view is torn down
func (e *Engine) Forget(sessionID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.last, sessionID)
	delete(e.latest, sessionID)
}

func (e *Engine) Subscribe() <-chan *Snapshot {
	return e.bcst.Subscribe()
}

func (e *Engine) CancelSubscription(ch <-chan *Snapshot) {
	e.bcst.CancelSubscription(ch)
}

func (e *Engine) Close() {
	e.bcst.Close()
}

func cloneAll(in []*model.GroupUserMapping) []*model.GroupUserMapping {
	ret := make([]*model.GroupUserMapping, 0, len(in))
	for _, m := range in {
		ret = append(ret, m.Clone())
	}
	return ret
}
