// Package api exposes race control and leaderboards as HTTP JSON API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/samber/lo"

	"github.com/mpapenbr/kartrace-service-manager-go/log"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/api/live"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/assignment"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/control"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/datalayer"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/leaderboard"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/race"
)

// RaceControl is the part of control.Service used by the API
type RaceControl interface {
	Slots() []control.SlotView
	Slot(mappingID int) (control.SlotView, error)
	Carts() []*model.Cart
	CartFree(cartID, groupID int) bool
	AssignCart(ctx context.Context, mappingID, cartID int) error
	UnassignCart(ctx context.Context, mappingID int) error
	ForceUnassign(ctx context.Context, cartID int, confirm bool) error
	StartRace(ctx context.Context, mappingID int) error
	EndRace(ctx context.Context, mappingID int) error
	PauseRace(ctx context.Context, mappingID int) error
	RecordLap(ctx context.Context, groupID, userID int, lap model.Lap) error
	Leaderboard(ctx context.Context, sessionID int) (*leaderboard.Snapshot, error)
	Watch(ctx context.Context, sessionID int) (*leaderboard.Snapshot, error)
	Unwatch(sessionID int)
}

type (
	Option  func(*Handler)
	Handler struct {
		rc  RaceControl
		hub *live.Hub
		l   *log.Logger
	}
	errorResponse struct {
		Error string `json:"error"`
	}
	cartView struct {
		*model.Cart
		Free *bool `json:"free,omitempty"`
	}
	assignRequest struct {
		CartID int `json:"cartId"`
	}
)

func WithHub(arg *live.Hub) Option {
	return func(h *Handler) {
		h.hub = arg
	}
}

func WithLogger(arg *log.Logger) Option {
	return func(h *Handler) {
		h.l = arg
	}
}

func NewHandler(rc RaceControl, opts ...Option) *Handler {
	ret := &Handler{
		rc: rc,
		l:  log.Default().Named("api"),
	}
	for _, opt := range opts {
		opt(ret)
	}
	return ret
}

// Register adds all routes to r
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/slots", h.listSlots).Methods(http.MethodGet)
	v1.HandleFunc("/slots/{id:[0-9]+}", h.getSlot).Methods(http.MethodGet)
	v1.HandleFunc("/slots/{id:[0-9]+}/cart", h.assignCart).Methods(http.MethodPost)
	v1.HandleFunc("/slots/{id:[0-9]+}/cart", h.unassignCart).Methods(http.MethodDelete)
	v1.HandleFunc("/slots/{id:[0-9]+}/start", h.slotAction(h.rc.StartRace)).
		Methods(http.MethodPost)
	v1.HandleFunc("/slots/{id:[0-9]+}/end", h.slotAction(h.rc.EndRace)).
		Methods(http.MethodPost)
	v1.HandleFunc("/slots/{id:[0-9]+}/pause", h.slotAction(h.rc.PauseRace)).
		Methods(http.MethodPost)
	v1.HandleFunc("/carts", h.listCarts).Methods(http.MethodGet)
	v1.HandleFunc("/carts/{id:[0-9]+}/force-unassign", h.forceUnassign).
		Methods(http.MethodPost)
	v1.HandleFunc("/groups/{group:[0-9]+}/users/{user:[0-9]+}/laps", h.recordLap).
		Methods(http.MethodPost)
	v1.HandleFunc("/sessions/{id:[0-9]+}/leaderboard", h.getLeaderboard).
		Methods(http.MethodGet)
	if h.hub != nil {
		v1.HandleFunc("/sessions/{id:[0-9]+}/leaderboard/live", h.liveLeaderboard).
			Methods(http.MethodGet)
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listSlots(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.rc.Slots())
}

func (h *Handler) getSlot(w http.ResponseWriter, r *http.Request) {
	id := pathInt(r, "id")
	v, err := h.rc.Slot(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, v)
}

func (h *Handler) assignCart(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.CartID <= 0 {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "cartId required"})
		return
	}
	id := pathInt(r, "id")
	if err := h.rc.AssignCart(r.Context(), id, req.CartID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSlot(w, id)
}

func (h *Handler) unassignCart(w http.ResponseWriter, r *http.Request) {
	id := pathInt(r, "id")
	if err := h.rc.UnassignCart(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeSlot(w, id)
}

func (h *Handler) slotAction(fn func(context.Context, int) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := pathInt(r, "id")
		if err := fn(r.Context(), id); err != nil {
			h.writeError(w, err)
			return
		}
		h.writeSlot(w, id)
	}
}

// listCarts returns the cart registry. With ?group=ID each cart carries
// whether it may be assigned within that group.
func (h *Handler) listCarts(w http.ResponseWriter, r *http.Request) {
	carts := h.rc.Carts()
	group, err := strconv.Atoi(r.URL.Query().Get("group"))
	hasGroup := err == nil
	h.writeJSON(w, http.StatusOK, lo.Map(carts, func(c *model.Cart, _ int) cartView {
		if !hasGroup {
			return cartView{Cart: c}
		}
		return cartView{Cart: c, Free: lo.ToPtr(h.rc.CartFree(c.ID, group))}
	}))
}

func (h *Handler) forceUnassign(w http.ResponseWriter, r *http.Request) {
	confirm, _ := strconv.ParseBool(r.URL.Query().Get("confirm"))
	if err := h.rc.ForceUnassign(r.Context(), pathInt(r, "id"), confirm); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recordLap(w http.ResponseWriter, r *http.Request) {
	var lap model.Lap
	if err := json.NewDecoder(r.Body).Decode(&lap); err != nil || lap.LapTime <= 0 {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "lapTime required"})
		return
	}
	err := h.rc.RecordLap(r.Context(), pathInt(r, "group"), pathInt(r, "user"), lap)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	snap, err := h.rc.Leaderboard(r.Context(), pathInt(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snap)
}

func (h *Handler) liveLeaderboard(w http.ResponseWriter, r *http.Request) {
	id := pathInt(r, "id")
	snap, err := h.rc.Watch(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.hub.Serve(w, r, id, snap); err != nil {
		// the upgrader already replied
		h.l.Debug("websocket upgrade failed", log.ErrorField(err))
		h.rc.Unwatch(id)
	}
}

func (h *Handler) writeSlot(w http.ResponseWriter, id int) {
	v, err := h.rc.Slot(id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, v)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		h.l.Warn("request failed", log.Int("status", code), log.ErrorField(err))
	}
	h.writeJSON(w, code, errorResponse{Error: err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.l.Debug("could not write response", log.ErrorField(err))
	}
}

// StatusCode maps engine errors to HTTP status codes
func StatusCode(err error) int {
	switch {
	// failed backend writes are checked before the causes they wrap,
	// a backend 404 on a write is still a gateway failure
	case errors.Is(err, assignment.ErrAssignmentFailed),
		errors.Is(err, race.ErrRaceStartFailed),
		errors.Is(err, assignment.ErrRaceEndFailed):
		if errors.Is(err, assignment.ErrCartUnavailable) {
			return http.StatusConflict
		}
		return http.StatusBadGateway
	case errors.Is(err, assignment.ErrUnknownMapping),
		errors.Is(err, assignment.ErrUnknownCart),
		errors.Is(err, datalayer.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, assignment.ErrCartUnavailable),
		errors.Is(err, assignment.ErrAlreadyPending):
		return http.StatusConflict
	case errors.Is(err, race.ErrInvalidState),
		errors.Is(err, race.ErrNoCart),
		errors.Is(err, control.ErrSessionNotActive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, assignment.ErrNotConfirmed):
		return http.StatusPreconditionRequired
	default:
		return http.StatusInternalServerError
	}
}

func pathInt(r *http.Request, name string) int {
	v, _ := strconv.Atoi(mux.Vars(r)[name])
	return v
}
