package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/mpapenbr/kartrace-service-manager-go/pkg/datalayer"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
)

type recorded struct {
	method string
	path   string
	auth   string
	body   map[string]any
}

func newTestServer(t *testing.T, status int, resp any) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.auth = r.Header.Get("Authorization")
		if r.ContentLength > 0 {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if resp != nil {
			_ = json.NewEncoder(w).Encode(resp)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestWriteRequests(t *testing.T) {
	mappingID := 5
	tests := []struct {
		name       string
		call       func(c *Client) error
		wantMethod string
		wantPath   string
		wantBody   map[string]any
	}{
		{
			name:       "assign",
			call:       func(c *Client) error { return c.AssignCart(context.Background(), 5, 3) },
			wantMethod: http.MethodPost,
			wantPath:   "/api/group-users/5/cart",
			wantBody:   map[string]any{"cartId": float64(3)},
		},
		{
			name:       "unassign",
			call:       func(c *Client) error { return c.UnassignCart(context.Background(), 5) },
			wantMethod: http.MethodDelete,
			wantPath:   "/api/group-users/5/cart",
		},
		{
			name:       "force",
			call:       func(c *Client) error { return c.ForceUnassignCart(context.Background(), 3) },
			wantMethod: http.MethodPost,
			wantPath:   "/api/carts/3/force-unassign",
		},
		{
			name: "end",
			call: func(c *Client) error {
				return c.EndRace(context.Background(), 1, 2, &mappingID)
			},
			wantMethod: http.MethodPost,
			wantPath:   "/api/races/end",
			wantBody: map[string]any{
				"userId": float64(1), "groupId": float64(2), "mappingId": float64(5),
			},
		},
		{
			name: "lap",
			call: func(c *Client) error {
				return c.RecordLap(context.Background(), 2, 1,
					model.Lap{LapNumber: 3, LapTime: 41.5})
			},
			wantMethod: http.MethodPost,
			wantPath:   "/api/groups/2/users/1/laps",
			wantBody:   map[string]any{"lapNumber": float64(3), "lapTime": 41.5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, rec := newTestServer(t, http.StatusNoContent, nil)
			c := New(srv.URL, WithToken("secret"))
			assert.NoError(t, tt.call(c))
			assert.Equal(t, tt.wantMethod, rec.method)
			assert.Equal(t, tt.wantPath, rec.path)
			assert.Equal(t, "Bearer secret", rec.auth)
			if diff := cmp.Diff(tt.wantBody, rec.body); diff != "" {
				t.Errorf("body mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestStartRace(t *testing.T) {
	end := time.Date(2024, 4, 28, 11, 15, 0, 0, time.UTC)
	srv, rec := newTestServer(t, http.StatusOK, map[string]any{"expectedEndTime": end})
	c := New(srv.URL)
	res, err := c.StartRace(context.Background(), 1, 2, nil)
	assert.NoError(t, err)
	assert.True(t, end.Equal(res.ExpectedEndTime))
	assert.Empty(t, rec.auth)
	_, hasMapping := rec.body["mappingId"]
	assert.False(t, hasMapping)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "conflict", status: http.StatusConflict, wantErr: datalayer.ErrCartUnavailable},
		{name: "not found", status: http.StatusNotFound, wantErr: datalayer.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, tt.status, map[string]string{"error": "nope"})
			err := New(srv.URL).AssignCart(context.Background(), 1, 1)
			assert.ErrorIs(t, err, tt.wantErr)
			var apiErr *APIError
			assert.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
		})
	}

	srv, _ := newTestServer(t, http.StatusInternalServerError, nil)
	err := New(srv.URL).UnassignCart(context.Background(), 1)
	var apiErr *APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.False(t, errors.Is(err, datalayer.ErrCartUnavailable))
}

func TestReads(t *testing.T) {
	cart := 3
	mappings := []*model.GroupUserMapping{
		{ID: 1, GroupID: 2, UserID: 3, AllowedDuration: 15, CartID: &cart, Laps: 4},
	}
	srv, rec := newTestServer(t, http.StatusOK, mappings)
	got, err := New(srv.URL).GetActiveGroupUsers(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, "/api/group-users/active", rec.path)
	if diff := cmp.Diff(mappings, got); diff != "" {
		t.Errorf("mappings mismatch (-want +got):\n%s", diff)
	}

	best := 40.2
	board := &model.LiveLeaderboard{
		SessionStatus: model.SessionActive,
		Entries: []*model.LeaderboardEntry{
			{MappingID: 1, RacerName: "a", TotalLaps: 4, BestLap: &best},
		},
	}
	srv, rec = newTestServer(t, http.StatusOK, board)
	gotBoard, err := New(srv.URL).GetLiveLeaderboard(context.Background(), 7)
	assert.NoError(t, err)
	assert.Equal(t, "/api/sessions/7/leaderboard", rec.path)
	if diff := cmp.Diff(board, gotBoard); diff != "" {
		t.Errorf("board mismatch (-want +got):\n%s", diff)
	}
}
