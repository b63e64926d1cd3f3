package live

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/mpapenbr/kartrace-service-manager-go/pkg/leaderboard"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
)

func dial(t *testing.T, h *Hub, sessionID int, initial *leaderboard.Snapshot) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, h.Serve(w, r, sessionID, initial))
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readSnapshot(t *testing.T, ws *websocket.Conn) *leaderboard.Snapshot {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var snap leaderboard.Snapshot
	assert.NoError(t, ws.ReadJSON(&snap))
	return &snap
}

func TestInitialAndBroadcast(t *testing.T) {
	h := NewHub()
	initial := &leaderboard.Snapshot{
		SessionID: 1,
		Board:     leaderboard.Board{Empty: true, Message: leaderboard.NoActiveRacers},
	}
	ws := dial(t, h, 1, initial)

	got := readSnapshot(t, ws)
	assert.True(t, got.Empty)
	assert.Equal(t, leaderboard.NoActiveRacers, got.Message)
	assert.Eventually(t, func() bool { return h.Connections(1) == 1 },
		time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan *leaderboard.Snapshot, 2)
	go h.Run(ctx, ch)

	// other sessions are not delivered
	ch <- &leaderboard.Snapshot{SessionID: 2}
	ch <- &leaderboard.Snapshot{
		SessionID: 1,
		Board: leaderboard.Board{Entries: []*model.LeaderboardEntry{
			{MappingID: 4, Rank: 1, RacerName: "Alain", TotalLaps: 2},
		}},
	}
	got = readSnapshot(t, ws)
	assert.Equal(t, 1, got.SessionID)
	assert.Len(t, got.Entries, 1)
	assert.Equal(t, "Alain", got.Entries[0].RacerName)
}

func TestDisconnectUnregisters(t *testing.T) {
	h := NewHub()
	ws := dial(t, h, 3, nil)
	assert.Eventually(t, func() bool { return h.Connections(3) == 1 },
		time.Second, 10*time.Millisecond)
	ws.Close()
	assert.Eventually(t, func() bool { return h.Connections(3) == 0 },
		2*time.Second, 10*time.Millisecond)
}

func TestOnCloseCalledOncePerConnection(t *testing.T) {
	closed := make(chan int, 4)
	h := NewHub(WithOnClose(func(sessionID int) { closed <- sessionID }))
	first := dial(t, h, 5, nil)
	second := dial(t, h, 5, nil)
	assert.Eventually(t, func() bool { return h.Connections(5) == 2 },
		time.Second, 10*time.Millisecond)

	first.Close()
	select {
	case id := <-closed:
		assert.Equal(t, 5, id)
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not called")
	}
	assert.Equal(t, 1, h.Connections(5))

	second.Close()
	select {
	case id := <-closed:
		assert.Equal(t, 5, id)
	case <-time.After(2 * time.Second):
		t.Fatal("close callback not called")
	}
	assert.Equal(t, 0, h.Connections(5))
	assert.Empty(t, closed, "no duplicate callbacks")
}
