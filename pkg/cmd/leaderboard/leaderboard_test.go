package leaderboard

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"

	"github.com/mpapenbr/kartrace-service-manager-go/pkg/leaderboard"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
)

var testTime = time.Date(2024, 4, 28, 11, 0, 0, 0, time.UTC)

func sampleSnapshot() *leaderboard.Snapshot {
	best := 41.5
	end := testTime.Add(90 * time.Second)
	return &leaderboard.Snapshot{
		SessionID: 1,
		Timestamp: testTime,
		Board: leaderboard.Rank([]*model.LeaderboardEntry{
			{MappingID: 1, RacerName: "Alice", CartName: "cart-1", TotalLaps: 3,
				RaceStatus: model.RaceCompleted},
			{MappingID: 2, RacerName: "Bob", CartName: "cart-2", TotalLaps: 5, BestLap: &best,
				RaceStatus: model.RaceInProgress, ExpectedEndTime: &end},
		}),
	}
}

func TestToStandings(t *testing.T) {
	best := 41.5
	got := toStandings(sampleSnapshot())
	want := []row{
		{Rank: 1, Podium: "gold", Racer: "Bob", Cart: "cart-2", Laps: 5, BestLap: &best,
			Status: model.RaceInProgress.String(), Remaining: "01:30"},
		{Rank: 2, Podium: "silver", Racer: "Alice", Cart: "cart-1", Laps: 3,
			Status: model.RaceCompleted.String()},
	}
	if diff := cmp.Diff(want, got.Rows); diff != "" {
		t.Errorf("toStandings() mismatch (-want +got):\n%s", diff)
	}
}

func TestPrint(t *testing.T) {
	tests := []struct {
		name   string
		format string
		check  func(t *testing.T, out string)
	}{
		{"table", "table", func(t *testing.T, out string) {
			lines := strings.Split(strings.TrimSpace(out), "\n")
			assert.Len(t, lines, 3)
			assert.Contains(t, lines[0], "RACER")
			assert.Contains(t, lines[1], "Bob")
			assert.Contains(t, lines[1], "41.500")
			assert.Contains(t, lines[2], "Alice")
		}},
		{"json", "json", func(t *testing.T, out string) {
			var got standings
			assert.NoError(t, json.Unmarshal([]byte(out), &got))
			assert.Equal(t, 1, got.SessionID)
			assert.Len(t, got.Rows, 2)
		}},
		{"yaml", "yaml", func(t *testing.T, out string) {
			var got standings
			assert.NoError(t, yaml.Unmarshal([]byte(out), &got))
			assert.Equal(t, "Bob", got.Rows[0].Racer)
			assert.Equal(t, "01:30", got.Rows[0].Remaining)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			assert.NoError(t, Print(&buf, tt.format, sampleSnapshot()))
			tt.check(t, buf.String())
		})
	}
}

func TestPrintEmpty(t *testing.T) {
	var buf bytes.Buffer
	snap := &leaderboard.Snapshot{SessionID: 1, Board: leaderboard.Rank(nil)}
	assert.NoError(t, Print(&buf, "table", snap))
	assert.Equal(t, leaderboard.NoActiveRacers+"\n", buf.String())
}

func TestUnknownFormat(t *testing.T) {
	assert.ErrorIs(t, checkFormat("xml"), ErrUnknownFormat)
	assert.NoError(t, checkFormat("yaml"))
	assert.ErrorIs(t, Print(&bytes.Buffer{}, "xml", sampleSnapshot()), ErrUnknownFormat)
}
