package natsbcst

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"

	"github.com/mpapenbr/kartrace-service-manager-go/pkg/leaderboard"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
)

func TestSubjects(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"event", EventSubject("ksm", model.EventCartAssigned), "ksm.events.cart.assigned"},
		{"rollback", EventSubject("venue1", model.EventRolledBack), "venue1.events.race.rolledback"},
		{"snapshot", SnapshotSubject("ksm", 12), "ksm.leaderboard.12"},
		{"key", SnapshotKey(12), "session.12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestDecodeSnapshot(t *testing.T) {
	best := 39.8
	end := time.Date(2024, 4, 28, 11, 15, 0, 0, time.UTC)
	snap := &leaderboard.Snapshot{
		SessionID: 3,
		Timestamp: time.Date(2024, 4, 28, 11, 0, 0, 0, time.UTC),
		Board: leaderboard.Board{
			Entries: []*model.LeaderboardEntry{
				{
					MappingID: 1, Rank: 1, RacerName: "Ayrton", TotalLaps: 3, BestLap: &best,
					RaceStatus: model.RaceInProgress, ExpectedEndTime: &end, Remaining: "15:00",
				},
			},
		},
	}
	data, err := json.Marshal(snap)
	assert.NoError(t, err)
	got, err := DecodeSnapshot(data)
	assert.NoError(t, err)
	if diff := cmp.Diff(snap, got); diff != "" {
		t.Errorf("DecodeSnapshot() mismatch (-want +got):\n%s", diff)
	}

	_, err = DecodeSnapshot([]byte("{"))
	assert.Error(t, err)
}
