// Package countdown derives the remaining race time of a racer slot.
// Everything in here is a pure function of (state, now).
package countdown

import (
	"fmt"
	"time"

	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
	"github.com/mpapenbr/kartrace-service-manager-go/pkg/race"
)

type Result struct {
	Seconds   int  // remaining seconds, 0 when not running
	Running   bool // slot is in_progress
	Static    bool // no expected end time known, Seconds holds the allotted duration
	Completed bool // remaining time reached 0
}

// Display returns the value shown to the operator.
// Slots not running render as neutral "--:--".
func (r Result) Display() string {
	if !r.Running {
		return "--:--"
	}
	return Format(r.Seconds)
}

func Remaining(m *model.GroupUserMapping, now time.Time) Result {
	if m.RaceStatus != model.RaceInProgress {
		return Result{}
	}
	if m.ExpectedEndTime == nil {
		return static(m)
	}
	left := m.ExpectedEndTime.Sub(now)
	secs := 0
	if left > 0 {
		secs = int(left / time.Second)
	}
	return Result{Seconds: secs, Running: true, Completed: secs == 0}
}

// RemainingFor is Remaining for a slot in the given sync state. While a start
// is pending the local end time is a guess, the allotted duration is shown
// until the server end time is known.
func RemainingFor(m *model.GroupUserMapping, sync model.SyncState, now time.Time) Result {
	if sync == model.SyncPending && m.RaceStatus == model.RaceInProgress {
		return static(m)
	}
	return Remaining(m, now)
}

func static(m *model.GroupUserMapping) Result {
	return Result{
		Seconds: int(m.Allotted() / time.Second),
		Running: true,
		Static:  true,
	}
}

// Format renders seconds as MM:SS. Minutes are not wrapped at 60.
func Format(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// Tick completes all in_progress slots whose countdown reached 0.
// The passed slice is not modified, changed slots are returned as copies
// together with the IDs of the slots completed in this step.
//
//nolint:whitespace // editor/linter issue
func Tick(state []*model.GroupUserMapping, now time.Time) (
	next []*model.GroupUserMapping,
	expired []int,
) {
	next = make([]*model.GroupUserMapping, 0, len(state))
	for _, m := range state {
		if r := Remaining(m, now); r.Running && r.Completed {
			c := m.Clone()
			if race.Expire(c, now) {
				expired = append(expired, c.ID)
				next = append(next, c)
				continue
			}
		}
		next = append(next, m)
	}
	return next, expired
}
