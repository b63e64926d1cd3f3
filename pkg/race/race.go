// Package race holds the transitions of a racer slot's timed run.
// All functions work on the passed mapping and never touch external state.
package race

import (
	"errors"
	"fmt"
	"time"

	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
)

var (
	ErrInvalidState    = errors.New("invalid race state")
	ErrNoCart          = errors.New("no cart assigned")
	ErrRaceStartFailed = errors.New("race start failed")
)

// Start moves a not_started slot with an assigned cart to in_progress.
// The expected end time is derived once from the start time and the
// allotted duration.
func Start(m *model.GroupUserMapping, now time.Time) error {
	if m.RaceStatus != model.RaceNotStarted {
		return fmt.Errorf("%w: cannot start race in state %s", ErrInvalidState, m.RaceStatus)
	}
	if !m.HasCart() {
		return ErrNoCart
	}
	start := now
	end := start.Add(m.Allotted())
	m.RaceStatus = model.RaceInProgress
	m.RaceStartTime = &start
	m.ExpectedEndTime = &end
	return nil
}

// ConfirmStart applies the end time declared by the backend. The server
// value always wins over the locally derived one.
func ConfirmStart(m *model.GroupUserMapping, serverEnd time.Time) error {
	if m.RaceStatus != model.RaceInProgress {
		return fmt.Errorf("%w: cannot confirm start in state %s", ErrInvalidState, m.RaceStatus)
	}
	if serverEnd.IsZero() {
		return nil
	}
	end := serverEnd
	m.ExpectedEndTime = &end
	return nil
}

// End completes an in_progress slot. Completed slots keep their lap data.
func End(m *model.GroupUserMapping) error {
	if m.RaceStatus != model.RaceInProgress {
		return fmt.Errorf("%w: cannot end race in state %s", ErrInvalidState, m.RaceStatus)
	}
	m.RaceStatus = model.RaceCompleted
	return nil
}

// Pause is offered as operator action but ends the allotment.
// There is no way back to not_started.
func Pause(m *model.GroupUserMapping) error {
	return End(m)
}

// Expire completes the slot if the expected end time is reached.
// Returns true if a transition happened.
func Expire(m *model.GroupUserMapping, now time.Time) bool {
	if m.RaceStatus != model.RaceInProgress || m.ExpectedEndTime == nil {
		return false
	}
	if now.Before(*m.ExpectedEndTime) {
		return false
	}
	m.RaceStatus = model.RaceCompleted
	return true
}

// Restore resets m to the snapshot taken before an optimistic change.
func Restore(m, snapshot *model.GroupUserMapping) {
	*m = *snapshot.Clone()
}

// CanChangeCart reports if the cart of the slot may be changed.
func CanChangeCart(m *model.GroupUserMapping) bool {
	return m.RaceStatus == model.RaceNotStarted
}
