package taskrunner

import (
	"fmt"

	"dbcopier/backend/internal/engine"
	"dbcopier/backend/internal/types"
)

// Action is what the poll loop does after observing a status.
type Action int

const (
	Continue Action = iota
	Stop
)

func (a Action) String() string {
	if a == Stop {
		return "stop"
	}
	return "continue"
}

// rank orders the states of a task; a status may never move to a lower rank.
func rank(s types.TaskState) int {
	switch s {
	case types.TaskPending:
		return 0
	case types.TaskRunning:
		return 1
	default:
		return 2
	}
}

// Step decides, from the last accepted status and a freshly polled one, whether to
// keep polling. prev is nil before the first poll. A non-nil error is always a
// protocol error and comes with Stop: nothing more from this task is trusted.
func Step(taskID string, prev *types.TaskStatus, next types.TaskStatus) (Action, error) {
	violation := func(format string, args ...any) (Action, error) {
		return Stop, types.NewProtocolError(engine.CmdGetTaskStatus,
			fmt.Sprintf("task %s: ", taskID)+fmt.Sprintf(format, args...))
	}

	if next.ID != "" && next.ID != taskID {
		return violation("status reported for task %q", next.ID)
	}
	if !next.Status.Valid() {
		return violation("unknown status %q", next.Status)
	}
	terminal := next.Status.Terminal()
	if terminal && next.EndTime == "" {
		return violation("%s without end_time", next.Status)
	}
	if !terminal && next.EndTime != "" {
		return violation("end_time set while %s", next.Status)
	}
	if p := next.Progress; p != nil && (p.Current < 0 || p.Current > p.Total) {
		return violation("progress %d/%d out of range", p.Current, p.Total)
	}

	if prev != nil {
		if prev.Status.Terminal() {
			if next.Status != prev.Status {
				return violation("status changed from %s to %s after completion", prev.Status, next.Status)
			}
			return Stop, nil
		}
		if rank(next.Status) < rank(prev.Status) {
			return violation("status went back from %s to %s", prev.Status, next.Status)
		}
		// 引擎开始处理表之后，非终态状态必须一直带着进度
		if !terminal && prev.Progress != nil && next.Progress == nil {
			return violation("progress dropped while %s", next.Status)
		}
		if !terminal && prev.Progress != nil && next.Progress != nil &&
			prev.Progress.TableName == next.Progress.TableName &&
			next.Progress.Current < prev.Progress.Current {
			return violation("progress on %q went back from %d to %d",
				next.Progress.TableName, prev.Progress.Current, next.Progress.Current)
		}
	}

	if terminal {
		return Stop, nil
	}
	return Continue, nil
}

// Replay feeds a sequence of polled statuses through Step and returns the first
// protocol error, if any. Statuses after a Stop are still checked.
func Replay(taskID string, statuses []types.TaskStatus) error {
	var prev *types.TaskStatus
	for i := range statuses {
		if _, err := Step(taskID, prev, statuses[i]); err != nil {
			return err
		}
		prev = &statuses[i]
	}
	return nil
}
