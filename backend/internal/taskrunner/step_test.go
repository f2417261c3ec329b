package taskrunner

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbcopier/backend/internal/types"
)

const endTime = "2024-05-01 08:00:00"

func st(state types.TaskState) types.TaskStatus {
	s := types.TaskStatus{ID: "t1", Status: state}
	if state.Terminal() {
		s.EndTime = endTime
	}
	return s
}

func withProgress(s types.TaskStatus, current, total int, table string) types.TaskStatus {
	s.Progress = &types.Progress{Current: current, Total: total, TableName: table}
	return s
}

func TestReplay_ValidLifecycle(t *testing.T) {
	assert.NoError(t, Replay("t1", []types.TaskStatus{
		st(types.TaskPending), st(types.TaskRunning), st(types.TaskCompleted),
	}))
	assert.NoError(t, Replay("t1", []types.TaskStatus{
		st(types.TaskPending), st(types.TaskPending), st(types.TaskFailed), st(types.TaskFailed),
	}))
}

func TestReplay_TerminalIsAbsorbing(t *testing.T) {
	err := Replay("t1", []types.TaskStatus{
		st(types.TaskPending), st(types.TaskCompleted), st(types.TaskRunning),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrProtocol))

	err = Replay("t1", []types.TaskStatus{st(types.TaskFailed), st(types.TaskCompleted)})
	assert.True(t, errors.Is(err, types.ErrProtocol))
}

func TestStep(t *testing.T) {
	pending, running, completed := st(types.TaskPending), st(types.TaskRunning), st(types.TaskCompleted)

	cases := []struct {
		name    string
		prev    *types.TaskStatus
		next    types.TaskStatus
		action  Action
		wantErr bool
	}{
		{"first poll pending", nil, pending, Continue, false},
		{"first poll terminal", nil, completed, Stop, false},
		{"pending to running", &pending, running, Continue, false},
		{"running to completed", &running, completed, Stop, false},
		{"running back to pending", &running, pending, Stop, true},
		{"foreign id", nil, types.TaskStatus{ID: "other", Status: types.TaskRunning}, Stop, true},
		{"empty id is accepted", nil, types.TaskStatus{Status: types.TaskRunning}, Continue, false},
		{"unknown state", nil, types.TaskStatus{Status: "paused"}, Stop, true},
		{"terminal without end time", nil, types.TaskStatus{Status: types.TaskFailed}, Stop, true},
		{"end time while running", nil, types.TaskStatus{Status: types.TaskRunning, EndTime: endTime}, Stop, true},
		{"progress beyond total", nil, withProgress(running, 4, 3, "users"), Stop, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			action, err := Step("t1", tc.prev, tc.next)
			assert.Equal(t, tc.action, action)
			if tc.wantErr {
				assert.True(t, errors.Is(err, types.ErrProtocol), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStep_ProgressNeverDecreasesWithinTable(t *testing.T) {
	running := st(types.TaskRunning)
	prev := withProgress(running, 2, 5, "orders")

	_, err := Step("t1", &prev, withProgress(running, 1, 5, "orders"))
	assert.True(t, errors.Is(err, types.ErrProtocol))

	// a new table may start from a lower count
	action, err := Step("t1", &prev, withProgress(running, 0, 5, "users"))
	assert.NoError(t, err)
	assert.Equal(t, Continue, action)

	action, err = Step("t1", &prev, withProgress(running, 3, 5, "orders"))
	assert.NoError(t, err)
	assert.Equal(t, Continue, action)
}

func TestStep_ProgressStaysOnceReported(t *testing.T) {
	running := st(types.TaskRunning)
	prev := withProgress(running, 2, 5, "orders")

	action, err := Step("t1", &prev, running)
	assert.True(t, errors.Is(err, types.ErrProtocol))
	assert.Equal(t, Stop, action)

	// a terminal status may omit progress
	failed := types.TaskStatus{Status: types.TaskFailed, EndTime: endTime, Message: "连接中断"}
	action, err = Step("t1", &prev, failed)
	assert.NoError(t, err)
	assert.Equal(t, Stop, action)

	// before any table is processed there is nothing to keep
	pending := st(types.TaskPending)
	_, err = Step("t1", &pending, running)
	assert.NoError(t, err)
}
