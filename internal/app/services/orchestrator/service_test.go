package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devicelab/orchestrator/internal/app/domain/queue"
	"github.com/devicelab/orchestrator/internal/app/domain/report"
	"github.com/devicelab/orchestrator/internal/app/services/executor"
)

// fakeDispatcher lets tests control exactly when an Execute call returns,
// so assignment/blocking behavior can be observed deterministically.
type fakeDispatcher struct {
	mu       sync.Mutex
	release  chan struct{}
	executed []executor.Request
	stopped  []string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{release: make(chan struct{})}
}

func (f *fakeDispatcher) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	f.mu.Lock()
	f.executed = append(f.executed, req)
	f.mu.Unlock()

	<-f.release

	results := make([]report.DeviceScenarioResult, len(req.DeviceIDs))
	for i, d := range req.DeviceIDs {
		results[i] = report.DeviceScenarioResult{DeviceID: d, Status: report.ScenarioCompleted}
	}
	return executor.Result{Report: report.TestReport{
		ExecutionID: req.ExecutionID,
		Status:      report.ExecutionCompleted,
		Results:     results,
	}}, nil
}

func (f *fakeDispatcher) StopExecution(executionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, executionID)
	return nil
}

func (f *fakeDispatcher) executedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

func TestSubmitTestDispatchesWhenDevicesIdle(t *testing.T) {
	disp := newFakeDispatcher()
	svc := New(disp, nil)

	item, err := svc.SubmitTest(context.Background(), SubmitRequest{
		DeviceIDs:   []string{"d1"},
		ScenarioIDs: []string{"scn-1"},
		UserName:    "alice",
		SocketID:    "sock-1",
	})
	require.NoError(t, err)
	require.Equal(t, queue.StateRunning, item.State)

	require.Eventually(t, func() bool { return disp.executedCount() == 1 }, time.Second, 5*time.Millisecond)
	close(disp.release)
}

func TestSecondSubmissionWaitsForSameDevice(t *testing.T) {
	disp := newFakeDispatcher()
	svc := New(disp, nil)

	_, err := svc.SubmitTest(context.Background(), SubmitRequest{
		DeviceIDs:   []string{"d1"},
		ScenarioIDs: []string{"scn-1"},
		SocketID:    "sock-1",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return disp.executedCount() == 1 }, time.Second, 5*time.Millisecond)

	second, err := svc.SubmitTest(context.Background(), SubmitRequest{
		DeviceIDs:   []string{"d1"},
		ScenarioIDs: []string{"scn-2"},
		SocketID:    "sock-2",
	})
	require.NoError(t, err)
	require.Equal(t, queue.StateQueued, second.State)

	pos, err := svc.Position(second.QueueID)
	require.NoError(t, err)
	require.Equal(t, 1, pos.Ahead)

	close(disp.release)
	require.Eventually(t, func() bool { return disp.executedCount() == 2 }, time.Second, 5*time.Millisecond)
}

func TestCancelQueuedItemRemovesItFromDeviceQueue(t *testing.T) {
	disp := newFakeDispatcher()
	svc := New(disp, nil)

	_, err := svc.SubmitTest(context.Background(), SubmitRequest{
		DeviceIDs:   []string{"d1"},
		ScenarioIDs: []string{"scn-1"},
		SocketID:    "sock-1",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return disp.executedCount() == 1 }, time.Second, 5*time.Millisecond)

	second, err := svc.SubmitTest(context.Background(), SubmitRequest{
		DeviceIDs:   []string{"d1"},
		ScenarioIDs: []string{"scn-2"},
		SocketID:    "sock-2",
	})
	require.NoError(t, err)

	cancelled, err := svc.CancelTest(second.QueueID, "sock-2")
	require.NoError(t, err)
	require.Equal(t, queue.StateCancelled, cancelled.State)

	_, err = svc.Position(second.QueueID)
	require.ErrorIs(t, err, ErrNotFound)

	close(disp.release)
}

func TestCancelByWrongOwnerIsRejected(t *testing.T) {
	disp := newFakeDispatcher()
	close(disp.release)
	svc := New(disp, nil)

	item, err := svc.SubmitTest(context.Background(), SubmitRequest{
		DeviceIDs:   []string{"d1"},
		ScenarioIDs: []string{"scn-1"},
		SocketID:    "sock-1",
	})
	require.NoError(t, err)

	_, err = svc.CancelTest(item.QueueID, "sock-2")
	require.True(t, err == ErrNotOwner || err == ErrNotFound)
}

func TestSplitExecutionDispatchesIdleSubsetImmediately(t *testing.T) {
	disp := newFakeDispatcher()
	svc := New(disp, nil)

	_, err := svc.SubmitTest(context.Background(), SubmitRequest{
		DeviceIDs:   []string{"d1", "d2"},
		ScenarioIDs: []string{"scn-1"},
		SocketID:    "sock-1",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return disp.executedCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err = svc.SubmitTest(context.Background(), SubmitRequest{
		DeviceIDs:   []string{"d1", "d3"},
		ScenarioIDs: []string{"scn-2"},
		SocketID:    "sock-2",
		AllowSplit:  true,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return disp.executedCount() == 2 }, time.Second, 5*time.Millisecond)

	disp.mu.Lock()
	last := disp.executed[len(disp.executed)-1]
	disp.mu.Unlock()
	require.Equal(t, []string{"d3"}, last.DeviceIDs)

	close(disp.release)
}
