package driver

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devicelab/orchestrator/internal/app/domain/scenario"
)

// MockFactory is a Factory that never talks to a real device. It always
// succeeds and every probe/find call reports success, which is enough to
// exercise the orchestration core without Appium/ADB attached.
type MockFactory struct {
	sessions int64
}

// NewMockFactory returns a Factory suitable for local runs and tests.
func NewMockFactory() *MockFactory {
	return &MockFactory{}
}

func (f *MockFactory) CreateSession(_ context.Context, deviceID string) (DriverHandle, ActionsHandle, error) {
	id := atomic.AddInt64(&f.sessions, 1)
	h := &mockHandle{id: id, deviceID: deviceID}
	return h, h, nil
}

// mockHandle implements both DriverHandle and ActionsHandle with in-memory
// bookkeeping only; every action succeeds immediately.
type mockHandle struct {
	mu sync.Mutex

	id        int64
	deviceID  string
	recording bool
	shots     int
}

func (h *mockHandle) StartRecording(_ context.Context, _ RecordingOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recording = true
	return nil
}

func (h *mockHandle) StopRecording(_ context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.recording {
		return "", nil
	}
	h.recording = false
	return fmt.Sprintf("mock-recording-%d.mp4", h.id), nil
}

func (h *mockHandle) Close(_ context.Context) error { return nil }

func (h *mockHandle) Tap(_ context.Context, _, _ int) error                  { return nil }
func (h *mockHandle) TapElement(_ context.Context, _ string, _ scenario.Strategy, _ time.Duration) error {
	return nil
}
func (h *mockHandle) LongPress(_ context.Context, _, _ int, _ time.Duration) error { return nil }
func (h *mockHandle) Swipe(_ context.Context, _, _, _, _ int, _ time.Duration) error {
	return nil
}
func (h *mockHandle) DoubleTap(_ context.Context, _, _ int) error { return nil }

func (h *mockHandle) Exists(_ context.Context, _ string, _ scenario.Strategy) (bool, error) {
	return true, nil
}
func (h *mockHandle) TextExists(_ context.Context, _ string) (bool, error) { return true, nil }

func (h *mockHandle) LaunchApp(_ context.Context, _ string) error    { return nil }
func (h *mockHandle) TerminateApp(_ context.Context, _ string) error { return nil }
func (h *mockHandle) RestartApp(_ context.Context, _ string) error   { return nil }
func (h *mockHandle) ClearData(_ context.Context, _ string) error   { return nil }
func (h *mockHandle) ClearCache(_ context.Context, _ string) error  { return nil }

func (h *mockHandle) Back(_ context.Context) error { return nil }
func (h *mockHandle) Home(_ context.Context) error { return nil }

func (h *mockHandle) InputText(_ context.Context, _ string) error { return nil }
func (h *mockHandle) ClearText(_ context.Context) error           { return nil }
func (h *mockHandle) PressKey(_ context.Context, _ int) error     { return nil }

func (h *mockHandle) FindImage(_ context.Context, _ string) (int, int, bool, error) {
	return 0, 0, true, nil
}

func (h *mockHandle) Screenshot(_ context.Context, nodeID string, kind ArtifactKind) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.shots++
	return fmt.Sprintf("mock-%s-%s-%d.png", nodeID, kind, h.shots), nil
}

func (h *mockHandle) WindowSize(_ context.Context) (int, int, error) {
	return 1080, 1920, nil
}
