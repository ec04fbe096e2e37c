// Package driver declares the interfaces through which the orchestration
// core reaches the remote automation backend (Appium/ADB) and the
// image/OCR template matcher. Both are external collaborators (§1);
// this package owns only the contract, not an implementation suitable for
// production use.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/devicelab/orchestrator/internal/app/domain/scenario"
)

// ErrElementNotFound is returned by selector-based actions when the element
// does not appear within the action's timeout.
var ErrElementNotFound = errors.New("driver: element not found within timeout")

// ErrImageNotFound is returned by template-matching actions when no match is
// found within the action's timeout.
var ErrImageNotFound = errors.New("driver: image not found within timeout")

// ErrSessionRejected is returned by Factory.CreateSession when the remote
// backend refuses to establish a session.
var ErrSessionRejected = errors.New("driver: session rejected by remote backend")

// ArtifactKind tags a captured screenshot by the moment it was taken.
type ArtifactKind string

const (
	ArtifactStep      ArtifactKind = "step"
	ArtifactFinal     ArtifactKind = "final"
	ArtifactFailed    ArtifactKind = "failed"
	ArtifactHighlight ArtifactKind = "highlight"
)

// RecordingOptions configures a screen recording started by the parallel
// dispatcher (§4.C.4a).
type RecordingOptions struct {
	BitrateKbps   int
	Width, Height int
	MaxDuration   time.Duration
	ForceRestart  bool
}

// DefaultRecordingOptions matches the dispatcher's documented defaults.
var DefaultRecordingOptions = RecordingOptions{
	BitrateKbps:  4000,
	Width:        720,
	Height:       1280,
	MaxDuration:  5 * time.Minute,
	ForceRestart: true,
}

// ActionsHandle issues automation commands against one live session. Every
// method is a remote call and a suspension point; callers must honor ctx
// cancellation.
type ActionsHandle interface {
	Tap(ctx context.Context, x, y int) error
	TapElement(ctx context.Context, selector string, strategy scenario.Strategy, timeout time.Duration) error
	LongPress(ctx context.Context, x, y int, duration time.Duration) error
	Swipe(ctx context.Context, x1, y1, x2, y2 int, duration time.Duration) error
	DoubleTap(ctx context.Context, x, y int) error

	Exists(ctx context.Context, selector string, strategy scenario.Strategy) (bool, error)
	TextExists(ctx context.Context, text string) (bool, error)

	LaunchApp(ctx context.Context, pkg string) error
	TerminateApp(ctx context.Context, pkg string) error
	RestartApp(ctx context.Context, pkg string) error
	ClearData(ctx context.Context, pkg string) error
	ClearCache(ctx context.Context, pkg string) error

	Back(ctx context.Context) error
	Home(ctx context.Context) error

	InputText(ctx context.Context, text string) error
	ClearText(ctx context.Context) error
	PressKey(ctx context.Context, keycode int) error

	// FindImage delegates to the template matcher collaborator. When found it
	// returns the matched screen coordinates.
	FindImage(ctx context.Context, templateID string) (x, y int, found bool, err error)

	// Screenshot captures the current screen and returns an artifact
	// reference understood by the persistence collaborator.
	Screenshot(ctx context.Context, nodeID string, kind ArtifactKind) (string, error)

	// WindowSize performs the cheap round-trip used as a session health probe.
	WindowSize(ctx context.Context) (width, height int, err error)
}

// DriverHandle owns the lifecycle of a live session's underlying remote
// resources: screen recording and session teardown.
type DriverHandle interface {
	StartRecording(ctx context.Context, opts RecordingOptions) error
	// StopRecording returns an artifact reference to the produced video, or
	// an empty string if nothing was recorded.
	StopRecording(ctx context.Context) (videoPath string, err error)

	Close(ctx context.Context) error
}

// Factory creates the driver/actions handle pair backing a new session.
type Factory interface {
	CreateSession(ctx context.Context, deviceID string) (DriverHandle, ActionsHandle, error)
}
