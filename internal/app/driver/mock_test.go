package driver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMockFactoryCreateSession(t *testing.T) {
	f := NewMockFactory()
	ctx := context.Background()

	dh, ah, err := f.CreateSession(ctx, "device-1")
	require.NoError(t, err)
	require.NotNil(t, dh)
	require.NotNil(t, ah)

	w, h, err := ah.WindowSize(ctx)
	require.NoError(t, err)
	require.Positive(t, w)
	require.Positive(t, h)

	require.NoError(t, ah.Tap(ctx, 10, 20))

	exists, err := ah.Exists(ctx, "#login", "")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestMockHandleRecordingRoundTrip(t *testing.T) {
	f := NewMockFactory()
	ctx := context.Background()

	dh, _, err := f.CreateSession(ctx, "device-1")
	require.NoError(t, err)

	require.NoError(t, dh.StartRecording(ctx, DefaultRecordingOptions))
	path, err := dh.StopRecording(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, path)

	// Stopping again without starting yields no artifact.
	path, err = dh.StopRecording(ctx)
	require.NoError(t, err)
	require.Empty(t, path)
}

func TestMockHandleScreenshotsAreUnique(t *testing.T) {
	f := NewMockFactory()
	ctx := context.Background()

	_, ah, err := f.CreateSession(ctx, "device-1")
	require.NoError(t, err)

	first, err := ah.Screenshot(ctx, "node-1", ArtifactStep)
	require.NoError(t, err)
	second, err := ah.Screenshot(ctx, "node-1", ArtifactStep)
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}
