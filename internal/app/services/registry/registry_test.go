package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devicelab/orchestrator/internal/app/driver"
)

func TestCreateIsIdempotentWhileHealthy(t *testing.T) {
	r := New(driver.NewMockFactory())
	ctx := context.Background()

	first, err := r.Create(ctx, "device-A")
	require.NoError(t, err)

	second, err := r.Create(ctx, "device-A")
	require.NoError(t, err)

	require.Equal(t, first.SessionID, second.SessionID)
}

func TestMJPEGPortsAreUniqueAndReusable(t *testing.T) {
	r := New(driver.NewMockFactory())
	ctx := context.Background()

	a, err := r.Create(ctx, "device-A")
	require.NoError(t, err)
	b, err := r.Create(ctx, "device-B")
	require.NoError(t, err)
	require.NotEqual(t, a.MJPEGPort, b.MJPEGPort)

	require.NoError(t, r.Destroy(ctx, "device-A"))

	c, err := r.Create(ctx, "device-C")
	require.NoError(t, err)
	require.Equal(t, a.MJPEGPort, c.MJPEGPort)
}

func TestDestroyUnknownDeviceReturnsNotFound(t *testing.T) {
	r := New(driver.NewMockFactory())
	err := r.Destroy(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestValidateAndEnsureSessionsPartitions(t *testing.T) {
	r := New(driver.NewMockFactory())
	ctx := context.Background()

	_, err := r.Create(ctx, "device-A")
	require.NoError(t, err)

	result := r.ValidateAndEnsureSessions(ctx, []string{"device-A", "device-B"})

	require.ElementsMatch(t, []string{"device-A"}, result.Validated)
	require.ElementsMatch(t, []string{"device-B"}, result.Recreated)
	require.Empty(t, result.Failed)
}

func TestDestroyAllClearsEverySession(t *testing.T) {
	r := New(driver.NewMockFactory())
	ctx := context.Background()

	_, err := r.Create(ctx, "device-A")
	require.NoError(t, err)
	_, err = r.Create(ctx, "device-B")
	require.NoError(t, err)

	require.NoError(t, r.DestroyAll(ctx))

	_, ok := r.GetInfo("device-A")
	require.False(t, ok)
	_, ok = r.GetInfo("device-B")
	require.False(t, ok)
}

func TestConcurrentCreateAllocatesDistinctPorts(t *testing.T) {
	r := New(driver.NewMockFactory())
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	ports := make(chan int, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			info, err := r.Create(ctx, deviceIDForIndex(idx))
			require.NoError(t, err)
			ports <- info.MJPEGPort
		}(i)
	}
	wg.Wait()
	close(ports)

	seen := make(map[int]bool)
	for p := range ports {
		require.False(t, seen[p], "port %d allocated twice", p)
		seen[p] = true
	}
}

func deviceIDForIndex(i int) string {
	return "device-" + string(rune('A'+i))
}
