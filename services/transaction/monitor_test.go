package transaction

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/services/settlement"
	"adpayout-engine/services/testutil"

	"github.com/stretchr/testify/require"
)

func TestMonitorSuppressesDuplicateWatch(t *testing.T) {
	var waits atomic.Int32
	release := make(chan struct{})
	client := &testutil.FakeSettlement{
		WaitForConfirmationFn: func(ctx context.Context, handle string, _ int) (*settlement.Receipt, error) {
			waits.Add(1)
			select {
			case <-release:
				return &settlement.Receipt{Success: true}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	m := NewMonitor(client, config.Settlement{ConfirmationTimeout: time.Minute})
	defer m.Stop()

	require.True(t, m.Watch("0x1"))
	require.False(t, m.Watch("0x1"))
	require.False(t, m.Watch(""))
	require.Equal(t, 1, m.Watching())

	close(release)

	select {
	case o := <-m.Observations():
		require.Equal(t, "0x1", o.Handle)
		require.Equal(t, "0x1", o.Receipt.Handle)
		require.True(t, o.Receipt.Success)
	case <-time.After(time.Second):
		t.Fatal("no observation")
	}

	require.Eventually(t, func() bool { return m.Watching() == 0 }, time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, waits.Load())
}

func TestMonitorTimeoutDropsHandle(t *testing.T) {
	m := NewMonitor(&testutil.FakeSettlement{}, config.Settlement{ConfirmationTimeout: 20 * time.Millisecond})
	defer m.Stop()

	require.True(t, m.Watch("0x2"))
	require.Eventually(t, func() bool { return !m.IsWatching("0x2") }, time.Second, 5*time.Millisecond)

	select {
	case <-m.Observations():
		t.Fatal("timed out wait must not publish")
	default:
	}

	// dropped handles can be watched again
	require.True(t, m.Watch("0x2"))
}

func TestMonitorStopEndsEveryWait(t *testing.T) {
	m := NewMonitor(&testutil.FakeSettlement{}, config.Settlement{})

	for _, h := range []string{"a", "b", "c"} {
		require.True(t, m.Watch(h))
	}
	require.Equal(t, 3, m.Watching())

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not return")
	}
	require.Equal(t, 0, m.Watching())
	require.False(t, m.Watch("d"))
}
