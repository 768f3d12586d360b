package fraud

import (
	"context"
	"sync"
	"testing"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/errutil"
	"adpayout-engine/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestService(t *testing.T) (*Service, *clock) {
	t.Helper()
	db := testutil.NewTestDB(t, &Session{})
	svc := NewService(ServiceParams{DB: db, Config: config.Default()})
	c := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	svc.now = c.Now
	return svc, c
}

func TestClickLimitPerWindow(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, svc.Check(ctx, "sess-1", KindClick))
	}
	err := svc.Check(ctx, "sess-1", KindClick)
	require.True(t, errutil.HasReason(err, errutil.ReasonRateLimited))
	require.Equal(t, 429, errutil.From(err).Code.HTTPStatus())

	// impressions have their own counter
	require.NoError(t, svc.Check(ctx, "sess-1", KindImpression))

	// other sessions are unaffected
	require.NoError(t, svc.Check(ctx, "sess-2", KindClick))

	clk.Advance(5 * time.Minute)
	require.NoError(t, svc.Check(ctx, "sess-1", KindClick))

	sess, err := svc.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 1, sess.ClickCount)
	require.Equal(t, 1, sess.ImpressionCount)
}

func TestWindowIsFixedFromFirstEvent(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()
	start := clk.Now()

	require.NoError(t, svc.Check(ctx, "sess-1", KindClick))
	clk.Advance(5*time.Minute - 2*time.Second)
	for i := 0; i < 9; i++ {
		require.NoError(t, svc.Check(ctx, "sess-1", KindClick))
	}
	require.Error(t, svc.Check(ctx, "sess-1", KindClick))

	// the window resets on its own boundary, not on a sliding lookback
	clk.Advance(2 * time.Second)
	for i := 0; i < 10; i++ {
		require.NoError(t, svc.Check(ctx, "sess-1", KindClick))
	}
	require.Error(t, svc.Check(ctx, "sess-1", KindClick))

	sess, err := svc.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, 10, sess.ClickCount)
	require.True(t, sess.ClickWindowStart.Equal(start.Add(5*time.Minute)))
}

func TestImpressionLimit(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		require.NoError(t, svc.Check(ctx, "sess-1", KindImpression))
	}
	require.Error(t, svc.Check(ctx, "sess-1", KindImpression))

	clk.Advance(59 * time.Second)
	require.Error(t, svc.Check(ctx, "sess-1", KindImpression))

	clk.Advance(time.Second)
	require.NoError(t, svc.Check(ctx, "sess-1", KindImpression))

	// conversions are never limited
	for i := 0; i < 100; i++ {
		require.NoError(t, svc.Check(ctx, "sess-1", KindConversion))
	}
}

func TestConcurrentClicksTakeExactlyTheLimit(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.Check(ctx, "shared", KindClick) == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 10, ok)
}

func TestCleanupRemovesIdleSessions(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Check(ctx, "old", KindClick))
	clk.Advance(23 * time.Hour)
	require.NoError(t, svc.Check(ctx, "fresh", KindClick))
	clk.Advance(2 * time.Hour)

	n, err := svc.Cleanup(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	gone, err := svc.Get(ctx, "old")
	require.NoError(t, err)
	require.Nil(t, gone)

	kept, err := svc.Get(ctx, "fresh")
	require.NoError(t, err)
	require.NotNil(t, kept)
}
