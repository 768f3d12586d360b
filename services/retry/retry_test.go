package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/db/pagination"
	"adpayout-engine/services/settlement"
	"adpayout-engine/services/testutil"
	"adpayout-engine/services/transaction"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type enqueued struct {
	task  *asynq.Task
	delay time.Duration
	id    string
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []enqueued
	ids   map[string]bool
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, t *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e := enqueued{task: t}
	for _, o := range opts {
		switch o.Type() {
		case asynq.ProcessInOpt:
			e.delay = o.Value().(time.Duration)
		case asynq.TaskIDOpt:
			e.id = o.Value().(string)
		}
	}
	if f.ids == nil {
		f.ids = map[string]bool{}
	}
	if f.ids[e.id] {
		return nil, nil
	}
	f.ids[e.id] = true
	f.tasks = append(f.tasks, e)
	return &asynq.TaskInfo{ID: e.id}, nil
}

func (f *fakeEnqueuer) pop() (enqueued, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tasks) == 0 {
		return enqueued{}, false
	}
	e := f.tasks[0]
	f.tasks = f.tasks[1:]
	return e, true
}

type fixture struct {
	db      *gorm.DB
	manager *transaction.Manager
	worker  *Worker
	queue   *fakeEnqueuer
}

func newFixture(t *testing.T, client settlement.Client) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, &transaction.Record{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Settlement.ConfirmationTimeout = time.Second

	queue := &fakeEnqueuer{}
	sched := NewScheduler(SchedulerParams{Enqueuer: queue, Config: cfg})

	monitor := transaction.NewMonitor(client, cfg.Settlement)
	t.Cleanup(monitor.Stop)

	m := transaction.NewManager(transaction.ManagerParams{
		DB:        db,
		Node:      node,
		Config:    cfg,
		Client:    client,
		Monitor:   monitor,
		Scheduler: sched,
	})

	return &fixture{
		db:      db,
		manager: m,
		worker:  NewWorker(WorkerParams{Manager: m, Config: cfg}),
		queue:   queue,
	}
}

func TestBackoff(t *testing.T) {
	base := 30 * time.Second
	require.Equal(t, 30*time.Second, Backoff(base, 0))
	require.Equal(t, 60*time.Second, Backoff(base, 1))
	require.Equal(t, 120*time.Second, Backoff(base, 2))
	require.Equal(t, 30*time.Second, Backoff(base, -1))
	require.Equal(t, base<<maxShift, Backoff(base, 64))
}

func TestDepositRetriesWithBackoffUntilTerminal(t *testing.T) {
	client := &testutil.FakeSettlement{
		DepositFn: func(context.Context, settlement.DepositRequest) (string, error) {
			return "", errors.New("settlement network unreachable")
		},
	}
	f := newFixture(t, client)
	ctx := context.Background()

	rec, err := f.manager.Submit(ctx, transaction.DepositPayload{CampaignID: "cmp-1", Amount: decimal.NewFromInt(100)}, 3)
	require.NoError(t, err)
	require.Equal(t, transaction.StatusFailed, rec.Status)

	var delays []time.Duration
	for {
		next, ok := f.queue.pop()
		if !ok {
			break
		}
		delays = append(delays, next.delay)
		require.NoError(t, f.worker.HandleRetryTask(ctx, next.task))
	}

	require.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}, delays)

	final, err := f.manager.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.Equal(t, transaction.StatusFailed, final.Status)
	require.Equal(t, 3, final.RetryCount)
	require.Equal(t, 4, client.SubmissionCount())

	rows, _, err := f.manager.ListFailed(ctx, pagination.Pagination{Limit: 10}, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, rec.ID, rows[0].ID)
}

func TestScheduleIsIdempotentPerAttempt(t *testing.T) {
	queue := &fakeEnqueuer{}
	sched := NewScheduler(SchedulerParams{Enqueuer: queue, Config: config.Default()})

	rec := &transaction.Record{ID: "tx-1", Status: transaction.StatusFailed, RetryCount: 1, MaxRetries: 3}
	require.NoError(t, sched.Schedule(context.Background(), rec))
	require.NoError(t, sched.Schedule(context.Background(), rec))

	first, ok := queue.pop()
	require.True(t, ok)
	require.Equal(t, TaskID("tx-1", 1), first.id)
	require.Equal(t, 60*time.Second, first.delay)

	_, ok = queue.pop()
	require.False(t, ok)

	exhausted := &transaction.Record{ID: "tx-2", Status: transaction.StatusFailed, RetryCount: 3, MaxRetries: 3}
	require.NoError(t, sched.Schedule(context.Background(), exhausted))
	_, ok = queue.pop()
	require.False(t, ok)
}

func TestStaleTaskIsDropped(t *testing.T) {
	client := &testutil.FakeSettlement{
		DepositFn: func(context.Context, settlement.DepositRequest) (string, error) {
			return "", errors.New("down")
		},
	}
	f := newFixture(t, client)
	ctx := context.Background()

	rec, err := f.manager.Submit(ctx, transaction.DepositPayload{CampaignID: "cmp-1", Amount: decimal.NewFromInt(1)}, 3)
	require.NoError(t, err)

	task, ok := f.queue.pop()
	require.True(t, ok)

	// an operator retry gets there first
	_, err = f.manager.Retry(ctx, rec.ID)
	require.NoError(t, err)
	before := client.SubmissionCount()

	require.NoError(t, f.worker.HandleRetryTask(ctx, task.task))
	require.Equal(t, before, client.SubmissionCount())

	require.Error(t, f.worker.HandleRetryTask(ctx, asynq.NewTask("transaction:retry", []byte("{"))))
}

func TestSweep(t *testing.T) {
	client := &testutil.FakeSettlement{
		DepositFn: func(context.Context, settlement.DepositRequest) (string, error) {
			return "", errors.New("down")
		},
	}
	f := newFixture(t, client)
	ctx := context.Background()
	old := time.Now().UTC().Add(-time.Hour)

	insert := func(id string, status transaction.Status, handle *string, retryCount int) {
		raw, err := transaction.EncodePayload(transaction.DepositPayload{CampaignID: "cmp-1", Amount: decimal.NewFromInt(1)})
		require.NoError(t, err)
		require.NoError(t, f.db.Create(&transaction.Record{
			ID: id, Type: transaction.TypeDeposit, Status: status, SettlementHandle: handle,
			RetryCount: retryCount, MaxRetries: 3, Payload: raw,
		}).Error)
		require.NoError(t, f.db.Model(&transaction.Record{}).Where("id = ?", id).UpdateColumn("updated_at", old).Error)
	}

	h := "0xwatched"
	insert("failed-1", transaction.StatusFailed, nil, 0)
	insert("failed-exhausted", transaction.StatusFailed, nil, 3)
	insert("pending-stale", transaction.StatusPending, nil, 1)
	insert("pending-exhausted", transaction.StatusPending, nil, 3)
	insert("submitted-1", transaction.StatusSubmitted, &h, 0)

	res, err := f.worker.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Retried)
	require.Equal(t, 1, res.Abandoned)
	require.Equal(t, 1, res.Reattached)
	require.True(t, f.manager.Monitor().IsWatching(h))

	get := func(id string) *transaction.Record {
		rec, err := f.manager.Get(ctx, id)
		require.NoError(t, err)
		return rec
	}
	require.Equal(t, 1, get("failed-1").RetryCount)
	require.Equal(t, 2, get("pending-stale").RetryCount)
	require.Equal(t, transaction.StatusFailed, get("pending-exhausted").Status)
	require.Equal(t, 3, get("failed-exhausted").RetryCount)

	// a second sweep right away finds nothing stale
	res, err = f.worker.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Retried)
	require.Zero(t, res.Reattached)
}
