package transaction

import (
	"context"
	"sync"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/services/settlement"

	"go.uber.org/zap"
)

// Observation is a final receipt read for a handle.
type Observation struct {
	Handle  string
	Receipt *settlement.Receipt
}

type watch struct {
	cancel context.CancelFunc
}

// Monitor waits for confirmations, one goroutine per handle, and publishes
// receipts on a single channel. Each wait is bounded by the confirmation
// timeout and ends when the monitor stops. A handle whose wait times out is
// dropped; the retry sweep re-attaches it later.
type Monitor struct {
	client        settlement.Client
	confirmations int
	timeout       time.Duration

	out      chan Observation
	watching sync.Map

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor(client settlement.Client, cfg config.Settlement) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())

	confirmations := cfg.Confirmations
	if confirmations <= 0 {
		confirmations = 1
	}

	return &Monitor{
		client:        client,
		confirmations: confirmations,
		timeout:       cfg.ConfirmationTimeout,
		out:           make(chan Observation, 64),
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (m *Monitor) Observations() <-chan Observation {
	return m.out
}

// Watch starts waiting on handle. It returns false when the handle is empty,
// already watched, or the monitor has stopped.
func (m *Monitor) Watch(handle string) bool {
	if handle == "" || m.ctx.Err() != nil {
		return false
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if m.timeout > 0 {
		ctx, cancel = context.WithTimeout(m.ctx, m.timeout)
	} else {
		ctx, cancel = context.WithCancel(m.ctx)
	}

	w := &watch{cancel: cancel}
	if _, loaded := m.watching.LoadOrStore(handle, w); loaded {
		cancel()
		return false
	}

	activeMonitors.Inc()
	m.wg.Add(1)
	go m.wait(ctx, handle, w)
	return true
}

func (m *Monitor) wait(ctx context.Context, handle string, w *watch) {
	defer m.wg.Done()
	defer activeMonitors.Dec()
	defer m.watching.CompareAndDelete(handle, w)
	defer w.cancel()

	receipt, err := m.client.WaitForConfirmation(ctx, handle, m.confirmations)
	if err != nil {
		if m.ctx.Err() == nil {
			zap.L().Warn("confirmation wait ended without receipt",
				zap.String("handle", handle),
				zap.Error(err),
			)
		}
		return
	}
	if receipt.Handle == "" {
		receipt.Handle = handle
	}

	select {
	case m.out <- Observation{Handle: handle, Receipt: receipt}:
	case <-m.ctx.Done():
	}
}

func (m *Monitor) IsWatching(handle string) bool {
	_, ok := m.watching.Load(handle)
	return ok
}

// Forget stops waiting on handle.
func (m *Monitor) Forget(handle string) {
	if v, ok := m.watching.Load(handle); ok {
		v.(*watch).cancel()
	}
}

func (m *Monitor) Watching() int {
	n := 0
	m.watching.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stop cancels every wait and blocks until the goroutines exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}
