package transaction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/db/pagination"
	"adpayout-engine/pkg/errutil"
	"adpayout-engine/pkg/money"
	"adpayout-engine/pkg/sequence"
	"adpayout-engine/services/settlement"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("adpayout-engine/services/transaction")

// errAlreadyApplied aborts a confirmation transaction that found the record
// already confirmed.
var errAlreadyApplied = errors.New("confirmation already applied")

// Manager owns the transaction state machine. All status changes go through
// it so that hooks, retries and monitoring stay consistent.
type Manager struct {
	db         *gorm.DB
	node       *snowflake.Node
	store      *Store
	client     settlement.Client
	monitor    *Monitor
	scheduler  RetryScheduler
	seq        sequence.Generator
	maxRetries int
	hooks      *hooks
}

type ManagerParams struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config
	Client    settlement.Client
	Monitor   *Monitor
	Scheduler RetryScheduler     `optional:"true"`
	Seq       sequence.Generator `optional:"true"`
}

func NewManager(p ManagerParams) *Manager {
	return &Manager{
		db:         p.DB,
		node:       p.Node,
		store:      NewStore(p.DB),
		client:     p.Client,
		monitor:    p.Monitor,
		scheduler:  p.Scheduler,
		seq:        p.Seq,
		maxRetries: p.Config.Retry.MaxRetries,
		hooks:      newHooks(),
	}
}

// OnConfirmed registers the completion handler for t, replacing any previous
// one.
func (m *Manager) OnConfirmed(t Type, h CompletionHandler) {
	m.hooks.mu.Lock()
	defer m.hooks.mu.Unlock()
	m.hooks.completions[t] = h
}

// OnStatusChange registers an observer for every non-confirming status
// change of records of type t.
func (m *Manager) OnStatusChange(t Type, o StatusObserver) {
	m.hooks.mu.Lock()
	defer m.hooks.mu.Unlock()
	m.hooks.observers[t] = append(m.hooks.observers[t], o)
}

func (m *Manager) Store() *Store {
	return m.store
}

func (m *Manager) Monitor() *Monitor {
	return m.monitor
}

type submitOptions struct {
	within []func(ctx context.Context, tx *gorm.DB, rec *Record) error
}

type SubmitOption func(*submitOptions)

// WithinTx runs fn in the database transaction that creates the record, so
// caller rows commit or roll back together with it.
func WithinTx(fn func(ctx context.Context, tx *gorm.DB, rec *Record) error) SubmitOption {
	return func(o *submitOptions) {
		o.within = append(o.within, fn)
	}
}

// Submit persists a pending record and makes exactly one settlement call for
// it. A negative maxRetries uses the configured default. The returned record
// reflects the outcome of that call: submitted, or failed with a retry
// scheduled when attempts remain.
func (m *Manager) Submit(ctx context.Context, payload Payload, maxRetries int, opts ...SubmitOption) (*Record, error) {
	ctx, span := tracer.Start(ctx, "transaction.Submit")
	defer span.End()

	if err := payload.Validate(); err != nil {
		return nil, errutil.ValidationFailed(err.Error(), nil)
	}
	if maxRetries < 0 {
		maxRetries = m.maxRetries
	}

	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := EncodePayload(payload)
	if err != nil {
		return nil, errutil.Internal("encode payload", err)
	}

	rec := &Record{
		ID:         m.node.Generate().String(),
		Type:       payload.Type(),
		Status:     StatusPending,
		MaxRetries: maxRetries,
		Payload:    raw,
	}
	if m.seq != nil {
		if code, err := m.seq.NextTransactionCode(ctx); err == nil {
			rec.Code = code
		} else {
			zap.L().Warn("transaction code unavailable", zap.Error(err))
		}
	}

	span.SetAttributes(
		attribute.String("transaction.id", rec.ID),
		attribute.String("transaction.type", string(rec.Type)),
	)

	if err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := m.store.Create(ctx, tx, rec); err != nil {
			return err
		}
		for _, fn := range o.within {
			if err := fn(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		var base errutil.BaseError
		if errors.As(err, &base) {
			return nil, err
		}
		return nil, errutil.Internal("create transaction", err)
	}

	transitionsTotal.WithLabelValues(string(rec.Type), string(StatusPending)).Inc()
	zap.L().Info("transaction created",
		zap.String("transaction_id", rec.ID),
		zap.String("type", string(rec.Type)),
		zap.String("amount", payload.Total().String()),
	)

	m.attempt(ctx, rec, payload)

	return m.Get(ctx, rec.ID)
}

// attempt performs the single settlement call for a pending record.
func (m *Manager) attempt(ctx context.Context, rec *Record, payload Payload) {
	handle, err := m.dispatch(ctx, rec, payload)
	if err != nil {
		zap.L().Warn("settlement submission failed",
			zap.String("transaction_id", rec.ID),
			zap.Int("retry_count", rec.RetryCount),
			zap.Error(err),
		)
		m.fail(ctx, rec.ID, []Status{StatusPending}, err.Error(), false)
		return
	}

	next, ok, err := m.move(ctx, rec.ID, []Status{StatusPending}, StatusSubmitted, map[string]any{
		"settlement_handle": handle,
		"last_error":        "",
	})
	if err != nil {
		zap.L().Error("failed to record submission",
			zap.String("transaction_id", rec.ID),
			zap.String("handle", handle),
			zap.Error(err),
		)
		return
	}
	if !ok {
		zap.L().Warn("record left pending before submission was recorded",
			zap.String("transaction_id", rec.ID),
			zap.String("handle", handle),
		)
		return
	}

	m.monitor.Watch(next.Handle())
}

func (m *Manager) dispatch(ctx context.Context, rec *Record, payload Payload) (string, error) {
	key := rec.IdempotencyKey()

	switch p := payload.(type) {
	case DepositPayload:
		return m.client.Deposit(ctx, settlement.DepositRequest{
			CampaignID:     p.CampaignID,
			Amount:         p.Amount,
			IdempotencyKey: key,
		})
	case ReleasePayload:
		return m.client.Release(ctx, settlement.ReleaseRequest{
			CampaignID:     p.CampaignID,
			Recipients:     p.Recipients,
			IdempotencyKey: key,
		})
	case TokenTransferPayload:
		return m.client.Release(ctx, settlement.ReleaseRequest{
			CampaignID:     p.CampaignID,
			Recipients:     []settlement.Recipient{{Address: p.To, Amount: p.Amount}},
			IdempotencyKey: key,
		})
	case PayoutExecutionPayload:
		return m.client.Release(ctx, settlement.ReleaseRequest{
			CampaignID:     p.CampaignID,
			Recipients:     p.Recipients,
			IdempotencyKey: key,
		})
	case ConsentPayload:
		return m.client.RecordConsent(ctx, settlement.ConsentRequest{
			SubjectID:      p.SubjectID,
			Scope:          p.Scope,
			CampaignID:     p.CampaignID,
			IdempotencyKey: key,
		})
	default:
		return "", fmt.Errorf("no settlement route for %T", payload)
	}
}

// move applies a guarded transition and runs the status observers in the
// same database transaction.
func (m *Manager) move(ctx context.Context, id string, from []Status, to Status, extra map[string]any) (*Record, bool, error) {
	var (
		rec   *Record
		moved bool
	)

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := m.store.Transition(ctx, tx, id, from, to, extra)
		if err != nil || !ok {
			return err
		}

		rec, err = m.store.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := m.notify(ctx, tx, rec); err != nil {
			return err
		}

		moved = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if moved {
		transitionsTotal.WithLabelValues(string(rec.Type), string(to)).Inc()
	}
	return rec, moved, nil
}

func (m *Manager) notify(ctx context.Context, tx *gorm.DB, rec *Record) error {
	observers := m.hooks.observersFor(rec.Type)
	if len(observers) == 0 {
		return nil
	}

	payload, err := rec.Decode()
	if err != nil {
		return err
	}
	for _, o := range observers {
		if err := o(ctx, tx, rec, payload); err != nil {
			return err
		}
	}
	return nil
}

// fail moves the record to failed and hands it to the retry scheduler when
// attempts remain. definitive marks failures reported by the network itself,
// which start a new idempotency key for the next attempt.
func (m *Manager) fail(ctx context.Context, id string, from []Status, reason string, definitive bool) {
	extra := map[string]any{"last_error": reason}
	if definitive {
		extra["attempt"] = gorm.Expr("attempt + 1")
	}

	rec, ok, err := m.move(ctx, id, from, StatusFailed, extra)
	if err != nil {
		zap.L().Error("failed to record transaction failure", zap.String("transaction_id", id), zap.Error(err))
		return
	}
	if !ok {
		return
	}

	if !rec.RetriesLeft() {
		terminalFailures.WithLabelValues(string(rec.Type)).Inc()
		zap.L().Error("transaction failed permanently",
			zap.String("transaction_id", rec.ID),
			zap.String("type", string(rec.Type)),
			zap.Int("retry_count", rec.RetryCount),
			zap.String("last_error", rec.LastError),
		)
		return
	}

	if m.scheduler == nil {
		return
	}
	if err := m.scheduler.Schedule(ctx, rec); err != nil {
		zap.L().Error("failed to schedule retry; the sweep will pick it up",
			zap.String("transaction_id", rec.ID),
			zap.Error(err),
		)
	}
}

// Retry claims a failed record for another attempt and submits it. The claim
// and the retry counter increment are a single conditional update.
func (m *Manager) Retry(ctx context.Context, id string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "transaction.Retry")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id))

	var rec *Record
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := m.store.ClaimRetry(ctx, tx, id)
		if err != nil || !ok {
			return err
		}
		rec, err = m.store.Get(ctx, tx, id)
		if err != nil {
			return err
		}
		return m.notify(ctx, tx, rec)
	})
	if err != nil {
		return nil, errutil.Internal("claim retry", err)
	}

	if rec == nil {
		cur, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch {
		case cur.Status == StatusPending:
			return cur, nil
		case cur.Status == StatusFailed:
			return nil, errutil.Conflict("retries exhausted", nil, errutil.WithReason(errutil.ReasonInvalidTransition))
		default:
			return nil, errutil.Conflict(fmt.Sprintf("cannot retry a %s transaction", cur.Status), nil, errutil.WithReason(errutil.ReasonInvalidTransition))
		}
	}

	transitionsTotal.WithLabelValues(string(rec.Type), string(StatusPending)).Inc()
	zap.L().Info("retrying transaction",
		zap.String("transaction_id", rec.ID),
		zap.Int("retry_count", rec.RetryCount),
		zap.Int("max_retries", rec.MaxRetries),
	)

	return m.resubmit(ctx, rec)
}

// RetryStale claims a pending record that never obtained a handle, counting
// a retry, and submits it. It returns nil when the record is not stale.
func (m *Manager) RetryStale(ctx context.Context, id string, staleBefore time.Time) (*Record, error) {
	ok, err := m.store.ClaimStalePending(ctx, id, staleBefore)
	if err != nil {
		return nil, errutil.Internal("claim stale pending", err)
	}
	if !ok {
		return nil, nil
	}

	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.resubmit(ctx, rec)
}

// AbandonStale fails a stale pending record whose retries are exhausted.
func (m *Manager) AbandonStale(ctx context.Context, id string) error {
	_, _, err := m.move(ctx, id, []Status{StatusPending}, StatusFailed, map[string]any{
		"last_error": "abandoned before submission",
	})
	if err == nil {
		terminalFailures.WithLabelValues("stale").Inc()
	}
	return err
}

func (m *Manager) resubmit(ctx context.Context, rec *Record) (*Record, error) {
	payload, err := rec.Decode()
	if err != nil {
		return nil, errutil.Internal("decode payload", err)
	}
	m.attempt(ctx, rec, payload)
	return m.Get(ctx, rec.ID)
}

// OnConfirmationObserved applies a receipt. A successful receipt confirms the
// record and runs its completion handler atomically; applying it again is a
// no-op. A failed receipt fails the record and defers to retry logic.
func (m *Manager) OnConfirmationObserved(ctx context.Context, handle string, receipt *settlement.Receipt) error {
	ctx, span := tracer.Start(ctx, "transaction.OnConfirmationObserved")
	defer span.End()
	span.SetAttributes(attribute.String("settlement.handle", handle))

	rec, err := m.store.GetByHandle(ctx, nil, handle)
	if err != nil {
		return errutil.Internal("load transaction by handle", err)
	}
	if rec == nil {
		zap.L().Warn("receipt for unknown handle", zap.String("handle", handle))
		return nil
	}

	if receipt == nil || !receipt.Success {
		reason := "settlement reported failure"
		if receipt != nil && receipt.Error != "" {
			reason = receipt.Error
		}
		m.fail(ctx, rec.ID, []Status{StatusPending, StatusSubmitted}, reason, true)
		return nil
	}

	now := time.Now().UTC()
	err = m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := m.store.Transition(ctx, tx, rec.ID, []Status{StatusPending, StatusSubmitted}, StatusConfirmed, map[string]any{
			"block_ref":    receipt.BlockRef,
			"fee_used":     money.ToMicros(receipt.FeeUsed),
			"confirmed_at": now,
			"last_error":   "",
		})
		if err != nil {
			return err
		}
		if !ok {
			cur, err := m.store.Get(ctx, tx, rec.ID)
			if err != nil {
				return err
			}
			if cur.Status == StatusConfirmed {
				return errAlreadyApplied
			}
			return errutil.Conflict(fmt.Sprintf("receipt for a %s transaction", cur.Status), nil, errutil.WithReason(errutil.ReasonInvalidTransition))
		}

		confirmed, err := m.store.Get(ctx, tx, rec.ID)
		if err != nil {
			return err
		}
		payload, err := confirmed.Decode()
		if err != nil {
			return err
		}
		if h := m.hooks.completion(confirmed.Type); h != nil {
			return h(ctx, tx, confirmed, payload)
		}
		return nil
	})

	switch {
	case errors.Is(err, errAlreadyApplied):
		zap.L().Debug("duplicate confirmation ignored", zap.String("transaction_id", rec.ID))
		return nil
	case errutil.HasReason(err, errutil.ReasonInvalidTransition):
		zap.L().Warn("receipt ignored", zap.String("transaction_id", rec.ID), zap.Error(err))
		return nil
	case err != nil:
		zap.L().Error("failed to apply confirmation", zap.String("transaction_id", rec.ID), zap.Error(err))
		return err
	}

	transitionsTotal.WithLabelValues(string(rec.Type), string(StatusConfirmed)).Inc()
	zap.L().Info("transaction confirmed",
		zap.String("transaction_id", rec.ID),
		zap.String("handle", handle),
		zap.String("block_ref", receipt.BlockRef),
	)
	return nil
}

// Consume applies observations from the monitor until ctx ends. It is the
// only reader of the observation channel.
func (m *Manager) Consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-m.monitor.Observations():
			if err := m.OnConfirmationObserved(ctx, o.Handle, o.Receipt); err != nil {
				zap.L().Error("observation not applied", zap.String("handle", o.Handle), zap.Error(err))
			}
		}
	}
}

// Watch re-attaches confirmation monitoring to a record's handle.
func (m *Manager) Watch(rec *Record) bool {
	return m.monitor.Watch(rec.Handle())
}

func (m *Manager) IsWatching(rec *Record) bool {
	return m.monitor.IsWatching(rec.Handle())
}

// Cancel aborts a pending or submitted record.
func (m *Manager) Cancel(ctx context.Context, id string) (*Record, error) {
	rec, ok, err := m.move(ctx, id, []Status{StatusPending, StatusSubmitted}, StatusCancelled, map[string]any{
		"last_error": "cancelled by operator",
	})
	if err != nil {
		return nil, errutil.Internal("cancel transaction", err)
	}
	if !ok {
		cur, err := m.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, errutil.Conflict(fmt.Sprintf("cannot cancel a %s transaction", cur.Status), nil, errutil.WithReason(errutil.ReasonInvalidTransition))
	}

	m.monitor.Forget(rec.Handle())
	zap.L().Info("transaction cancelled", zap.String("transaction_id", rec.ID))
	return rec, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := m.store.Get(ctx, nil, id)
	if err != nil {
		return nil, errutil.Internal("load transaction", err)
	}
	if rec == nil {
		return nil, errutil.NotFound("transaction not found", nil, errutil.WithReason(errutil.ReasonNotFound))
	}
	return rec, nil
}

// ListFailed returns failed records for operator remediation.
func (m *Manager) ListFailed(ctx context.Context, p pagination.Pagination, exhaustedOnly bool) ([]*Record, *pagination.PageInfo, error) {
	rows, info, err := m.store.ListFailed(ctx, p, exhaustedOnly)
	if err != nil {
		return nil, nil, errutil.Internal("list failed transactions", err)
	}
	return rows, info, nil
}
