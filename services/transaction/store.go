package transaction

import (
	"context"
	"time"

	"adpayout-engine/pkg/db/option"
	"adpayout-engine/pkg/db/pagination"
	"adpayout-engine/pkg/repository"

	"gorm.io/gorm"
)

// Store persists records. Every status change is a single conditional UPDATE
// guarded by the expected current status, so concurrent writers cannot both
// win the same transition.
type Store struct {
	db   *gorm.DB
	repo repository.Repository[Record]
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, repo: repository.ProvideStore[Record](db)}
}

func (s *Store) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

func (s *Store) Create(ctx context.Context, tx *gorm.DB, rec *Record) error {
	return s.repo.WithTrx(tx).Create(ctx, rec)
}

func (s *Store) Get(ctx context.Context, tx *gorm.DB, id string) (*Record, error) {
	if id == "" {
		return nil, nil
	}
	return s.repo.WithTrx(tx).FindOne(ctx, &Record{ID: id})
}

func (s *Store) GetByHandle(ctx context.Context, tx *gorm.DB, handle string) (*Record, error) {
	return s.repo.WithTrx(tx).FindOne(ctx, &Record{SettlementHandle: &handle})
}

// Transition moves id from one of from to to, applying extra column updates
// in the same statement. It reports whether a row changed.
func (s *Store) Transition(ctx context.Context, tx *gorm.DB, id string, from []Status, to Status, extra map[string]any) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range extra {
		updates[k] = v
	}

	res := s.conn(ctx, tx).Model(&Record{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClaimRetry moves a failed record back to pending and counts the retry,
// provided retries remain.
func (s *Store) ClaimRetry(ctx context.Context, tx *gorm.DB, id string) (bool, error) {
	res := s.conn(ctx, tx).Model(&Record{}).
		Where("id = ? AND status = ? AND retry_count < max_retries", id, StatusFailed).
		Updates(map[string]any{
			"status":            StatusPending,
			"retry_count":       gorm.Expr("retry_count + 1"),
			"settlement_handle": nil,
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ClaimStalePending counts a retry for a pending record that never got a
// handle and has not been touched since staleBefore. Touching updated_at
// keeps a second sweeper from claiming it again.
func (s *Store) ClaimStalePending(ctx context.Context, id string, staleBefore time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Record{}).
		Where("id = ? AND status = ? AND settlement_handle IS NULL AND retry_count < max_retries AND updated_at < ?",
			id, StatusPending, staleBefore).
		Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// ListByStatus returns up to limit records in the given statuses, oldest
// update first, optionally restricted to rows untouched since before.
func (s *Store) ListByStatus(ctx context.Context, statuses []Status, before *time.Time, withHandle *bool, limit int) ([]*Record, error) {
	conds := []option.Condition{{Field: "status", Operator: option.IN, Value: statuses}}
	if before != nil {
		conds = append(conds, option.Condition{Field: "updated_at", Operator: option.LT, Value: *before})
	}

	opts := []option.QueryOption{
		option.ApplyOperator(conds...),
		option.WithSortBy(option.QuerySortBy{SortBy: "updated_at", OrderBy: "asc"}),
	}
	if withHandle != nil {
		opts = append(opts, func(db *gorm.DB) *gorm.DB {
			if *withHandle {
				return db.Where("settlement_handle IS NOT NULL")
			}
			return db.Where("settlement_handle IS NULL")
		})
	}
	if limit > 0 {
		opts = append(opts, option.WithLimit(limit))
	}

	return s.repo.Find(ctx, &Record{}, opts...)
}

// ListFailed pages through failed records by id.
func (s *Store) ListFailed(ctx context.Context, p pagination.Pagination, exhaustedOnly bool) ([]*Record, *pagination.PageInfo, error) {
	opts := []option.QueryOption{
		option.ApplyOperator(option.Condition{Field: "status", Value: StatusFailed}),
		option.ApplyPagination(p),
	}
	if exhaustedOnly {
		opts = append(opts, func(db *gorm.DB) *gorm.DB {
			return db.Where("retry_count >= max_retries")
		})
	}

	rows, err := s.repo.Find(ctx, &Record{}, opts...)
	if err != nil {
		return nil, nil, err
	}

	rows, info := pagination.Page(rows, p, func(r *Record) string { return r.ID })
	return rows, info, nil
}
