package fraud

import (
	"context"
	"fmt"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/db/option"
	"adpayout-engine/pkg/errutil"
	"adpayout-engine/pkg/repository"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "adpayout",
	Subsystem: "fraud",
	Name:      "rate_limited_total",
	Help:      "Events rejected by the session rate limit.",
}, []string{"kind"})

type window struct {
	limit  int
	length time.Duration
}

// Service enforces per-session interaction limits over fixed windows that
// restart once they have elapsed.
type Service struct {
	db       *gorm.DB
	sessions repository.Repository[Session]
	windows  map[Kind]window
	idleTTL  time.Duration
	now      func() time.Time
}

type ServiceParams struct {
	fx.In

	DB     *gorm.DB
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	in := p.Config.Intake
	ttl := p.Config.Fraud.IdleTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		db:       p.DB,
		sessions: repository.ProvideStore[Session](p.DB),
		windows: map[Kind]window{
			KindClick:      {limit: in.ClickLimit, length: in.ClickWindow},
			KindImpression: {limit: in.ImpressionLimit, length: in.ImpressionWindow},
		},
		idleTTL: ttl,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Check counts one event of kind for key, or rejects it with RATE_LIMITED
// when the current window is full. Windows are fixed: a window opens on the
// first event after the previous one elapsed. The session row is locked for the
// read-modify-write so concurrent events cannot both take the last slot.
func (s *Service) Check(ctx context.Context, key string, kind Kind) error {
	if key == "" {
		return nil
	}
	now := s.now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := &Session{
			SessionID:             key,
			ClickWindowStart:      now,
			ImpressionWindowStart: now,
			LastEventAt:           now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
			return err
		}

		sess, err := s.sessions.WithTrx(tx).FindOne(ctx, &Session{SessionID: key}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("fraud session %s vanished", key)
		}

		updates := map[string]any{"last_event_at": now}
		if w, ok := s.windows[kind]; ok && w.limit > 0 {
			count, start := sess.ClickCount, sess.ClickWindowStart
			countCol, startCol := "click_count", "click_window_start"
			if kind == KindImpression {
				count, start = sess.ImpressionCount, sess.ImpressionWindowStart
				countCol, startCol = "impression_count", "impression_window_start"
			}

			if now.Sub(start) >= w.length {
				count, start = 0, now
			}
			if count >= w.limit {
				return errutil.TooManyRequest("rate limit exceeded", nil, errutil.WithReason(errutil.ReasonRateLimited))
			}

			updates[countCol] = count + 1
			updates[startCol] = start
		}

		return tx.Model(&Session{}).Where("session_id = ?", key).Updates(updates).Error
	})

	if errutil.HasReason(err, errutil.ReasonRateLimited) {
		rateLimited.WithLabelValues(string(kind)).Inc()
		zap.L().Warn("session rate limited", zap.String("session", key), zap.String("kind", string(kind)))
		return err
	}
	if err != nil {
		return errutil.Internal("update fraud session", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, key string) (*Session, error) {
	return s.sessions.FindOne(ctx, &Session{SessionID: key})
}

// Cleanup deletes sessions idle for longer than the idle TTL.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.idleTTL)
	res := s.db.WithContext(ctx).Where("last_event_at < ?", cutoff).Delete(&Session{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

func (s *Service) cleanupJob(ctx context.Context) error {
	n, err := s.Cleanup(ctx)
	if err != nil {
		return err
	}
	zap.L().Info("fraud sessions cleaned", zap.Int64("deleted", n))
	return nil
}
