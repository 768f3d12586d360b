package task

import (
	"context"

	"adpayout-engine/pkg/config"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Client = fx.Module("asynq:client",
	fx.Provide(registerClient, NewEnqueuer),
)

// registerClient shares the pooled redis connection, which pkg/redis closes.
func registerClient(rdb *redis.Client) *asynq.Client {
	return asynq.NewClientFromRedisClient(rdb)
}

var Server = fx.Module("asynq:server",
	fx.Provide(registerServerMux),
	fx.Invoke(registerAsynqServer),
)

func registerServerMux() *asynq.ServeMux {
	return asynq.NewServeMux()
}

func registerAsynqServer(lc fx.Lifecycle, cfg *config.Config, mux *asynq.ServeMux) {
	server := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"critical": 6,
				"default":  3,
				"low":      1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				zap.L().Error("asynq task failed", zap.String("task_type", task.Type()), zap.Error(err))
			}),
			Logger: zapAsynqLogger{zap.L().Sugar().Named("asynq")},
		},
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := server.Start(mux); err != nil {
				zap.L().Error("[Asynq] Failed to start Asynq server", zap.Error(err))
				return err
			}
			zap.L().Info("[Asynq] Asynq server started", zap.String("addr", cfg.Redis.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			server.Shutdown()
			return nil
		},
	})
}

type zapAsynqLogger struct {
	s *zap.SugaredLogger
}

func (l zapAsynqLogger) Debug(args ...interface{}) { l.s.Debug(args...) }
func (l zapAsynqLogger) Info(args ...interface{})  { l.s.Info(args...) }
func (l zapAsynqLogger) Warn(args ...interface{})  { l.s.Warn(args...) }
func (l zapAsynqLogger) Error(args ...interface{}) { l.s.Error(args...) }
func (l zapAsynqLogger) Fatal(args ...interface{}) { l.s.Fatal(args...) }
