package main

import (
	"log"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/db"
	"adpayout-engine/pkg/featureflags"
	"adpayout-engine/pkg/gen"
	"adpayout-engine/pkg/health"
	"adpayout-engine/pkg/httpapi"
	"adpayout-engine/pkg/logger"
	"adpayout-engine/pkg/otelcol"
	"adpayout-engine/pkg/profiling"
	"adpayout-engine/pkg/redis"
	"adpayout-engine/pkg/sequence"
	"adpayout-engine/pkg/server"
	"adpayout-engine/pkg/task"
	"adpayout-engine/services/campaign"
	"adpayout-engine/services/consent"
	"adpayout-engine/services/fraud"
	"adpayout-engine/services/intake"
	"adpayout-engine/services/ledger"
	"adpayout-engine/services/payout"
	"adpayout-engine/services/reconcile"
	"adpayout-engine/services/recovery"
	"adpayout-engine/services/retry"
	"adpayout-engine/services/settlement"
	"adpayout-engine/services/transaction"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		gen.Module,
		sequence.Module,
		task.Client,
		task.Server,
		featureflags.Module,
		health.Module,
		httpapi.Module,
		settlement.Module,

		transaction.Module,
		retry.Module,
		ledger.Module,
		campaign.Module,
		fraud.Module,
		payout.Module,
		intake.Module,
		reconcile.Module,
		consent.Module,
		recovery.Module,

		server.ProvideHTTPServer,
		server.ProvideGRPCServer,
		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.LogLevel == "debug" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
