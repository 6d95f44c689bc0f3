package telemetry

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/config"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

const sentryFlushTimeout = 5 * time.Second

func sentryOptions(cfg config.SentryConfig, release string) sentry.ClientOptions {
	env := cfg.Environment
	if env == "" {
		env = "development"
	}
	return sentry.ClientOptions{
		Dsn:         cfg.DSN.Value(),
		Environment: env,
		Release:     release,
		ServerName:  "ingestd",
	}
}

// InitSentry configures the global Sentry client and returns a func that
// flushes pending events. An empty DSN disables capture and returns a no-op.
// An init failure is logged and also degrades to a no-op.
func InitSentry(cfg config.SentryConfig, release string, logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DSN.Value() == "" {
		return func() {}
	}
	if err := sentry.Init(sentryOptions(cfg, release)); err != nil {
		logger.Warn("sentry init failed, continuing without error capture", zap.Error(err))
		return func() {}
	}
	logger.Info("sentry initialized", zap.String("environment", cfg.Environment))
	return func() { sentry.Flush(sentryFlushTimeout) }
}

// CaptureError reports err to Sentry with tags. It is a no-op when Sentry
// was never initialized.
func CaptureError(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		hub.CaptureException(err)
	})
}
