// Package logging provides structured logging for ingestd.
//
// # Overview
//
// Logger wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Automatic context field injection (trace_id, tenant.id, run.id)
//   - Secret redaction at the encoder
//   - Level-aware sampling (errors never sampled)
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithTenantID(ctx, "trial_abc")
//	ctx = logging.WithRunID(ctx, runID)
//	logger.Info(ctx, "crawl finished", zap.Int("pages", n))
//
// Library packages accept a *zap.Logger; pass logger.Underlying().
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "test message")
//	tl.AssertLogged(t, zapcore.InfoLevel, "test message")
package logging
