package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/ingestd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newBufferLogger(t *testing.T, mutate func(*Config)) (*Logger, *bytes.Buffer) {
	t.Helper()
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	cfg.Level = TraceLevel
	if mutate != nil {
		mutate(cfg)
	}
	buf := &bytes.Buffer{}
	logger, err := NewLoggerTo(cfg, zapcore.AddSync(buf))
	require.NoError(t, err)
	return logger, buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]interface{}{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_ContextFields(t *testing.T) {
	logger, buf := newBufferLogger(t, nil)

	ctx := WithTenantID(context.Background(), "trial_abc")
	ctx = WithRunID(ctx, "run-1")
	logger.Info(ctx, "crawl finished", zap.Int("pages", 3))

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "crawl finished", lines[0]["msg"])
	assert.Equal(t, "trial_abc", lines[0]["tenant.id"])
	assert.Equal(t, "run-1", lines[0]["run.id"])
	assert.Equal(t, "ingestd", lines[0]["service"])
	assert.EqualValues(t, 3, lines[0]["pages"])
}

func TestLogger_Redaction(t *testing.T) {
	logger, buf := newBufferLogger(t, nil)

	logger.Info(context.Background(), "backend configured",
		zap.String("api_key", "plain-value"),
		zap.String("header", "Bearer abc.def"),
		Secret("openai", config.Secret("sk-abcdefghijklmnopqrstu")),
	)

	out := buf.String()
	assert.NotContains(t, out, "plain-value")
	assert.NotContains(t, out, "abc.def")
	assert.NotContains(t, out, "sk-abcdefghijklmnopqrstu")
	assert.Contains(t, out, "[REDACTED")
}

func TestLogger_LevelFiltering(t *testing.T) {
	logger, buf := newBufferLogger(t, func(c *Config) { c.Level = zapcore.WarnLevel })

	ctx := context.Background()
	logger.Debug(ctx, "hidden")
	logger.Info(ctx, "hidden too")
	logger.Warn(ctx, "visible")

	lines := decodeLines(t, buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "visible", lines[0]["msg"])
	assert.False(t, logger.Enabled(zapcore.InfoLevel))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad format", func(c *Config) { c.Format = "xml" }, true},
		{"zero tick", func(c *Config) { c.Sampling.Tick = 0 }, true},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }, true},
		{"empty field value", func(c *Config) { c.Fields = map[string]string{"k": ""} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFromAppConfig(t *testing.T) {
	cfg, err := FromAppConfig(config.LogConfig{Level: "trace", Format: "console"})
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)

	_, err = FromAppConfig(config.LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestTestLogger_Assertions(t *testing.T) {
	tl := NewTestLogger()
	tl.Warn(context.Background(), "publish failed", zap.String("tenant", "t1"))

	tl.AssertLogged(t, zapcore.WarnLevel, "publish failed")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "publish failed")
	tl.AssertField(t, "publish failed", "tenant", "t1")
}

func TestFromContext_DefaultsToNop(t *testing.T) {
	l := FromContext(context.Background())
	require.NotNil(t, l)
	l.Info(context.Background(), "dropped")

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	assert.Same(t, tl.Logger, FromContext(ctx))
}
