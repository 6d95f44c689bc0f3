package embedcache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tiered reads the shared tier first and falls back to the local tier. A
// failing shared tier is bypassed for RetryAfter before it is tried again.
type Tiered struct {
	shared     Cache
	local      Cache
	retryAfter time.Duration
	logger     *zap.Logger
	now        func() time.Time

	mu          sync.Mutex
	bypassUntil time.Time
}

var _ Cache = (*Tiered)(nil)

// NewTiered combines shared and local tiers. shared may be nil.
func NewTiered(shared, local Cache, retryAfter time.Duration, logger *zap.Logger) *Tiered {
	if local == nil {
		local = Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tiered{
		shared:     shared,
		local:      local,
		retryAfter: retryAfter,
		logger:     logger,
		now:        time.Now,
	}
}

func (t *Tiered) sharedAvailable() bool {
	if t.shared == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.now().Before(t.bypassUntil)
}

func (t *Tiered) markSharedDown(err error) {
	t.mu.Lock()
	t.bypassUntil = t.now().Add(t.retryAfter)
	t.mu.Unlock()
	t.logger.Warn("shared embedding cache unavailable, using local tier",
		zap.String("tier", t.shared.Name()),
		zap.Duration("retry_after", t.retryAfter),
		zap.Error(err))
}

func (t *Tiered) GetMany(ctx context.Context, keys []string) (map[string][]float32, error) {
	found := make(map[string][]float32, len(keys))
	remaining := keys

	if t.sharedAvailable() {
		hits, err := t.shared.GetMany(ctx, keys)
		if err != nil {
			t.markSharedDown(err)
		} else {
			remaining = remaining[:0:0]
			for _, k := range keys {
				if v, ok := hits[k]; ok {
					found[k] = v
				} else {
					remaining = append(remaining, k)
				}
			}
		}
	}

	if len(remaining) == 0 {
		return found, nil
	}
	hits, err := t.local.GetMany(ctx, remaining)
	if err != nil {
		return found, err
	}
	for k, v := range hits {
		found[k] = v
	}
	return found, nil
}

func (t *Tiered) SetMany(ctx context.Context, entries map[string][]float32) error {
	if len(entries) == 0 {
		return nil
	}
	if t.sharedAvailable() {
		err := t.shared.SetMany(ctx, entries)
		if err == nil {
			return nil
		}
		t.markSharedDown(err)
	}
	return t.local.SetMany(ctx, entries)
}

func (t *Tiered) Name() string {
	if t.shared == nil {
		return t.local.Name()
	}
	return t.shared.Name() + "+" + t.local.Name()
}
