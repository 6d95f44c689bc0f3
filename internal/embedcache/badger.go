package embedcache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Badger is an on-disk local tier that survives daemon restarts.
type Badger struct {
	db  *badger.DB
	ttl time.Duration
}

var _ Cache = (*Badger)(nil)

// zapBadgerLogger routes badger's printf-style logs into zap.
type zapBadgerLogger struct {
	s *zap.SugaredLogger
}

func (l zapBadgerLogger) Errorf(msg string, args ...any)   { l.s.Errorf(msg, args...) }
func (l zapBadgerLogger) Warningf(msg string, args ...any) { l.s.Warnf(msg, args...) }
func (l zapBadgerLogger) Infof(msg string, args ...any)    { l.s.Debugf(msg, args...) }
func (l zapBadgerLogger) Debugf(msg string, args ...any)   { l.s.Debugf(msg, args...) }

// OpenBadger opens or creates a Badger store in dir. An empty dir opens an
// in-memory store.
func OpenBadger(dir string, ttl time.Duration, logger *zap.Logger) (*Badger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating badger dir: %w", err)
		}
		opts = badger.DefaultOptions(dir)
	}
	opts.Logger = zapBadgerLogger{s: logger.Named("badger").Sugar()}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger: %w", err)
	}
	return &Badger{db: db, ttl: ttl}, nil
}

func (b *Badger) GetMany(_ context.Context, keys []string) (map[string][]float32, error) {
	out := make(map[string][]float32, len(keys))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, k := range keys {
			item, err := txn.Get([]byte(k))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			err = item.Value(func(val []byte) error {
				v, err := DecodeVector(val)
				if err != nil {
					return err
				}
				out[k] = v
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return out, nil
}

func (b *Badger) SetMany(_ context.Context, entries map[string][]float32) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for k, v := range entries {
		e := badger.NewEntry([]byte(k), EncodeVector(v))
		if b.ttl > 0 {
			e = e.WithTTL(b.ttl)
		}
		if err := wb.SetEntry(e); err != nil {
			return fmt.Errorf("badger set: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("badger flush: %w", err)
	}
	return nil
}

func (b *Badger) Name() string { return "badger" }

// Close closes the underlying database.
func (b *Badger) Close() error { return b.db.Close() }
