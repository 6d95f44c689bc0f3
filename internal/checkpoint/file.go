package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/ingestd/internal/checkpoint"

// GlobalKey is the cursor key used when a run is not scoped to a tenant.
const GlobalKey = "__global__"

// ErrCorrupt is returned when the checkpoint file is not a JSON string map.
var ErrCorrupt = errors.New("checkpoint file corrupt")

// File is a checkpoint stored at a single path.
type File struct {
	path   string
	logger *zap.Logger

	saves metric.Int64Counter

	mu sync.Mutex
}

// NewFile returns a File for path. The file is not touched until Load or Set.
func NewFile(path string, logger *zap.Logger) *File {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &File{path: path, logger: logger.Named("checkpoint")}

	saves, err := otel.Meter(instrumentationName).Int64Counter(
		"ingestd.checkpoint.saves_total",
		metric.WithDescription("Total number of checkpoint writes"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		f.logger.Warn("failed to create save counter", zap.Error(err))
	}
	f.saves = saves
	return f
}

// Path returns the checkpoint file path.
func (f *File) Path() string { return f.path }

// Load reads the whole checkpoint. A missing file is an empty checkpoint.
func (f *File) Load() (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

func (f *File) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", f.path, err)
	}
	cp := map[string]string{}
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, f.path, err)
	}
	return cp, nil
}

// Get returns the cursor saved under key, or "" if there is none.
func (f *File) Get(key string) (string, error) {
	cp, err := f.Load()
	if err != nil {
		return "", err
	}
	return cp[key], nil
}

// Set records id under key and rewrites the file atomically. Other keys are kept.
func (f *File) Set(key, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cp, err := f.load()
	if err != nil {
		return err
	}
	cp[key] = id

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	if err := writeAtomic(f.path, data); err != nil {
		return err
	}

	if f.saves != nil {
		f.saves.Add(context.Background(), 1)
	}
	f.logger.Debug("checkpoint saved", zap.String("key", key), zap.String("id", id))
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing checkpoint: %w", err)
	}
	return nil
}
