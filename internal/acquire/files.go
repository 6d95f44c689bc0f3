package acquire

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/extract"
	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"go.uber.org/zap"
)

// FileSource extracts pages from local files in the order given.
// Unreadable, oversized or unsupported files are skipped with a warning.
type FileSource struct {
	MaxBytes int64
	Logger   *zap.Logger
}

// Read extracts each path into a page.
func (f *FileSource) Read(ctx context.Context, paths []string) ([]ingest.Page, error) {
	logger := f.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pages := make([]ingest.Page, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return pages, err
		}

		abs, err := filepath.Abs(p)
		if err != nil {
			logger.Warn("skipping file", zap.String("path", p), zap.Error(err))
			continue
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			logger.Warn("skipping missing file", zap.String("path", abs), zap.Error(err))
			continue
		}
		if f.MaxBytes > 0 && info.Size() > f.MaxBytes {
			logger.Warn("skipping oversized file",
				zap.String("path", abs), zap.Int64("size", info.Size()), zap.Int64("max", f.MaxBytes))
			continue
		}
		if !extract.Supported(abs) {
			logger.Warn("skipping unsupported file type", zap.String("path", abs))
			continue
		}

		text, err := extract.File(abs)
		if err != nil {
			logger.Warn("skipping file after extraction error", zap.String("path", abs), zap.Error(err))
			continue
		}

		pages = append(pages, ingest.Page{
			URL:       "file://" + filepath.ToSlash(abs),
			Title:     filepath.Base(abs),
			Text:      text,
			Depth:     0,
			FetchedAt: time.Now().UTC(),
		})
	}
	return pages, nil
}
