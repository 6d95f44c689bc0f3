package vectorstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ingestd/internal/blobstore"
	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"go.uber.org/zap"
)

// tenantState is the backend-independent bookkeeping behind a sidecar.
type tenantState struct {
	createdAt time.Time
	expiresAt time.Time
	dimension int
	modelID   string
	chunks    []ingest.ChunkRef
	pos       map[string]int
}

func newTenantState(now time.Time, retention time.Duration) *tenantState {
	return &tenantState{
		createdAt: now.UTC(),
		expiresAt: now.UTC().Add(retention),
		pos:       make(map[string]int),
	}
}

func stateFromMetadata(m ingest.IndexMetadata) *tenantState {
	s := &tenantState{
		createdAt: m.CreatedAt,
		expiresAt: m.ExpiresAt,
		dimension: m.Dimension,
		modelID:   m.ModelID,
		chunks:    append([]ingest.ChunkRef(nil), m.Chunks...),
		pos:       make(map[string]int, len(m.Chunks)),
	}
	for i, c := range s.chunks {
		s.pos[c.ID] = i
	}
	return s
}

// checkEntries validates entries against the index dimension without
// mutating state.
func (s *tenantState) checkEntries(entries []ingest.IndexEntry) error {
	dim := s.dimension
	for i, e := range entries {
		if e.Chunk.ID == "" {
			return fmt.Errorf("%w: entry %d has no chunk id", ErrInvalidArgument, i)
		}
		n := len(e.Embedding.Vector)
		if n == 0 {
			return fmt.Errorf("%w: entry %d has an empty vector", ErrInvalidArgument, i)
		}
		if dim == 0 {
			dim = n
		}
		if n != dim {
			return &DimensionMismatchError{Expected: dim, Got: n}
		}
	}
	return nil
}

func (s *tenantState) checkQuery(query []float32) error {
	if len(query) == 0 {
		return fmt.Errorf("%w: empty query vector", ErrInvalidArgument)
	}
	if s.dimension != 0 && len(query) != s.dimension {
		return &DimensionMismatchError{Expected: s.dimension, Got: len(query)}
	}
	return nil
}

// record applies entries that the backend has accepted. Re-adding a chunk ID
// replaces its ref in place.
func (s *tenantState) record(entries []ingest.IndexEntry) {
	for _, e := range entries {
		if s.dimension == 0 {
			s.dimension = len(e.Embedding.Vector)
		}
		if s.modelID == "" {
			s.modelID = e.Embedding.ModelID
		}
		ref := ingest.ChunkRef{
			ID:         e.Chunk.ID,
			SourceRef:  e.Chunk.SourceRef,
			ChunkIndex: e.Chunk.ChunkIndex,
			Offset:     e.Chunk.Offset,
			Text:       e.Chunk.Text,
		}
		if i, ok := s.pos[ref.ID]; ok {
			s.chunks[i] = ref
			continue
		}
		s.pos[ref.ID] = len(s.chunks)
		s.chunks = append(s.chunks, ref)
	}
}

func (s *tenantState) metadata(t ingest.TenantID) ingest.IndexMetadata {
	return ingest.IndexMetadata{
		TenantID:   t,
		Chunks:     append([]ingest.ChunkRef{}, s.chunks...),
		CreatedAt:  s.createdAt,
		ExpiresAt:  s.expiresAt,
		EntryCount: len(s.chunks),
		Dimension:  s.dimension,
		ModelID:    s.modelID,
	}
}

func writeSidecar(ctx context.Context, blobs blobstore.Store, m ingest.IndexMetadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding sidecar: %w", err)
	}
	if err := blobs.Put(ctx, sidecarKey(m.TenantID), data); err != nil {
		return fmt.Errorf("writing sidecar: %w", err)
	}
	return nil
}

func readSidecar(ctx context.Context, blobs blobstore.Store, t ingest.TenantID) (ingest.IndexMetadata, error) {
	var m ingest.IndexMetadata
	data, err := blobs.Get(ctx, sidecarKey(t))
	if errors.Is(err, blobstore.ErrNotFound) {
		return m, fmt.Errorf("%w: tenant %s has no sidecar", ErrNotFound, t)
	}
	if err != nil {
		return m, fmt.Errorf("reading sidecar: %w", err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: sidecar for %s: %v", ErrCorrupt, t, err)
	}
	if m.TenantID != t {
		return m, fmt.Errorf("%w: sidecar for %s names tenant %q", ErrCorrupt, t, m.TenantID)
	}
	if m.EntryCount != len(m.Chunks) {
		return m, fmt.Errorf("%w: sidecar for %s lists %d chunks, count %d", ErrCorrupt, t, len(m.Chunks), m.EntryCount)
	}
	return m, nil
}

// purger holds what PurgeExpired needs from a backend.
type purger struct {
	backend string
	blobs   blobstore.Store
	locks   *tenantLocks
	logger  *zap.Logger
	// live reports the expiry of a tenant held in memory. A tenant that was
	// recreated but not yet saved is only visible here.
	live func(t ingest.TenantID) (time.Time, bool)
	// drop releases backend resources for a tenant. Called with the tenant lock held.
	drop func(ctx context.Context, t ingest.TenantID) error
}

func (p purger) purgeExpired(ctx context.Context, now time.Time) (int, error) {
	keys, err := p.blobs.List(ctx, ".json")
	if err != nil {
		return 0, fmt.Errorf("listing sidecars: %w", err)
	}

	purged := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return purged, err
		}
		tenant := ingest.TenantID(strings.TrimSuffix(key, ".json"))
		if tenant.Validate() != nil {
			continue
		}

		unlock, ok := p.locks.tryLock(tenant)
		if !ok {
			p.logger.Debug("skipping purge of busy tenant", zap.String("tenant", tenant.String()))
			continue
		}
		removed, err := p.purgeOne(ctx, tenant, now)
		unlock()
		if err != nil {
			return purged, err
		}
		if removed {
			purged++
		}
	}

	if purged > 0 {
		purgedTotal.WithLabelValues(p.backend).Add(float64(purged))
		p.logger.Info("purged expired indexes", zap.Int("count", purged))
	}
	return purged, nil
}

func (p purger) purgeOne(ctx context.Context, t ingest.TenantID, now time.Time) (bool, error) {
	if expiresAt, ok := p.live(t); ok && !expiresAt.Before(now) {
		p.logger.Debug("skipping purge of live tenant", zap.String("tenant", t.String()))
		return false, nil
	}
	meta, err := readSidecar(ctx, p.blobs, t)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if errors.Is(err, ErrCorrupt) {
		p.logger.Warn("skipping purge of unreadable sidecar", zap.String("tenant", t.String()), zap.Error(err))
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !meta.Expired(now) {
		return false, nil
	}

	if err := p.drop(ctx, t); err != nil {
		return false, fmt.Errorf("dropping %s: %w", t, err)
	}
	if err := p.blobs.Delete(ctx, artifactKey(t)); err != nil {
		return false, fmt.Errorf("deleting artifact for %s: %w", t, err)
	}
	// Sidecar last: while it exists, the tenant is still visible to a retry.
	if err := p.blobs.Delete(ctx, sidecarKey(t)); err != nil {
		return false, fmt.Errorf("deleting sidecar for %s: %w", t, err)
	}
	p.logger.Debug("purged index",
		zap.String("tenant", t.String()),
		zap.Time("expires_at", meta.ExpiresAt),
	)
	return true, nil
}
