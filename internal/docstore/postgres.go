package docstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/ingestd/internal/ingest"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Postgres is a Store on a pgvector-enabled PostgreSQL database. Its schema
// is managed by the embedded migrations and lives in document_chunks.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ Store = (*Postgres)(nil)

// NewPostgres migrates the schema up and opens a connection pool.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("docstore")

	if err := Migrate(dsn, logger); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Postgres{pool: pool, logger: logger}, nil
}

// Migrate applies every pending embedded migration.
func Migrate(dsn string, logger *zap.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return fmt.Errorf("reading migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("migration version %d is dirty, manual intervention required", version)
	}
	logger.Debug("docstore schema up to date", zap.Uint("version", version))
	return nil
}

// vectorArg maps an empty embedding to SQL NULL.
func vectorArg(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

func (p *Postgres) exec(ctx context.Context, batch *pgx.Batch) error {
	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return br.Close()
}

func (p *Postgres) Upsert(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		md := r.Metadata
		if md == nil {
			md = map[string]any{}
		}
		batch.Queue(`
			INSERT INTO document_chunks (id, tenant_id, content, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO UPDATE SET
				tenant_id  = EXCLUDED.tenant_id,
				content    = EXCLUDED.content,
				metadata   = EXCLUDED.metadata,
				embedding  = COALESCE(EXCLUDED.embedding, document_chunks.embedding),
				updated_at = now()`,
			r.ID, string(r.TenantID), r.Content, md, vectorArg(r.Embedding),
		)
	}
	if err := p.exec(ctx, batch); err != nil {
		return fmt.Errorf("upserting %d rows: %w", len(rows), err)
	}
	return nil
}

func (p *Postgres) FetchMissing(ctx context.Context, tenant ingest.TenantID, afterID string, limit int) ([]Row, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, tenant_id, content, metadata
		FROM document_chunks
		WHERE embedding IS NULL
		  AND id > $1
		  AND ($2 = '' OR tenant_id = $2)
		ORDER BY id
		LIMIT $3`,
		afterID, string(tenant), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetching rows: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var tenantID string
		if err := rows.Scan(&r.ID, &tenantID, &r.Content, &r.Metadata); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		r.TenantID = ingest.TenantID(tenantID)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateEmbeddings(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`UPDATE document_chunks SET embedding = $2, updated_at = now() WHERE id = $1`,
			r.ID, vectorArg(r.Embedding))
	}
	if err := p.exec(ctx, batch); err != nil {
		return fmt.Errorf("updating %d embeddings: %w", len(rows), err)
	}
	return nil
}

func (p *Postgres) Match(ctx context.Context, tenant ingest.TenantID, vec []float32, count int) ([]Match, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT id, tenant_id, content, metadata, similarity FROM match_embeddings_by_tenant($1, $2, $3)`,
		pgvector.NewVector(vec), count, string(tenant),
	)
	if err != nil {
		return nil, fmt.Errorf("matching: %w", err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		var tenantID string
		if err := rows.Scan(&m.ID, &tenantID, &m.Content, &m.Metadata, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		m.TenantID = ingest.TenantID(tenantID)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
