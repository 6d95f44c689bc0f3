// Package testutil starts throwaway service containers for integration tests.
//
// Containers need Docker, so every helper skips unless INGESTD_INTEGRATION
// is set and the test is not running with -short.
package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RequireIntegration skips t unless container-backed tests are enabled.
func RequireIntegration(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("INGESTD_INTEGRATION") == "" {
		t.Skip("INGESTD_INTEGRATION not set")
	}
}

func start(ctx context.Context, t testing.TB, req testcontainers.ContainerRequest, port string) (string, string) {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start %s: %v", req.Image, err)
	}
	t.Cleanup(func() {
		_ = testcontainers.TerminateContainer(container)
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}
	return host, mapped.Port()
}

// Postgres is a pgvector-enabled PostgreSQL container.
type Postgres struct {
	Host, Port, User, Password, Database string
}

// StartPostgres starts pgvector/pgvector and waits until it accepts connections.
func StartPostgres(ctx context.Context, t testing.TB) *Postgres {
	t.Helper()
	RequireIntegration(t)
	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:0.8.1-pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "ingestd",
			"POSTGRES_PASSWORD": "ingestd",
			"POSTGRES_DB":       "ingestd",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithStartupTimeout(60 * time.Second),
	}
	host, port := start(ctx, t, req, "5432")
	return &Postgres{Host: host, Port: port, User: "ingestd", Password: "ingestd", Database: "ingestd"}
}

// DSN returns the connection string.
func (p *Postgres) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		p.User, p.Password, p.Host, p.Port, p.Database)
}

// Qdrant is a Qdrant container exposing its gRPC port.
type Qdrant struct {
	Host string
	Port int
}

func StartQdrant(ctx context.Context, t testing.TB) *Qdrant {
	t.Helper()
	RequireIntegration(t)
	req := testcontainers.ContainerRequest{
		Image:        "qdrant/qdrant:v1.16.2",
		ExposedPorts: []string{"6334/tcp"},
		WaitingFor:   wait.ForListeningPort("6334/tcp").WithStartupTimeout(60 * time.Second),
	}
	host, port := start(ctx, t, req, "6334")
	n, err := strconv.Atoi(port)
	if err != nil {
		t.Fatalf("bad qdrant port %q: %v", port, err)
	}
	return &Qdrant{Host: host, Port: n}
}

// S3 is an S3-compatible RustFS container.
type S3 struct {
	Endpoint  string
	AccessKey string
	SecretKey string
}

func StartS3(ctx context.Context, t testing.TB) *S3 {
	t.Helper()
	RequireIntegration(t)
	req := testcontainers.ContainerRequest{
		Image:        "rustfs/rustfs:latest",
		ExposedPorts: []string{"9000/tcp"},
		Env: map[string]string{
			"RUSTFS_ACCESS_KEY": "rustfsadmin",
			"RUSTFS_SECRET_KEY": "rustfsadmin",
		},
		WaitingFor: wait.ForListeningPort("9000/tcp").WithStartupTimeout(30 * time.Second),
	}
	host, port := start(ctx, t, req, "9000")
	return &S3{
		Endpoint:  fmt.Sprintf("http://%s:%s", host, port),
		AccessKey: "rustfsadmin",
		SecretKey: "rustfsadmin",
	}
}
