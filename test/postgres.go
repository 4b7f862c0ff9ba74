/*
Package test provides the database fixtures for tests which need a real postgres.

Tests call Postgres(t) to get a database with a fresh schema. The database comes
from the POSTGRES environment variable if it is set. Otherwise, when
VOXTRO_INTEGRATION=1, a postgres:15 container is started once per test binary.
Without either, the calling test is skipped.
*/
package test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/voxtro/backend/core/csql"
)

// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type testService struct {
	Postgres         string `env:"POSTGRES" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" description:"password to the Postgres DB"`
	Integration      bool   `env:"VOXTRO_INTEGRATION,default=false" description:"start a postgres container for tests"`
}

var (
	once      sync.Once
	dsn       string
	password  string
	container testcontainers.Container
	setupErr  error
)

func setup() {
	var service testService
	if err := envdecode.Decode(&service); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		setupErr = err
		return
	}
	if service.Postgres != "" {
		dsn, password = service.Postgres, service.PostgresPassword
		return
	}
	if !service.Integration {
		return
	}

	ctx := context.Background()
	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"
	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, setupErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	if setupErr != nil {
		return
	}
	host, err := container.Host(ctx)
	if err != nil {
		setupErr = err
		return
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		setupErr = err
		return
	}
	dsn = fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=disable", host, port.Port(), postgresUser, postgresDB)
	password = postgresPassword
}

// Postgres returns a database with a fresh, uniquely named schema. The schema is
// dropped when the test finishes.
func Postgres(t testing.TB) *csql.DB {
	t.Helper()
	once.Do(setup)
	if setupErr != nil {
		t.Fatalf("cannot set up postgres: %v", setupErr)
	}
	if dsn == "" {
		t.Skip("no database: set POSTGRES or VOXTRO_INTEGRATION=1")
	}
	schema := "test_" + strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	db, err := csql.OpenWithSchema(dsn, password, schema)
	if err != nil {
		t.Fatalf("cannot open postgres: %v", err)
	}
	t.Cleanup(func() {
		db.Exec(`DROP SCHEMA ` + schema + ` CASCADE;`)
		db.Close()
	})
	return db
}
