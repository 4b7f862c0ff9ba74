/*
Package csql wraps a postgres database handle together with the schema all
Voxtro relations live in.
*/
package csql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/lib/pq" // load database driver for postgres

	"github.com/voxtro/backend/core/logger"
)

// DB encapsulates a standard sql.DB with a schema
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

// OpenWithSchema opens a postgres database with a schema. The password is
// optional and gets appended to the data source name if present.
// The schema gets created if it does not exist yet, together with the
// uuid-ossp extension.
func OpenWithSchema(dataSourceName, password, schema string) (*DB, error) {
	rlog := logger.Default()
	rlog.Infoln("connecting to postgres database:", dataSourceName)
	if len(password) > 0 {
		dataSourceName += " password=" + password
	}
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot reach database: %w", err)
	}
	if len(schema) == 0 {
		schema = "public"
	}
	rlog.Infoln("selected database schema:", schema)
	_, err = db.Exec(`CREATE extension IF NOT EXISTS "uuid-ossp";
CREATE schema IF NOT EXISTS ` + schema + `;`)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db, Schema: schema}, nil
}

// Table returns the schema qualified name of a relation
func (db *DB) Table(name string) string {
	return db.Schema + `."` + name + `"`
}

// Q replaces every occurrence of "{schema}" in query with the database schema.
// Queries are written as `SELECT ... FROM {schema}.chatbot` to keep them readable.
func (db *DB) Q(query string) string {
	return strings.ReplaceAll(query, "{schema}", db.Schema)
}

// MustExec executes the statement and panics on error. It is meant for table
// creation during start-up only.
func (db *DB) MustExec(query string) {
	if _, err := db.Exec(db.Q(query)); err != nil {
		panic(fmt.Errorf("cannot execute %q: %w", query, err))
	}
}

// InTx runs fn inside a transaction. The transaction is committed when fn
// returns nil, otherwise it is rolled back and fn's error is returned.
func (db *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ClearSchema clears all the data contained in the database's schema
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema() {
	if db.Schema == "public" {
		panic("refuse to drop public schema")
	}
	_, err := db.Exec(`DROP SCHEMA ` + db.Schema + ` CASCADE;
	CREATE schema IF NOT EXISTS ` + db.Schema + `;`)
	if err != nil {
		logger.Default().WithError(err).Errorln("clear schema error:", db.Schema)
	}
}
