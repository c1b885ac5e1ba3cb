// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package csql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/relabs-tech/fleetca/core/logger"
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

// OpenWithSchema opens a postgres database with a schema.
// The schema gets created if it does not exist yet. The password is
// passed separately so that it does not end up in the logs.
func OpenWithSchema(dataSourceName, password, schema string) (*DB, error) {
	logger.Default().Infoln("connecting to postgres database:", dataSourceName)
	if len(password) > 0 {
		dataSourceName += " password=" + password
	}
	db, err := sql.Open("postgres", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot reach database: %w", err)
	}
	if len(schema) == 0 {
		schema = "public"
	} else {
		logger.Default().Infoln("selected database schema:", schema)
		if _, err = db.Exec(`CREATE schema IF NOT EXISTS ` + pq.QuoteIdentifier(schema) + `;`); err != nil {
			db.Close()
			return nil, fmt.Errorf("cannot create schema %s: %w", schema, err)
		}
	}
	return &DB{DB: db, Schema: schema}, nil
}

// Table returns the schema qualified name of a table
func (db *DB) Table(name string) string {
	return pq.QuoteIdentifier(db.Schema) + "." + pq.QuoteIdentifier(name)
}

// WithTransaction runs fn inside a transaction. The transaction is committed if fn
// returns nil and rolled back otherwise.
func (db *DB) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cannot begin transaction: %w", err)
	}
	if err = fn(tx); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			logger.FromContext(ctx).WithError(rerr).Errorln("Error 3001: rollback failed")
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("cannot commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation returns true if err is a postgres unique constraint violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

// ClearSchema clears all the data contained in the database's schema
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema() error {
	if db.Schema == "public" {
		return fmt.Errorf("refuse to drop public schema")
	}
	quoted := pq.QuoteIdentifier(db.Schema)
	_, err := db.Exec(`DROP SCHEMA ` + quoted + ` CASCADE; CREATE schema IF NOT EXISTS ` + quoted + `;`)
	return err
}
