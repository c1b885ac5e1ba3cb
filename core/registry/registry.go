// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package registry provides a persistent registry of objects in a SQL database

The package uses JSON to serialize the data. It is used for small pieces of
process state that must survive restarts, like the cached token issuer keys
or the number of the last generated certificate revocation list.
*/
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/fleetca/core/csql"
)

// New creates a new registry for the specified database
func New(db *csql.DB) (*Registry, error) {
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Table("_registry_") + `
(key varchar NOT NULL,
value json NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(key)
);`)
	if err != nil {
		return nil, fmt.Errorf("cannot create registry table: %w", err)
	}
	return &Registry{db: db}, nil
}

// Registry provides a persistent registry of objects in a sql database.
type Registry struct {
	db *csql.DB
}

// Accessor is an accessor with optional prefix
type Accessor struct {
	Prefix   string
	Registry *Registry
}

// Accessor returns a registry accessor with prefix
func (r *Registry) Accessor(prefix string) Accessor {
	return Accessor{
		Prefix:   prefix,
		Registry: r,
	}
}

func (r Accessor) key(key string) string {
	if len(r.Prefix) > 0 {
		return r.Prefix + ":" + key
	}
	return key
}

// Read reads a value from the registry. It returns the
// time when the value was written, or a zero timestamp
// if there is no value.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Read(ctx context.Context, key string, value interface{}) (time.Time, error) {
	var (
		rawValue  json.RawMessage
		timestamp time.Time
	)
	key = r.key(key)
	err := r.Registry.db.QueryRowContext(ctx,
		`SELECT value, timestamp FROM `+r.Registry.db.Table("_registry_")+` WHERE key=$1;`,
		key).Scan(&rawValue, &timestamp)
	if err == csql.ErrNoRows {
		return timestamp, nil
	}
	if err != nil {
		return timestamp, fmt.Errorf("cannot read key '%s': %w", key, err)
	}
	return timestamp, json.Unmarshal(rawValue, value)
}

// Write writes a value into the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Write(ctx context.Context, key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	key = r.key(key)
	_, err = r.Registry.db.ExecContext(ctx,
		`INSERT INTO `+r.Registry.db.Table("_registry_")+`(key,value,timestamp)
VALUES($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET value=$2,timestamp=$3;`,
		key, string(body), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("cannot write key '%s': %w", key, err)
	}
	return nil
}

// Increment atomically increments the integer counter stored under key and returns
// the new value. A missing counter starts at 1.
func (r Accessor) Increment(ctx context.Context, key string) (int64, error) {
	key = r.key(key)
	var next int64
	err := r.Registry.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var current int64
		var rawValue json.RawMessage
		err := tx.QueryRowContext(ctx,
			`SELECT value FROM `+r.Registry.db.Table("_registry_")+` WHERE key=$1 FOR UPDATE;`,
			key).Scan(&rawValue)
		if err != nil && err != csql.ErrNoRows {
			return err
		}
		if err == nil {
			if err = json.Unmarshal(rawValue, &current); err != nil {
				return fmt.Errorf("counter '%s' is not an integer: %w", key, err)
			}
		}
		next = current + 1
		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+r.Registry.db.Table("_registry_")+`(key,value,timestamp)
VALUES($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET value=$2,timestamp=$3;`,
			key, fmt.Sprint(next), time.Now().UTC())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cannot increment key '%s': %w", key, err)
	}
	return next, nil
}

// Delete deletes a value from the registry.
//
// If the accessor has a prefix, the key is prepended with "{prefix}:"
func (r Accessor) Delete(ctx context.Context, key string) error {
	_, err := r.Registry.db.ExecContext(ctx,
		`DELETE FROM `+r.Registry.db.Table("_registry_")+` WHERE key=$1;`,
		r.key(key))
	return err
}
