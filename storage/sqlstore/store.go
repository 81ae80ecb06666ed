// Package sqlstore implements storage.Store on a MySQL (k, v) blob table.
package sqlstore

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	// MySQL driver registers itself with database/sql
	_ "github.com/go-sql-driver/mysql"

	"github.com/c360/botstreams/errors"
)

// Config describes the MySQL connection backing the store
type Config struct {
	DSN             string        // user:pass@tcp(host:port)/db (required)
	Table           string        // table name (defaults to "feature_state")
	MaxOpenConns    int           // defaults to 10
	ConnMaxLifetime time.Duration // defaults to 5m
}

// Store is a storage.Store backed by a MySQL table with the layout:
//
//	CREATE TABLE feature_state (
//	    k VARCHAR(512) PRIMARY KEY,
//	    v MEDIUMBLOB NOT NULL,
//	    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
//	        ON UPDATE CURRENT_TIMESTAMP
//	);
type Store struct {
	db    *sql.DB
	table string
}

// New opens the database and ensures the backing table exists
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "sqlstore", "New", "dsn validation")
	}
	table := cfg.Table
	if table == "" {
		table = "feature_state"
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxLifetime := cfg.ConnMaxLifetime
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, errors.WrapFatal(err, "sqlstore", "New", "open database")
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetConnMaxLifetime(maxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapTransient(err, "sqlstore", "New", "database ping")
	}

	createStmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		k VARCHAR(512) PRIMARY KEY,
		v MEDIUMBLOB NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	)`, table)
	if _, err := db.ExecContext(ctx, createStmt); err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "sqlstore", "New", "ensure table")
	}

	return &Store{db: db, table: table}, nil
}

// Load retrieves the blob for key, or errors.ErrKeyNotFound.
func (s *Store) Load(ctx context.Context, key string) ([]byte, error) {
	query := fmt.Sprintf("SELECT v FROM %s WHERE k = ?", s.table)

	var value []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "sqlstore", "Load", "select")
	}
	return value, nil
}

// Store writes the blob for key, overwriting any existing value.
func (s *Store) Store(ctx context.Context, key string, value []byte) error {
	query := fmt.Sprintf(
		"INSERT INTO %s (k, v) VALUES (?, ?) ON DUPLICATE KEY UPDATE v = VALUES(v)",
		s.table)

	if _, err := s.db.ExecContext(ctx, query, key, value); err != nil {
		return errors.WrapTransient(err, "sqlstore", "Store", "upsert")
	}
	return nil
}

// Delete removes the blob at key. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE k = ?", s.table)

	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return errors.WrapTransient(err, "sqlstore", "Delete", "delete")
	}
	return nil
}

// List returns all keys with the given prefix, in lexicographic order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	query := fmt.Sprintf("SELECT k FROM %s WHERE k LIKE CONCAT(?, '%%') ORDER BY k", s.table)

	rows, err := s.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, errors.WrapTransient(err, "sqlstore", "List", "select keys")
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, errors.WrapTransient(err, "sqlstore", "List", "scan key")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "sqlstore", "List", "iterate rows")
	}
	return keys, nil
}

// Close closes the database pool
func (s *Store) Close() error {
	return s.db.Close()
}
