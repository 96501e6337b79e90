package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	// SQL drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Pool manages shared database connections keyed by DSN. For SQLite it
// pins the pool to a single connection so that all writes serialize and
// "database is locked" errors cannot occur. One Pool per process, created
// lazily and closed on shutdown.
type Pool struct {
	mu    sync.Mutex
	pools map[string]*sql.DB
}

// NewPool creates an empty pool manager.
func NewPool() *Pool {
	return &Pool{pools: make(map[string]*sql.DB)}
}

// Get returns the connection pool for a driver/DSN pair, opening it on
// first use. The same DSN always yields the same *sql.DB.
func (p *Pool) Get(driver, dsn string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := driver + "\x00" + dsn
	if db, ok := p.pools[key]; ok {
		return db, nil
	}

	db, err := openDB(driver, dsn)
	if err != nil {
		return nil, err
	}

	p.pools[key] = db
	return db, nil
}

// Close closes every pool. Safe to call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for key, db := range p.pools {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", key, err))
		}
	}
	p.pools = make(map[string]*sql.DB)

	if len(errs) > 0 {
		return fmt.Errorf("errors closing pools: %v", errs)
	}
	return nil
}

func openDB(driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time. A single connection
	// serializes all access through database/sql itself.
	if driver == "sqlite3" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == "sqlite3" {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=10000",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				slog.Warn("Failed to apply SQLite pragma", "pragma", pragma, "error", err)
			}
		}
	}

	return db, nil
}
