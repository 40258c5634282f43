package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

// ConnectionPool wraps sql.DB with pool defaults and a startup ping.
type ConnectionPool struct {
	db *sql.DB
}

// NewConnectionPoolFromURL creates a connection pool from a postgres:// DSN,
// for callers (internal/history) that receive a single DATABASE_URL rather
// than discrete host/port/user fields.
func NewConnectionPoolFromURL(databaseURL string) (*ConnectionPool, error) {
	return newConnectionPool(databaseURL)
}

func newConnectionPool(connStr string) (*ConnectionPool, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &ConnectionPool{db: db}, nil
}

// Close closes the database connection pool.
func (p *ConnectionPool) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// DB returns the underlying database connection, for handing to sqlx.
func (p *ConnectionPool) DB() *sql.DB {
	return p.db
}

// RunMigrationsFromURL runs pending migrations against a postgres:// DSN.
func RunMigrationsFromURL(databaseURL, migrationsPath string) error {
	return runMigrations(databaseURL, migrationsPath)
}

func runMigrations(connStr, migrationsPath string) error {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		fmt.Sprintf("file://%s", migrationsPath),
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
