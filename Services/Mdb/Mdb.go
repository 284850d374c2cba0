package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/lib/pq"
)

var DB *sql.DB

var db_name string
var postgresURI string

// MigrationsDir holds the ordered *.sql files applied by RunMigrations.
var MigrationsDir = "DB/migrations"

func initEnv() {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		postgresURI = url
		return
	}

	db_name = os.Getenv("POSTGRES_DB")
	if db_name == "" {
		db_name = "zuum"
	}

	postgresUser := os.Getenv("POSTGRES_USER")
	if postgresUser == "" {
		postgresUser = "zuum"
	}

	postgresPassword := os.Getenv("POSTGRES_PASSWORD")

	postgresHost := os.Getenv("POSTGRES_HOST")
	if postgresHost == "" {
		postgresHost = "localhost"
	}

	postgresPort := os.Getenv("POSTGRES_PORT")
	if postgresPort == "" {
		postgresPort = "5432"
	}

	sslMode := os.Getenv("POSTGRES_SSLMODE")
	if sslMode == "" {
		sslMode = "disable"
	}

	// Construct PostgreSQL connection string
	postgresURI = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		postgresHost, postgresPort, postgresUser, postgresPassword, db_name, sslMode)
}

func InitPostgres() {
	initEnv()

	var err error
	DB, err = sql.Open("postgres", postgresURI)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database connection: %v", err))
	}

	// Set connection pool settings
	DB.SetMaxOpenConns(25)
	DB.SetMaxIdleConns(5)
	DB.SetConnMaxLifetime(5 * time.Minute)

	// Test the connection
	if err := DB.Ping(); err != nil {
		panic(fmt.Sprintf("Failed to ping database: %v", err))
	}

	fmt.Println("PostgreSQL connected!")
}

// RunMigrations runs all SQL migration files in lexical order
func RunMigrations() error {
	migrations, err := filepath.Glob(filepath.Join(MigrationsDir, "*.sql"))
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(migrations)

	for _, migrationFile := range migrations {
		migrationSQL, err := os.ReadFile(migrationFile)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", migrationFile, err)
		}

		_, err = DB.Exec(string(migrationSQL))
		if err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", migrationFile, err)
		}
		fmt.Printf("Migration %s executed successfully\n", migrationFile)
	}

	return nil
}

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a postgres unique_violation (23505).
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
