package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DefaultSource is where the SQL migrations live relative to the repo root.
const DefaultSource = "file://database/migrations"

// Options controls how long RunMigrations waits for the database.
type Options struct {
	Source   string
	Attempts int
	Wait     time.Duration
}

// RunMigrations waits for the database at dbURL and applies every pending up migration.
func RunMigrations(dbURL string, opts Options, logger logrus.FieldLogger) error {
	if opts.Source == "" {
		opts.Source = DefaultSource
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 10
	}
	if opts.Wait <= 0 {
		opts.Wait = 3 * time.Second
	}

	if err := waitForDatabase(dbURL, opts, logger); err != nil {
		return err
	}

	m, err := migrate.New(opts.Source, dbURL)
	if err != nil {
		return fmt.Errorf("could not start migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read migration version: %w", err)
	}
	logger.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("Migrations applied successfully!")
	return nil
}

func waitForDatabase(dbURL string, opts Options, logger logrus.FieldLogger) error {
	var lastErr error
	for i := 0; i < opts.Attempts; i++ {
		db, err := sql.Open("postgres", dbURL)
		if err == nil {
			err = db.Ping()
			db.Close()
		}
		if err == nil {
			logger.Info("Connected to the database successfully.")
			return nil
		}
		lastErr = err
		logger.WithError(err).Infof("Waiting for the database to be ready... (attempt %d)", i+1)
		time.Sleep(opts.Wait)
	}
	return fmt.Errorf("could not connect to the database: %w", lastErr)
}
