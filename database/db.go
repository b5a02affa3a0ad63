// Package database reads ride snapshots from and writes vehicle trails to the
// CheckPoint Postgres database.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"checkpoint-tracking/config"
)

// Open connects with lib/pq and pings the server.
func Open(ctx context.Context, cfg config.DBConfig, logger logrus.FieldLogger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.WithFields(logrus.Fields{"host": cfg.Host, "dbname": cfg.DBName}).Info("Database connected.")
	return db, nil
}
