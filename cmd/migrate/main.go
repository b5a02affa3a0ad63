package main

import (
	"flag"

	"github.com/sirupsen/logrus"

	"checkpoint-tracking/config"
	"checkpoint-tracking/migration"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	source := flag.String("source", migration.DefaultSource, "migration source URL")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load config")
	}

	if err := migration.RunMigrations(cfg.DB.URL(), migration.Options{Source: *source}, logger); err != nil {
		logger.WithError(err).Fatal("Migration error")
	}
}
