package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"ticketing-checkout/internal/config"
	"ticketing-checkout/internal/database"
	"ticketing-checkout/internal/logger"
)

func main() {
	var (
		statusFlag = flag.Bool("status", false, "Show migration status")
		upFlag     = flag.Bool("up", false, "Run pending migrations")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load config")
	}
	logger.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Server.Env)

	db, err := database.NewConnection(database.Config{
		DSN:     cfg.Database.DSN(),
		MaxOpen: 2,
		MaxIdle: 1,
	})
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	switch {
	case *statusFlag:
		if err := db.GetMigrationStatus(); err != nil {
			logrus.WithError(err).Fatal("Failed to get migration status")
		}
	case *upFlag:
		if err := db.RunMigrations(); err != nil {
			logrus.WithError(err).Fatal("Failed to run migrations")
		}
		fmt.Println("All migrations completed successfully!")
	default:
		fmt.Println("Usage:")
		fmt.Println("  go run ./cmd/migrate -status   # Show migration status")
		fmt.Println("  go run ./cmd/migrate -up       # Run pending migrations")
		os.Exit(1)
	}
}
