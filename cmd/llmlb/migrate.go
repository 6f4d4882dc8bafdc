package main

import (
	"fmt"
	"os"

	"gorm.io/gorm"

	"github.com/BaSui01/llmlb/internal/database"
	"github.com/BaSui01/llmlb/internal/migration"
)

// runMigrate applies schema migrations outside the serve path.
func runMigrate(args []string) int {
	cfg, rest, err := loadConfig("migrate", args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}

	op := "up"
	if len(rest) > 0 {
		op = rest[0]
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	defer logger.Sync()

	db, err := database.Open(cfg.Database.URL, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}

	mig, err := newMigrator(cfg.Database.URL, db)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitFailure
	}
	defer mig.Close()

	switch op {
	case "up":
		if err := mig.Up(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}
		fmt.Println("migrations applied")
	case "down":
		if err := mig.Down(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}
		fmt.Println("rolled back one migration")
	case "status":
		version, dirty, err := mig.Version()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitFailure
		}
		fmt.Printf("schema version %d (dirty=%v)\n", version, dirty)
	default:
		fmt.Fprintf(os.Stderr, "unknown migrate operation %q (want up, down, or status)\n", op)
		return exitFailure
	}
	return exitOK
}

// newMigrator builds a migrator matching the database flavor behind url.
func newMigrator(url string, db *gorm.DB) (*migration.Migrator, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql.DB: %w", err)
	}
	return migration.New(migration.Flavor(database.DetectFlavor(url)), sqlDB)
}

// migrateUp applies all pending migrations during startup.
func migrateUp(url string, db *gorm.DB) error {
	mig, err := newMigrator(url, db)
	if err != nil {
		return err
	}
	defer mig.Close()
	return mig.Up()
}
