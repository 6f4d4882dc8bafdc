package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite3 "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql
var sqliteFS embed.FS

//go:embed migrations/postgres/*.sql
var postgresFS embed.FS

//go:embed migrations/mysql/*.sql
var mysqlFS embed.FS

// Flavor selects the migration set and database driver.
type Flavor string

const (
	FlavorSQLite   Flavor = "sqlite"
	FlavorPostgres Flavor = "postgres"
	FlavorMySQL    Flavor = "mysql"
)

// Migrator applies the embedded migrations to an open database.
type Migrator struct {
	m *migrate.Migrate
}

// New builds a migrator for the given flavor on top of db.
func New(flavor Flavor, db *sql.DB) (*Migrator, error) {
	var (
		sub    fs.FS
		driver database.Driver
		err    error
	)

	switch flavor {
	// The store's pure-Go sqlite driver owns the "sqlite" database/sql name;
	// the sqlite3 migrate driver registers "sqlite3" and wraps the already
	// open connection.
	case FlavorSQLite:
		sub, err = fs.Sub(sqliteFS, "migrations/sqlite")
		if err == nil {
			driver, err = migratesqlite3.WithInstance(db, &migratesqlite3.Config{})
		}
	case FlavorPostgres:
		sub, err = fs.Sub(postgresFS, "migrations/postgres")
		if err == nil {
			driver, err = migratepostgres.WithInstance(db, &migratepostgres.Config{})
		}
	case FlavorMySQL:
		sub, err = fs.Sub(mysqlFS, "migrations/mysql")
		if err == nil {
			driver, err = migratemysql.WithInstance(db, &migratemysql.Config{})
		}
	default:
		return nil, fmt.Errorf("unsupported database flavor %q", flavor)
	}
	if err != nil {
		return nil, fmt.Errorf("init migration driver: %w", err)
	}

	src, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, string(flavor), driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return &Migrator{m: m}, nil
}

// Up applies all pending migrations. Already-current is not an error.
func (mg *Migrator) Up() error {
	if err := mg.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Down rolls back the last migration.
func (mg *Migrator) Down() error {
	if err := mg.m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Version returns the current schema version and dirty flag.
func (mg *Migrator) Version() (uint, bool, error) {
	v, dirty, err := mg.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

// Close releases the migrator's source; the database handle stays open.
func (mg *Migrator) Close() error {
	srcErr, _ := mg.m.Close()
	return srcErr
}
