package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Flavor identifies the SQL dialect behind a database URL.
type Flavor string

const (
	FlavorSQLite   Flavor = "sqlite"
	FlavorPostgres Flavor = "postgres"
	FlavorMySQL    Flavor = "mysql"
)

// DetectFlavor inspects a database URL and returns its flavor.
func DetectFlavor(url string) Flavor {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return FlavorPostgres
	case strings.HasPrefix(url, "mysql://"):
		return FlavorMySQL
	default:
		return FlavorSQLite
	}
}

// Open connects to the store identified by url. For sqlite, the parent
// directory is created when missing.
func Open(url string, logger *zap.Logger) (*gorm.DB, error) {
	var dialector gorm.Dialector

	flavor := DetectFlavor(url)
	switch flavor {
	case FlavorPostgres:
		dialector = postgres.Open(url)
	case FlavorMySQL:
		dialector = mysql.Open(strings.TrimPrefix(url, "mysql://"))
	default:
		path := strings.TrimPrefix(url, "file:")
		if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, ":memory:") {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database dir: %w", err)
			}
		}
		dialector = sqlite.Open(url)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database (%s): %w", flavor, err)
	}

	logger.Info("database opened", zap.String("flavor", string(flavor)))
	return db, nil
}
