package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sqliteDriver "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
)

// Service owns the GORM handle for the durable store. SQLite runs in WAL
// mode with synchronous commits and foreign keys enforced; postgres is the
// production-parity alternative behind the same repos.
type Service struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(driver, dsn string, log *logger.Logger) (*Service, error) {
	serviceLog := log.With("service", "DBService")

	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "sqlite"
	}
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		if driver != "sqlite" {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
		dsn = "agentdeck.db"
	}

	cfg := &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Warn),
	}

	var (
		gormDB *gorm.DB
		err    error
	)
	switch driver {
	case "sqlite":
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
		gormDB, err = gorm.Open(sqliteDriver.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if err := configureSQLite(gormDB); err != nil {
			return nil, err
		}
	case "postgres":
		gormDB, err = gorm.Open(postgres.Open(dsn), cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}

	serviceLog.Info("database opened", "driver", driver)
	return &Service{db: gormDB, log: serviceLog}, nil
}

func (s *Service) DB() *gorm.DB { return s.db }

func (s *Service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

// configureSQLite puts the database into WAL mode with fully synchronous
// commits. A crash mid-transaction must roll back cleanly, never tear rows.
func configureSQLite(gormDB *gorm.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, q := range pragmas {
		if err := gormDB.Exec(q).Error; err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	// The WAL file is per-connection state in some drivers; a single writer
	// keeps commit ordering deterministic.
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	return nil
}

func ensureSQLiteDirectory(dsn string) error {
	path, ok := sqliteFilePath(dsn)
	if !ok {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}

func sqliteFilePath(dsn string) (string, bool) {
	raw := strings.TrimSpace(dsn)
	if raw == "" || strings.EqualFold(raw, ":memory:") {
		return "", false
	}
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "file::memory:") {
		return "", false
	}
	raw = strings.TrimPrefix(raw, "file:")
	if i := strings.Index(raw, "?"); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || strings.HasPrefix(raw, ":memory:") {
		return "", false
	}
	return raw, true
}
