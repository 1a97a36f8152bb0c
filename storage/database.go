package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite = "sqlite3"
	DriverMySQL  = "mysql"
)

type Database struct {
	db     *sql.DB
	driver string
}

// NewDatabase opens the audit database. driver is sqlite3 (dsn is a file
// path) or mysql (dsn is a go-sql-driver DSN).
func NewDatabase(driver, dsn string) (*Database, error) {
	var (
		db  *sql.DB
		err error
	)

	switch driver {
	case DriverSQLite:
		dbDir := filepath.Dir(dsn)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err = sql.Open(DriverSQLite, dsn+"?_journal_mode=WAL&_timeout=5000")
	case DriverMySQL:
		cfg, perr := mysql.ParseDSN(dsn)
		if perr != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", perr)
		}
		cfg.ParseTime = true
		cfg.Loc = time.UTC
		db, err = sql.Open(DriverMySQL, cfg.FormatDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	database := &Database{db: db, driver: driver}

	if err := database.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return database, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) DB() *sql.DB {
	return d.db
}

func (d *Database) Driver() string {
	return d.driver
}

// Ping is used by the health monitor.
func (d *Database) Ping() error {
	return d.db.Ping()
}

type migration struct {
	version int
	sqlite  string
	mysql   string
}

var migrations = []migration{
	{1,
		`CREATE TABLE IF NOT EXISTS admin_audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			action TEXT NOT NULL,
			resource TEXT NOT NULL,
			details TEXT DEFAULT '{}',
			result TEXT NOT NULL,
			error_message TEXT DEFAULT '',
			ip_address TEXT DEFAULT '',
			user_agent TEXT DEFAULT '',
			trace_id TEXT DEFAULT '',
			timestamp DATETIME NOT NULL,
			duration_ms INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS admin_audit_log (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			action VARCHAR(64) NOT NULL,
			resource VARCHAR(255) NOT NULL,
			details TEXT,
			result VARCHAR(32) NOT NULL,
			error_message TEXT,
			ip_address VARCHAR(64) DEFAULT '',
			user_agent VARCHAR(512) DEFAULT '',
			trace_id VARCHAR(64) DEFAULT '',
			timestamp DATETIME(6) NOT NULL,
			duration_ms BIGINT DEFAULT 0
		)`},
	{2,
		`CREATE INDEX IF NOT EXISTS idx_admin_audit_action ON admin_audit_log(action)`,
		`CREATE INDEX idx_admin_audit_action ON admin_audit_log(action)`},
	{3,
		`CREATE INDEX IF NOT EXISTS idx_admin_audit_timestamp ON admin_audit_log(timestamp)`,
		`CREATE INDEX idx_admin_audit_timestamp ON admin_audit_log(timestamp)`},
	{4,
		`CREATE INDEX IF NOT EXISTS idx_admin_audit_result ON admin_audit_log(result)`,
		`CREATE INDEX idx_admin_audit_result ON admin_audit_log(result)`},
}

func (d *Database) migrate() error {
	_, err := d.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := d.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if count > 0 {
			continue
		}

		stmt := m.sqlite
		if d.driver == DriverMySQL {
			stmt = m.mysql
		}
		if _, err := d.db.Exec(stmt); err != nil && !isDuplicateSchemaError(err) {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}

		_, err = d.db.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.version, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
	}

	return nil
}

// isDuplicateSchemaError matches objects created by an earlier run that
// was interrupted before the migration was recorded.
func isDuplicateSchemaError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column name") ||
		strings.Contains(msg, "duplicate key name") ||
		strings.Contains(msg, "already exists")
}
