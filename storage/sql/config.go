package sql

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/diracgrid/dirac-auth/storage"
)

// Postgres configures a FlowStore backed by PostgreSQL.
type Postgres struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	SSLMode  string `json:"ssl_mode"`
}

func (p Postgres) dsn() string {
	sslMode := p.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		p.Host, p.Port, p.Database, p.User, p.Password, sslMode)
}

// Open opens and pings the database, running schema migration.
func (p Postgres) Open(logger logrus.FieldLogger) (storage.Store, error) {
	db, err := sql.Open("postgres", p.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return open(db, &flavorPostgres, logger)
}

// MySQL configures a FlowStore backed by MySQL/MariaDB.
type MySQL struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
}

func (m MySQL) dsn() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true", m.User, m.Password, m.Host, m.Port, m.Database)
}

func (m MySQL) Open(logger logrus.FieldLogger) (storage.Store, error) {
	db, err := sql.Open("mysql", m.dsn())
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to mysql: %w", err)
	}
	return open(db, &flavorMySQL, logger)
}

// SQLite configures a FlowStore backed by a local SQLite file, intended for
// development and small single-node deployments.
type SQLite struct {
	File string `json:"file"`
}

func (s SQLite) Open(logger logrus.FieldLogger) (storage.Store, error) {
	file := s.File
	if file == "" {
		file = ":memory:"
	}
	db, err := sql.Open("sqlite3", file)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite3: %w", err)
	}
	// SQLite has no real concurrent-writer story; a single connection
	// keeps the exactly-once DELETE semantics honest.
	db.SetMaxOpenConns(1)
	return open(db, &flavorSQLite, logger)
}

// isUniqueViolation reports whether err is a unique/primary-key constraint
// violation, recognizing the distinct error shapes of the three drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || // postgres (lib/pq)
		strings.Contains(msg, "Duplicate entry") || // mysql
		strings.Contains(msg, "UNIQUE constraint failed") // sqlite3
}
