package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "ltm.db"

type Config struct {
	BasePath string
}

func dbPath(basePath string) string {
	if basePath == "" {
		basePath = "."
	}
	return filepath.Join(basePath, defaultDBName)
}

// EnsureDir creates the storage directory if missing.
func EnsureDir(basePath string) (string, error) {
	if basePath == "" {
		basePath = "."
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return "", err
	}
	return basePath, nil
}

// Open opens the SQLite database in WAL mode so several agent processes can share it.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureDir(cfg.BasePath); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath(cfg.BasePath))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer at a time; other processes wait on busy_timeout
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return conn, nil
}

// Path returns the db path for the base path.
func Path(basePath string) string {
	return dbPath(basePath)
}
