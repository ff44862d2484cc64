package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".dealerdesk"
	dbName   = "dealerdesk.db"
	blobDir  = "proofs"
)

type Config struct {
	Workspace string
	// MaxOpenConns caps the pool when positive.
	MaxOpenConns int
}

func root(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir)
}

// EnsureWorkspace creates the state directory and the proof blob directory.
func EnsureWorkspace(workspace string) (string, error) {
	dir := root(workspace)
	if err := os.MkdirAll(filepath.Join(dir, blobDir), 0o755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", dir, err)
	}
	return dir, nil
}

// Open opens the SQLite database with foreign keys and a busy timeout so
// concurrent request transactions wait instead of failing with SQLITE_BUSY.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate", Path(cfg.Workspace))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return conn, nil
}

// Path returns the database file for the workspace.
func Path(workspace string) string {
	return filepath.Join(root(workspace), dbName)
}

// BlobRoot is the default directory for proof files.
func BlobRoot(workspace string) string {
	return filepath.Join(root(workspace), blobDir)
}
