package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ledgerDirMode applies to directories created for the ledger.
const ledgerDirMode = 0o755

// pragmas are applied to every file-backed ledger connection. WAL lets
// status readers open the ledger while a run writes to it; the busy
// timeout covers the checkpoint a reader can trigger.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
}

// StoreConfig locates the ledger database.
type StoreConfig struct {
	// Path is the ledger file, normally <run dir>/ledger.db. ":memory:"
	// opens a private in-memory ledger.
	Path string
}

// buildDSN turns cfg into a driver DSN, creating the parent directory of a
// file-backed ledger.
func buildDSN(cfg StoreConfig) (string, error) {
	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		return "", errors.New("ledger path is required")
	case path == ":memory:":
		return path, nil
	}
	path = filepath.Clean(strings.TrimPrefix(path, "file:"))
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, ledgerDirMode); err != nil {
			return "", fmt.Errorf("create ledger directory: %w", err)
		}
	}
	return "file:" + path, nil
}

// openWith opens the ledger database through the registered driver. The
// pool is pinned to one connection so every state transition is
// serialized.
func openWith(ctx context.Context, driver string, cfg StoreConfig) (*sql.DB, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping ledger: %w", err)
	}
	if dsn == ":memory:" {
		return db, nil
	}
	for _, p := range pragmas {
		// Some pragmas answer with a row, others with nothing.
		rows, err := db.QueryContext(pctx, p)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		_ = rows.Close()
	}
	return db, nil
}
