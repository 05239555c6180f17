//go:build !cgo

package ledger

import (
	"context"
	"database/sql"

	sqlite "modernc.org/sqlite"
)

const driverName = "heascreen-sqlite"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

// openDB opens the ledger with the pure-Go SQLite driver.
func openDB(ctx context.Context, cfg StoreConfig) (*sql.DB, error) {
	return openWith(ctx, driverName, cfg)
}
