//go:build cgo

package ledger

import (
	"context"
	"database/sql"

	_ "github.com/tursodatabase/go-libsql"
)

// openDB opens the ledger with the libsql driver.
func openDB(ctx context.Context, cfg StoreConfig) (*sql.DB, error) {
	return openWith(ctx, "libsql", cfg)
}
