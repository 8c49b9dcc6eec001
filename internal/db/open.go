package db

import (
	"context"
	"fmt"

	"github.com/xtrntr/cryptodesk/internal/ledger"
)

// Open connects the ledger selected by driver and brings its schema up to date.
func Open(ctx context.Context, driver, dsn string) (ledger.Store, error) {
	switch driver {
	case "postgres":
		pg, err := NewDB(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	case "sqlite":
		return NewSQLite(ctx, dsn)
	}
	return nil, fmt.Errorf("unknown database driver %q", driver)
}
