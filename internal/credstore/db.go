package credstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"

	"github.com/f2dev/otpkeeper/internal/common"
	"github.com/f2dev/otpkeeper/internal/credstore/migrations"
)

// RunMigrations brings the clients schema up to date on db. It is applied
// to the central store at startup and to each freshly provisioned
// client-local store.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("%w: migrations failed: %v", common.ErrStorage, err)
	}
	return nil
}

// OpenDatabase opens (creating if necessary) the SQLite database at dsn and
// runs the schema migrations. The caller owns the returned handle.
func OpenDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrStorage, err)
	}

	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
