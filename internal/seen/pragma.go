package seen

import (
	"context"
	"database/sql"
	"errors"

	"github.com/you/gnasty-hub/internal/logging"
)

// ApplyPragmas applies SQLite tuning statements, logging each result.
func ApplyPragmas(ctx context.Context, db *sql.DB) {
	pragmas := []string{
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, pragma := range pragmas {
		if value, err := applyPragma(ctx, db, pragma); err != nil {
			logging.Warn().Err(err).Str("pragma", pragma).Msg("seen: pragma failed")
		} else {
			logging.Debug().Str("pragma", pragma).Interface("value", value).Msg("seen: pragma applied")
		}
	}
}

func applyPragma(ctx context.Context, db *sql.DB, pragma string) (any, error) {
	var value any
	if err := db.QueryRowContext(ctx, pragma).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				return nil, execErr
			}
			return "ok", nil
		}
		return nil, err
	}
	return value, nil
}
