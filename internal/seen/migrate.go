package seen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/you/gnasty-hub/internal/logging"
)

// schemaVersion is written to PRAGMA user_version once migrate succeeds.
const schemaVersion = 2

type column struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migrate brings an existing viewers table up to the current layout. Older
// databases kept only first_seen and had no uniqueness on (platform, user_id).
func migrate(ctx context.Context, db *sql.DB) error {
	log := logging.With("seen")

	version, err := userVersion(ctx, db)
	if err != nil {
		return errors.Wrap(err, "read user_version")
	}
	log.Debug().Str("path", databasePath(ctx, db)).Int("user_version", version).Msg("seen: sqlite opened")
	if version >= schemaVersion {
		return nil
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	cols, err := tableInfo(ctx, db, "viewers")
	if err != nil {
		return errors.Wrap(err, "describe viewers")
	}

	added := []struct {
		name string
		ddl  string
	}{
		{"username", `ALTER TABLE viewers ADD COLUMN username TEXT NOT NULL DEFAULT '';`},
		{"last_seen", `ALTER TABLE viewers ADD COLUMN last_seen TEXT NOT NULL DEFAULT '';`},
		{"messages", `ALTER TABLE viewers ADD COLUMN messages INTEGER NOT NULL DEFAULT 1;`},
	}
	for _, c := range added {
		if _, ok := cols[c.name]; ok {
			continue
		}
		if _, err := db.ExecContext(ctx, c.ddl); err != nil {
			return errors.Wrapf(err, "add %s column", c.name)
		}
		log.Info().Str("column", c.name).Msg("seen: added column")
	}

	if res, err := db.ExecContext(ctx, `UPDATE viewers SET last_seen = first_seen WHERE last_seen = '';`); err != nil {
		return errors.Wrap(err, "backfill last_seen")
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Info().Int64("rows", n).Msg("seen: backfilled last_seen")
	}

	dedupe := `DELETE FROM viewers
WHERE rowid NOT IN (
  SELECT MIN(rowid) FROM viewers GROUP BY platform, user_id
);`
	if res, err := db.ExecContext(ctx, dedupe); err != nil {
		return errors.Wrap(err, "dedupe viewers")
	} else if n, _ := res.RowsAffected(); n > 0 {
		log.Info().Int64("rows", n).Msg("seen: removed duplicate viewers")
	}

	if _, err := db.ExecContext(ctx, `CREATE UNIQUE INDEX IF NOT EXISTS viewers_uq_platform_user
  ON viewers(platform, user_id);`); err != nil {
		return errors.Wrap(err, "ensure viewers_uq_platform_user")
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, schemaVersion)); err != nil {
		return errors.Wrap(err, "write user_version")
	}
	return nil
}

func userVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func databasePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func tableInfo(ctx context.Context, db *sql.DB, table string) (map[string]column, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]column)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = column{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	return out, rows.Err()
}
