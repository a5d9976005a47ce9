package seen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/you/gnasty-hub/internal/core"
)

const schema = `CREATE TABLE IF NOT EXISTS viewers (
  platform TEXT NOT NULL,
  user_id TEXT NOT NULL,
  username TEXT NOT NULL DEFAULT '',
  first_seen TEXT NOT NULL,
  last_seen TEXT NOT NULL,
  messages INTEGER NOT NULL DEFAULT 1,
  PRIMARY KEY (platform, user_id)
);`

// SQLite is a Tracker that persists across restarts, so greetings go to
// genuinely new chatters only.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the viewer database at path.
func OpenSQLite(ctx context.Context, path string, tuning bool) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	if tuning {
		ApplyPragmas(ctx, db)
	}
	return &SQLite{db: db, now: time.Now}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLite) String() string { return fmt.Sprintf("seen.SQLite{%p}", s.db) }

func (s *SQLite) IsFirstMessage(ctx context.Context, platform core.Platform, userID, username string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, nil
	}
	ts := s.now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, `INSERT INTO viewers (platform, user_id, username, first_seen, last_seen)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(platform, user_id) DO NOTHING;`, string(platform), userID, username, ts, ts)
	if err != nil {
		return false, errors.Wrap(err, "insert viewer")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	if n == 1 {
		return true, nil
	}

	_, err = s.db.ExecContext(ctx, `UPDATE viewers SET last_seen = ?, username = ?, messages = messages + 1
WHERE platform = ? AND user_id = ?;`, ts, username, string(platform), userID)
	return false, errors.Wrap(err, "touch viewer")
}

// Viewer is one stored row.
type Viewer struct {
	Platform  core.Platform
	UserID    string
	Username  string
	FirstSeen time.Time
	LastSeen  time.Time
	Messages  int64
}

// Lookup returns the stored row for a user.
func (s *SQLite) Lookup(ctx context.Context, platform core.Platform, userID string) (Viewer, bool, error) {
	var (
		v           Viewer
		first, last string
		p           string
	)
	err := s.db.QueryRowContext(ctx, `SELECT platform, user_id, username, first_seen, last_seen, messages
FROM viewers WHERE platform = ? AND user_id = ?;`, string(platform), userID).
		Scan(&p, &v.UserID, &v.Username, &first, &last, &v.Messages)
	if errors.Is(err, sql.ErrNoRows) {
		return Viewer{}, false, nil
	}
	if err != nil {
		return Viewer{}, false, errors.Wrap(err, "lookup viewer")
	}
	v.Platform = core.Platform(p)
	v.FirstSeen, _ = time.Parse(time.RFC3339Nano, first)
	v.LastSeen, _ = time.Parse(time.RFC3339Nano, last)
	return v, true, nil
}
