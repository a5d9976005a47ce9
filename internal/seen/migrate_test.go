package seen

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/you/gnasty-hub/internal/core"
)

func TestMigrateLegacyViewers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.db")
	ctx := context.Background()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	legacy := `CREATE TABLE viewers (
  platform TEXT NOT NULL,
  user_id TEXT NOT NULL,
  first_seen TEXT NOT NULL
);
INSERT INTO viewers (platform, user_id, first_seen) VALUES
  ('twitch', '42', '2024-01-01T00:00:00Z'),
  ('twitch', '42', '2024-01-02T00:00:00Z'),
  ('youtube', 'UC1', '2024-01-03T00:00:00Z');`
	if _, err := db.Exec(legacy); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_ = db.Close()

	s, err := OpenSQLite(ctx, path, false)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	cols, err := tableInfo(ctx, s.db, "viewers")
	if err != nil {
		t.Fatalf("tableInfo: %v", err)
	}
	for _, name := range []string{"username", "last_seen", "messages"} {
		if _, ok := cols[name]; !ok {
			t.Fatalf("missing column %s after migrate: %v", name, cols)
		}
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM viewers WHERE platform='twitch' AND user_id='42';`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("duplicates left: %d", n)
	}

	v, ok, err := s.Lookup(ctx, core.PlatformTwitch, "42")
	if err != nil || !ok {
		t.Fatalf("Lookup: %v %v", ok, err)
	}
	if v.LastSeen.IsZero() || !v.LastSeen.Equal(v.FirstSeen) {
		t.Fatalf("last_seen not backfilled: %+v", v)
	}

	first, err := s.IsFirstMessage(ctx, core.PlatformTwitch, "42", "bob")
	if err != nil || first {
		t.Fatalf("migrated viewer treated as new: %v %v", first, err)
	}
	first, err = s.IsFirstMessage(ctx, core.PlatformTwitch, "43", "ann")
	if err != nil || !first {
		t.Fatalf("new viewer: %v %v", first, err)
	}

	version, err := userVersion(ctx, s.db)
	if err != nil || version != schemaVersion {
		t.Fatalf("user_version = %d, %v", version, err)
	}
}
