package twitch

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/you/gnasty-hub/internal/secrets"
)

func TestWatchTokenStoreReloads(t *testing.T) {
	store := TokenStore{Path: filepath.Join(t.TempDir(), "tokens.json")}
	if err := store.Save(secrets.Twitch{AccessToken: "first", RefreshToken: "r"}); err != nil {
		t.Fatal(err)
	}
	sec := secrets.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan secrets.Twitch, 4)
	done := make(chan error, 1)
	go func() {
		done <- WatchTokenStore(ctx, store, sec, func(t secrets.Twitch) { reloaded <- t })
	}()

	want := secrets.Twitch{AccessToken: "second", RefreshToken: "r2", ExpiresAt: 42}
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		// Keep writing until the watcher is up and reports the change.
		if err := store.Save(want); err != nil {
			t.Fatal(err)
		}
		select {
		case got := <-reloaded:
			if got != want {
				t.Fatalf("reloaded %+v, want %+v", got, want)
			}
			if sec.Snapshot().Twitch != want {
				t.Fatalf("secrets = %+v", sec.Snapshot().Twitch)
			}
			cancel()
			if err := <-done; err != context.Canceled {
				t.Fatalf("WatchTokenStore returned %v", err)
			}
			return
		case <-tick.C:
		case <-deadline:
			t.Fatal("token store change not picked up")
		}
	}
}
