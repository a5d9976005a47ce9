package twitch

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/secrets"
)

const watchDebounce = 250 * time.Millisecond

// WatchTokenStore reloads the token store into sec whenever the file changes
// on disk, for example after `hub auth` runs in another process. It blocks
// until ctx ends. onReload, when set, is called after each successful reload.
func WatchTokenStore(ctx context.Context, store TokenStore, sec *secrets.Store, onReload func(secrets.Twitch)) error {
	log := logging.With("twitch-watch")
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: atomic saves replace the file.
	dir := filepath.Dir(store.Path)
	name := filepath.Clean(store.Path)
	if err := w.Add(dir); err != nil {
		return err
	}

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(watchDebounce)
			}
		case <-debounce.C:
			t, err := store.Load()
			if err != nil {
				log.Error().Err(err).Msg("token store reload failed")
				continue
			}
			if t.AccessToken == "" {
				continue
			}
			current := sec.Snapshot().Twitch
			if current == t {
				continue
			}
			sec.SetTwitchTokens(t)
			log.Info().Str("access_token", logging.TokenPrefix(t.AccessToken)).Msg("reloaded tokens from disk")
			if onReload != nil {
				onReload(t)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("watch error")
		}
	}
}
