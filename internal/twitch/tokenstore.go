package twitch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"

	"github.com/you/gnasty-hub/internal/secrets"
)

const gamingKey = "gaming"

// TokenStore persists the Twitch token pair as {"gaming": {...}}. Other
// top-level keys in the file are preserved on save.
type TokenStore struct {
	Path string
}

// Load reads the stored tokens. A missing file or a file without the gaming
// section yields an empty record.
func (s TokenStore) Load() (secrets.Twitch, error) {
	path := strings.TrimSpace(s.Path)
	if path == "" {
		return secrets.Twitch{}, errors.New("twitch: token store path is empty")
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return secrets.Twitch{}, nil
	}
	if err != nil {
		return secrets.Twitch{}, fmt.Errorf("twitch: read token store: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return secrets.Twitch{}, nil
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return secrets.Twitch{}, fmt.Errorf("twitch: decode token store: %w", err)
	}
	raw, ok := doc[gamingKey]
	if !ok {
		return secrets.Twitch{}, nil
	}
	var t secrets.Twitch
	if err := json.Unmarshal(raw, &t); err != nil {
		return secrets.Twitch{}, fmt.Errorf("twitch: decode gaming tokens: %w", err)
	}
	t.AccessToken = strings.TrimSpace(t.AccessToken)
	t.RefreshToken = strings.TrimSpace(t.RefreshToken)
	return t, nil
}

// Save atomically replaces the gaming section.
func (s TokenStore) Save(t secrets.Twitch) error {
	path := strings.TrimSpace(s.Path)
	if path == "" {
		return errors.New("twitch: token store path is empty")
	}

	doc := map[string]json.RawMessage{}
	if existing, err := os.ReadFile(path); err == nil && len(strings.TrimSpace(string(existing))) > 0 {
		if err := json.Unmarshal(existing, &doc); err != nil {
			doc = map[string]json.RawMessage{}
		}
	}
	gaming, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("twitch: encode gaming tokens: %w", err)
	}
	doc[gamingKey] = gaming

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("twitch: encode token store: %w", err)
	}
	if err := atomicWrite(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("twitch: write token store: %w", err)
	}
	return nil
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil && !os.IsExist(err) {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	cleanup := func() { _ = os.Remove(tmp) }

	if _, err := f.Write(data); err != nil {
		f.Close()
		cleanup()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		cleanup()
		return err
	}
	if err := f.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmp, mode); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
