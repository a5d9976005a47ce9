// Package secrets holds the process-wide credential record. There is exactly
// one writer per field group: static credentials are set once at startup and
// Twitch tokens are only written by the OAuth flow, the refresh manager and
// the token-store watcher.
package secrets

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/logging"
)

// Twitch is the user token pair. ExpiresAt is epoch milliseconds.
type Twitch struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
}

// Static are credentials taken from configuration.
type Static struct {
	TwitchClientID     string
	TwitchClientSecret string
	TikTokAPIKey       string
}

// Record is an immutable snapshot of every secret.
type Record struct {
	Static
	Twitch Twitch
}

// MarshalZerologObject logs the record without exposing values.
func (r Record) MarshalZerologObject(e *zerolog.Event) {
	e.Str("twitch_client_id", r.TwitchClientID).
		Bool("twitch_client_secret", r.TwitchClientSecret != "").
		Bool("tiktok_api_key", r.TikTokAPIKey != "").
		Str("twitch_access_token", logging.TokenPrefix(r.Twitch.AccessToken)).
		Bool("twitch_refresh_token", r.Twitch.RefreshToken != "").
		Int64("twitch_expires_at", r.Twitch.ExpiresAt)
}

// Store guards the secrets record.
type Store struct {
	mu  sync.RWMutex
	rec Record
}

// New returns an empty store.
func New() *Store { return &Store{} }

// InitializeStatic installs configuration credentials.
func (s *Store) InitializeStatic(st Static) {
	st.TwitchClientID = strings.TrimSpace(st.TwitchClientID)
	st.TwitchClientSecret = strings.TrimSpace(st.TwitchClientSecret)
	st.TikTokAPIKey = strings.TrimSpace(st.TikTokAPIKey)
	s.mu.Lock()
	s.rec.Static = st
	s.mu.Unlock()
}

// Snapshot returns a copy of the current record.
func (s *Store) Snapshot() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rec
}

// SetTwitchTokens replaces the Twitch token pair. An empty refresh token
// keeps the previous one, matching providers that omit it on refresh.
func (s *Store) SetTwitchTokens(t Twitch) {
	t.AccessToken = strings.TrimSpace(t.AccessToken)
	t.RefreshToken = strings.TrimSpace(t.RefreshToken)
	s.mu.Lock()
	if t.RefreshToken == "" {
		t.RefreshToken = s.rec.Twitch.RefreshToken
	}
	s.rec.Twitch = t
	s.mu.Unlock()
}

// TwitchAuthReady reports whether an access token and client id are present.
func (s *Store) TwitchAuthReady() bool {
	r := s.Snapshot()
	return r.Twitch.AccessToken != "" && r.TwitchClientID != ""
}

// ResetForTesting clears every field.
func (s *Store) ResetForTesting() {
	s.mu.Lock()
	s.rec = Record{}
	s.mu.Unlock()
}
