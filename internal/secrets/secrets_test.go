package secrets

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestSnapshotIsCopy(t *testing.T) {
	s := New()
	s.InitializeStatic(Static{TwitchClientID: " cid ", TwitchClientSecret: "secret"})
	s.SetTwitchTokens(Twitch{AccessToken: "access", RefreshToken: "refresh", ExpiresAt: 42})

	snap := s.Snapshot()
	snap.Twitch.AccessToken = "mutated"

	again := s.Snapshot()
	if again.Twitch.AccessToken != "access" {
		t.Fatalf("snapshot mutation leaked into store")
	}
	if again.TwitchClientID != "cid" {
		t.Fatalf("client id not trimmed: %q", again.TwitchClientID)
	}
	if !s.TwitchAuthReady() {
		t.Fatalf("expected auth ready")
	}
}

func TestSetTwitchTokensKeepsRefreshToken(t *testing.T) {
	s := New()
	s.SetTwitchTokens(Twitch{AccessToken: "a1", RefreshToken: "r1"})
	s.SetTwitchTokens(Twitch{AccessToken: "a2"})
	if got := s.Snapshot().Twitch; got.AccessToken != "a2" || got.RefreshToken != "r1" {
		t.Fatalf("unexpected tokens %+v", got)
	}
	s.ResetForTesting()
	if s.TwitchAuthReady() {
		t.Fatalf("reset store should not be ready")
	}
}

func TestRecordLogRedacts(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	rec := Record{
		Static: Static{TwitchClientID: "cid", TwitchClientSecret: "topsecretvalue"},
		Twitch: Twitch{AccessToken: "abcdefghijklmnop", RefreshToken: "refreshvalue"},
	}
	l.Info().Object("secrets", rec).Msg("loaded")
	out := buf.String()
	for _, leaked := range []string{"topsecretvalue", "abcdefghijklmnop", "refreshvalue"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("log output leaked %q: %s", leaked, out)
		}
	}
	if !strings.Contains(out, "abcdef") {
		t.Fatalf("expected token prefix in %s", out)
	}
}
