// Package seen remembers which chatters have already spoken so the display
// queue can greet first-time chatters once.
package seen

import (
	"context"
	"strings"
	"sync"

	"github.com/you/gnasty-hub/internal/core"
)

// Tracker reports whether a message is a user's first.
type Tracker interface {
	// IsFirstMessage records a message from userID and reports whether it
	// is the first one seen for that user on platform.
	IsFirstMessage(ctx context.Context, platform core.Platform, userID, username string) (bool, error)
}

func key(platform core.Platform, userID string) string {
	return string(platform) + "\x00" + strings.TrimSpace(userID)
}

// Memory is a session-scoped Tracker.
type Memory struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemory returns an empty in-memory tracker.
func NewMemory() *Memory {
	return &Memory{seen: make(map[string]struct{})}
}

func (m *Memory) IsFirstMessage(_ context.Context, platform core.Platform, userID, _ string) (bool, error) {
	if strings.TrimSpace(userID) == "" {
		return false, nil
	}
	k := key(platform, userID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[k]; ok {
		return false, nil
	}
	m.seen[k] = struct{}{}
	return true, nil
}

// Reset forgets every user.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.seen = make(map[string]struct{})
	m.mu.Unlock()
}
