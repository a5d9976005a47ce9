// Package core defines the canonical event model every platform adapter
// produces and every consumer reads.
package core

import (
	"errors"
	"fmt"
	"time"
)

// Platform identifies an upstream live-stream platform.
type Platform string

const (
	PlatformTikTok  Platform = "tiktok"
	PlatformTwitch  Platform = "twitch"
	PlatformYouTube Platform = "youtube"
)

// Platforms lists every supported platform.
var Platforms = []Platform{PlatformTikTok, PlatformTwitch, PlatformYouTube}

func (p Platform) Valid() bool {
	switch p {
	case PlatformTikTok, PlatformTwitch, PlatformYouTube:
		return true
	}
	return false
}

// EventType is the canonical event discriminator.
type EventType string

const (
	TypeChat           EventType = "chat"
	TypeFollow         EventType = "follow"
	TypeShare          EventType = "share"
	TypeLike           EventType = "like"
	TypeMember         EventType = "member"
	TypeGift           EventType = "gift"
	TypeEnvelope       EventType = "envelope"
	TypePaypiggy       EventType = "paypiggy"
	TypeGiftPaypiggy   EventType = "giftpaypiggy"
	TypeCheer          EventType = "cheer"
	TypeRaid           EventType = "raid"
	TypeRedemption     EventType = "redemption"
	TypeViewerCount    EventType = "viewer-count"
	TypeStreamOnline   EventType = "stream-online"
	TypeStreamOffline  EventType = "stream-offline"
	TypeStreamDetected EventType = "stream-detected"
	TypeChatConnected  EventType = "chat-connected"
	TypeError          EventType = "error"
)

// IsMonetization reports whether events of type t carry money or gifts.
func (t EventType) IsMonetization() bool {
	switch t {
	case TypeGift, TypeEnvelope, TypePaypiggy, TypeGiftPaypiggy, TypeCheer:
		return true
	}
	return false
}

// Event is the canonical event. Timestamp is an ISO-8601 UTC string and is
// always present. Data holds the type-specific payload.
type Event struct {
	Platform  Platform       `json:"platform"`
	Type      EventType      `json:"type"`
	Timestamp string         `json:"timestamp"`
	ID        string         `json:"id,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Username  string         `json:"username,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Data      Payload        `json:"data"`
}

// MetaCorrelationID is the metadata key carrying a correlation id.
const MetaCorrelationID = "correlationId"

var (
	ErrMissingTimestamp = errors.New("core: event timestamp is required")
	ErrPayloadMismatch  = errors.New("core: payload does not match event type")
)

// Validate checks the structural invariants of e.
func (e Event) Validate() error {
	if !e.Platform.Valid() {
		return fmt.Errorf("core: unknown platform %q", e.Platform)
	}
	if e.Timestamp == "" {
		return ErrMissingTimestamp
	}
	if _, err := time.Parse(time.RFC3339Nano, e.Timestamp); err != nil {
		return fmt.Errorf("core: invalid timestamp %q: %w", e.Timestamp, err)
	}
	if e.Data == nil || e.Data.EventType() != e.Type {
		return fmt.Errorf("%w: %s", ErrPayloadMismatch, e.Type)
	}
	return nil
}

// Time parses the event timestamp.
func (e Event) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.Timestamp)
}

// CorrelationID returns the metadata correlation id, if any.
func (e Event) CorrelationID() string {
	if e.Metadata == nil {
		return ""
	}
	s, _ := e.Metadata[MetaCorrelationID].(string)
	return s
}
