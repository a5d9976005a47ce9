package core

import (
	"fmt"

	"github.com/goccy/go-json"
)

// NewPayload returns a zero payload for t, or nil for unknown types.
func NewPayload(t EventType) Payload {
	switch t {
	case TypeChat:
		return &Chat{}
	case TypeFollow:
		return &Follow{}
	case TypeShare:
		return &Share{}
	case TypeLike:
		return &Like{}
	case TypeMember:
		return &Member{}
	case TypeGift:
		return &Gift{}
	case TypeEnvelope:
		return &Envelope{}
	case TypePaypiggy:
		return &Paypiggy{}
	case TypeGiftPaypiggy:
		return &GiftPaypiggy{}
	case TypeCheer:
		return &Cheer{}
	case TypeRaid:
		return &Raid{}
	case TypeRedemption:
		return &Redemption{}
	case TypeViewerCount:
		return &ViewerCount{}
	case TypeStreamOnline, TypeStreamOffline:
		return &StreamStatus{}
	case TypeStreamDetected:
		return &StreamDetected{}
	case TypeChatConnected:
		return &ChatConnected{}
	case TypeError:
		return &ErrorInfo{}
	}
	return nil
}

// Encode marshals an event for the bus.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode reverses Encode, restoring the concrete payload type.
func Decode(data []byte) (Event, error) {
	var wire struct {
		Platform  Platform        `json:"platform"`
		Type      EventType       `json:"type"`
		Timestamp string          `json:"timestamp"`
		ID        string          `json:"id"`
		UserID    string          `json:"userId"`
		Username  string          `json:"username"`
		Metadata  map[string]any  `json:"metadata"`
		Data      json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Event{}, fmt.Errorf("core: decode event: %w", err)
	}
	ev := Event{
		Platform:  wire.Platform,
		Type:      wire.Type,
		Timestamp: wire.Timestamp,
		ID:        wire.ID,
		UserID:    wire.UserID,
		Username:  wire.Username,
		Metadata:  wire.Metadata,
	}
	p := NewPayload(wire.Type)
	if p == nil {
		return ev, fmt.Errorf("core: decode event: unknown type %q", wire.Type)
	}
	if len(wire.Data) > 0 && string(wire.Data) != "null" {
		if err := json.Unmarshal(wire.Data, p); err != nil {
			return ev, fmt.Errorf("core: decode %s payload: %w", wire.Type, err)
		}
	}
	ev.Data = deref(p)
	if wire.Type == TypeStreamOnline {
		ev.Data = StreamStatus{Online: true}
	}
	return ev, nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Chat:
		return *v
	case *Follow:
		return *v
	case *Share:
		return *v
	case *Like:
		return *v
	case *Member:
		return *v
	case *Gift:
		return *v
	case *Envelope:
		return *v
	case *Paypiggy:
		return *v
	case *GiftPaypiggy:
		return *v
	case *Cheer:
		return *v
	case *Raid:
		return *v
	case *Redemption:
		return *v
	case *ViewerCount:
		return *v
	case *StreamStatus:
		return *v
	case *StreamDetected:
		return *v
	case *ChatConnected:
		return *v
	case *ErrorInfo:
		return *v
	}
	return p
}
