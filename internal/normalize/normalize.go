// Package normalize turns platform payloads into canonical core events.
//
// Builders never invent a timestamp: callers pass the platform timestamp or
// their own receipt time, and a zero time is rejected.
package normalize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/you/gnasty-hub/internal/clock"
	"github.com/you/gnasty-hub/internal/core"
)

var (
	ErrMissingTimestamp   = core.ErrMissingTimestamp
	ErrInvalidViewerCount = errors.New("normalize: viewer count must be numeric")
	ErrMissingMessage     = errors.New("normalize: chat message is empty")
)

func newEvent(p core.Platform, data core.Payload, ts time.Time, userID, username, id string) (core.Event, error) {
	if ts.IsZero() {
		return core.Event{}, fmt.Errorf("%w (%s %s)", ErrMissingTimestamp, p, data.EventType())
	}
	return core.Event{
		Platform:  p,
		Type:      data.EventType(),
		Timestamp: clock.FormatTimestamp(ts),
		ID:        id,
		UserID:    strings.TrimSpace(userID),
		Username:  strings.TrimSpace(username),
		Data:      data,
	}, nil
}

// ChatInput is the platform-neutral input for Chat.
type ChatInput struct {
	ID            string
	UserID        string
	Username      string
	Message       string
	Timestamp     time.Time
	IsMod         bool
	IsSubscriber  bool
	IsBroadcaster bool
	Badges        []string
	Colour        string
}

// Chat builds a chat event.
func Chat(p core.Platform, in ChatInput) (core.Event, error) {
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return core.Event{}, ErrMissingMessage
	}
	return newEvent(p, core.Chat{
		Message:       msg,
		IsMod:         in.IsMod,
		IsSubscriber:  in.IsSubscriber,
		IsBroadcaster: in.IsBroadcaster,
		Badges:        in.Badges,
		Colour:        in.Colour,
	}, in.Timestamp, in.UserID, in.Username, in.ID)
}

// ViewerCount builds a viewer-count event from a number or numeric string.
func ViewerCount(p core.Platform, count any, ts time.Time) (core.Event, error) {
	f, ok := toFloat(count)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return core.Event{}, fmt.Errorf("%w: %v", ErrInvalidViewerCount, count)
	}
	return newEvent(p, core.ViewerCount{Count: int(f)}, ts, "", "", "")
}

// GiftInput is the platform-neutral input for Gift.
type GiftInput struct {
	ID         string
	UserID     string
	Username   string
	GiftType   string
	GiftCount  int
	UnitAmount float64
	Amount     float64
	Currency   string
	Message    string
	SourceType string
	Timestamp  time.Time
	Original   map[string]any
}

// Gift builds a gift event. GiftCount defaults to 1 and Amount defaults to
// UnitAmount * GiftCount.
func Gift(p core.Platform, in GiftInput) (core.Event, error) {
	count := in.GiftCount
	if count <= 0 {
		count = 1
	}
	amount := in.Amount
	if amount == 0 {
		amount = in.UnitAmount * float64(count)
	}
	return newEvent(p, core.Gift{
		GiftType:   strings.TrimSpace(in.GiftType),
		GiftCount:  count,
		UnitAmount: in.UnitAmount,
		Amount:     amount,
		Currency:   strings.TrimSpace(in.Currency),
		Message:    strings.TrimSpace(in.Message),
		SourceType: in.SourceType,
		Original:   in.Original,
	}, in.Timestamp, in.UserID, in.Username, in.ID)
}

// Simple builds an event whose payload needs no normalization.
func Simple(p core.Platform, data core.Payload, ts time.Time, userID, username, id string) (core.Event, error) {
	return newEvent(p, data, ts, userID, username, id)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
