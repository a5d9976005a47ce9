package normalize

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/you/gnasty-hub/internal/core"
)

var received = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestChatRequiresTimestamp(t *testing.T) {
	_, err := Chat(core.PlatformTwitch, ChatInput{UserID: "1", Username: "a", Message: "hi"})
	if !errors.Is(err, ErrMissingTimestamp) {
		t.Fatalf("expected ErrMissingTimestamp, got %v", err)
	}
	ev, err := Chat(core.PlatformTwitch, ChatInput{UserID: "1", Username: "a", Message: " hi ", Timestamp: received})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if ev.Timestamp != "2024-06-01T12:00:00.000Z" {
		t.Fatalf("unexpected timestamp %q", ev.Timestamp)
	}
	if ev.Data.(core.Chat).Message != "hi" {
		t.Fatalf("message not trimmed")
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("built event invalid: %v", err)
	}
}

func TestViewerCount(t *testing.T) {
	for _, in := range []any{42, 42.0, "42", " 42 "} {
		ev, err := ViewerCount(core.PlatformTikTok, in, received)
		if err != nil {
			t.Fatalf("ViewerCount(%v): %v", in, err)
		}
		if ev.Data.(core.ViewerCount).Count != 42 {
			t.Fatalf("ViewerCount(%v) = %+v", in, ev.Data)
		}
	}
	for _, in := range []any{"lots", nil, math.NaN(), math.Inf(1), -3, true} {
		if _, err := ViewerCount(core.PlatformTikTok, in, received); !errors.Is(err, ErrInvalidViewerCount) {
			t.Fatalf("ViewerCount(%v) expected rejection, got %v", in, err)
		}
	}
}

func TestGiftDefaults(t *testing.T) {
	ev, err := Gift(core.PlatformTikTok, GiftInput{
		UserID:     "u1",
		Username:   "alice",
		GiftType:   " Rose ",
		GiftCount:  3,
		UnitAmount: 2,
		Currency:   " coins ",
		Timestamp:  received,
	})
	if err != nil {
		t.Fatalf("gift: %v", err)
	}
	g := ev.Data.(core.Gift)
	if g.Amount != 6 || g.Currency != "coins" || g.GiftType != "Rose" {
		t.Fatalf("unexpected gift %+v", g)
	}
}

func TestTikTokChat(t *testing.T) {
	data := map[string]any{
		"comment": "hello world",
		"user":    map[string]any{"userId": "123", "uniqueId": "alice"},
	}
	evs, err := TikTok("chat", data, received)
	if err != nil || len(evs) != 1 {
		t.Fatalf("got %v %v", evs, err)
	}
	ev := evs[0]
	if ev.UserID != "123" || ev.Username != "alice" || ev.Data.(core.Chat).Message != "hello world" {
		t.Fatalf("unexpected chat %+v", ev)
	}
	if ev.Timestamp != "2024-06-01T12:00:00.000Z" {
		t.Fatalf("receipt time not used: %s", ev.Timestamp)
	}

	data["createTime"] = "1717243200500"
	evs, _ = TikTok("chat", data, received)
	if evs[0].Timestamp != "2024-06-01T12:00:00.500Z" {
		t.Fatalf("createTime not used: %s", evs[0].Timestamp)
	}
}

func TestTikTokSocial(t *testing.T) {
	share := map[string]any{"displayType": "pm_mt_msg_viewer_share", "user": map[string]any{"userId": "1"}}
	evs, _ := TikTok("social", share, received)
	if len(evs) != 1 || evs[0].Type != core.TypeShare {
		t.Fatalf("share social should become share, got %+v", evs)
	}

	follow := map[string]any{"displayText": map[string]any{"defaultPattern": "{0:user} followed the LIVE creator"}}
	if !IsTikTokFollow(follow) || IsTikTokShare(follow) {
		t.Fatalf("follow detection failed")
	}
	evs, _ = TikTok("social", follow, received)
	if len(evs) != 0 {
		t.Fatalf("follow social must not produce share events: %+v", evs)
	}
	evs, _ = TikTok("follow", follow, received)
	if len(evs) != 1 || evs[0].Type != core.TypeFollow {
		t.Fatalf("follow kind should produce follow, got %+v", evs)
	}
	if IsTikTokFollow(map[string]any{"actionType": "x", "label": "followed"}) {
		t.Fatalf("social with actionType is never a follow")
	}
}

func TestTikTokGiftAndViewers(t *testing.T) {
	evs, err := TikTok("gift", map[string]any{
		"giftName":     "Rose",
		"repeatCount":  4,
		"diamondCount": 1,
		"user":         map[string]any{"userId": "u1", "nickname": "Alice"},
	}, received)
	if err != nil || len(evs) != 1 {
		t.Fatalf("gift: %v %v", evs, err)
	}
	g := evs[0].Data.(core.Gift)
	if g.GiftCount != 4 || g.Amount != 4 || g.Currency != TikTokCoinCurrency || evs[0].Username != "Alice" {
		t.Fatalf("unexpected gift %+v", evs[0])
	}
	if evs[0].ID == "" {
		t.Fatalf("gift without msgId needs a fallback id")
	}

	if _, err := TikTok("roomUser", map[string]any{"viewerCount": "abc"}, received); err == nil {
		t.Fatalf("non-numeric viewer count must fail")
	}
	if evs, _ := TikTok("connected", nil, received); len(evs) != 0 {
		t.Fatalf("lifecycle kinds produce no events")
	}
}

func TestEventSubChat(t *testing.T) {
	raw := json.RawMessage(`{
		"chatter_user_id": "42",
		"chatter_user_login": "bob",
		"chatter_user_name": "Bob",
		"message_id": "m1",
		"message": {"text": "hey chat"},
		"color": "#FF0000",
		"badges": [{"set_id": "moderator"}, {"set_id": "subscriber"}]
	}`)
	evs, err := EventSub(SubChatMessage, raw, received)
	if err != nil || len(evs) != 1 {
		t.Fatalf("chat: %v %v", evs, err)
	}
	c := evs[0].Data.(core.Chat)
	if c.Message != "hey chat" || !c.IsMod || !c.IsSubscriber || c.IsBroadcaster {
		t.Fatalf("unexpected chat %+v", c)
	}
	if evs[0].Username != "Bob" || evs[0].ID != "m1" {
		t.Fatalf("unexpected envelope %+v", evs[0])
	}
}

func TestEventSubOthers(t *testing.T) {
	cases := []struct {
		sub  string
		raw  string
		want core.EventType
	}{
		{SubFollow, `{"user_id":"1","user_name":"A"}`, core.TypeFollow},
		{SubSubscribe, `{"user_id":"1","tier":"1000"}`, core.TypePaypiggy},
		{SubSubscriptionMessage, `{"user_id":"1","cumulative_months":3,"message":{"text":"yo"}}`, core.TypePaypiggy},
		{SubSubscriptionGift, `{"user_id":"1","total":5}`, core.TypeGiftPaypiggy},
		{SubCheer, `{"user_id":"1","bits":100,"message":"cheer100"}`, core.TypeCheer},
		{SubRaid, `{"from_broadcaster_user_id":"9","from_broadcaster_user_name":"R","viewers":12}`, core.TypeRaid},
		{SubStreamOnline, `{"id":"s1"}`, core.TypeStreamOnline},
		{SubStreamOffline, `{}`, core.TypeStreamOffline},
		{SubRedemptionAdd, `{"user_id":"1","reward":{"title":"Hydrate","cost":50}}`, core.TypeRedemption},
	}
	for _, tc := range cases {
		t.Run(tc.sub, func(t *testing.T) {
			evs, err := EventSub(tc.sub, json.RawMessage(tc.raw), received)
			if err != nil || len(evs) != 1 {
				t.Fatalf("got %v %v", evs, err)
			}
			if evs[0].Type != tc.want {
				t.Fatalf("type = %s, want %s", evs[0].Type, tc.want)
			}
		})
	}

	evs, _ := EventSub(SubRaid, json.RawMessage(`{"from_broadcaster_user_id":"9","viewers":12}`), received)
	if evs[0].Data.(core.Raid).ViewerCount != 12 || evs[0].UserID != "9" {
		t.Fatalf("raid fields lost: %+v", evs[0])
	}
	evs, _ = EventSub(SubCheer, json.RawMessage(`{"bits":100,"message":"cheer100"}`), received)
	if evs[0].Data.(core.Cheer).Message != "cheer100" {
		t.Fatalf("bare string message lost")
	}
	if evs, _ := EventSub("channel.unknown", nil, received); len(evs) != 0 {
		t.Fatalf("unknown subscription types produce no events")
	}
	if _, err := EventSub(SubFollow, json.RawMessage(`{`), received); err == nil {
		t.Fatalf("malformed json must fail")
	}
}

func ytAction(renderer string, body map[string]any) map[string]any {
	return map[string]any{
		"addChatItemAction": map[string]any{
			"item": map[string]any{renderer: body},
		},
	}
}

func TestYouTubeChat(t *testing.T) {
	action := ytAction("liveChatTextMessageRenderer", map[string]any{
		"id":                      "yt1",
		"authorExternalChannelId": "UC1",
		"authorName":              map[string]any{"simpleText": "@carol"},
		"message":                 map[string]any{"runs": []any{map[string]any{"text": "hi "}, map[string]any{"text": "there"}}},
		"timestampUsec":           "1717243200000000",
		"authorBadges": []any{map[string]any{"liveChatAuthorBadgeRenderer": map[string]any{
			"icon":    map[string]any{"iconType": "MODERATOR"},
			"tooltip": "Moderator",
		}}},
	})
	evs, err := YouTube(action, received.Add(time.Hour))
	if err != nil || len(evs) != 1 {
		t.Fatalf("chat: %v %v", evs, err)
	}
	c := evs[0].Data.(core.Chat)
	if c.Message != "hi there" || !c.IsMod || evs[0].Username != "@carol" {
		t.Fatalf("unexpected chat %+v %+v", evs[0], c)
	}
	if evs[0].Timestamp != "2024-06-01T12:00:00.000Z" {
		t.Fatalf("timestampUsec not used: %s", evs[0].Timestamp)
	}
}

func TestYouTubeSuperChat(t *testing.T) {
	action := ytAction("liveChatPaidMessageRenderer", map[string]any{
		"id":                 "sc1",
		"authorName":         map[string]any{"simpleText": "dave"},
		"purchaseAmountText": map[string]any{"simpleText": "TRY 219.99"},
	})
	evs, err := YouTube(action, received)
	if err != nil || len(evs) != 1 {
		t.Fatalf("superchat: %v %v", evs, err)
	}
	g := evs[0].Data.(core.Gift)
	if g.Amount != 219.99 || g.Currency != "TRY" || g.GiftType != "superchat" || g.GiftCount != 1 {
		t.Fatalf("unexpected gift %+v", g)
	}

	zero := ytAction("liveChatPaidMessageRenderer", map[string]any{
		"purchaseAmountText": map[string]any{"simpleText": "$0.00"},
	})
	if evs, err := YouTube(zero, received); err != nil || len(evs) != 0 {
		t.Fatalf("zero amount should be filtered, got %v %v", evs, err)
	}

	bad := ytAction("liveChatPaidMessageRenderer", map[string]any{
		"purchaseAmountText": map[string]any{"simpleText": "lots of money"},
	})
	if _, err := YouTube(bad, received); !errors.Is(err, ErrUnparseableAmount) {
		t.Fatalf("expected ErrUnparseableAmount, got %v", err)
	}
}

func TestYouTubeSuppressedAndMemberships(t *testing.T) {
	for _, key := range suppressedYouTubeActions {
		if evs, err := YouTube(map[string]any{key: map[string]any{}}, received); err != nil || len(evs) != 0 {
			t.Fatalf("%s should be suppressed", key)
		}
	}

	gift := ytAction("liveChatSponsorshipsGiftPurchaseAnnouncementRenderer", map[string]any{
		"id": "g1",
		"header": map[string]any{"liveChatSponsorshipsHeaderRenderer": map[string]any{
			"authorName":  map[string]any{"simpleText": "erin"},
			"primaryText": map[string]any{"runs": []any{map[string]any{"text": "Gifted 5 memberships"}}},
		}},
	})
	evs, err := YouTube(gift, received)
	if err != nil || len(evs) != 1 || evs[0].Data.(core.GiftPaypiggy).GiftCount != 5 {
		t.Fatalf("gift memberships: %+v %v", evs, err)
	}

	member := ytAction("liveChatMembershipItemRenderer", map[string]any{
		"authorName":        map[string]any{"simpleText": "frank"},
		"headerPrimaryText": map[string]any{"runs": []any{map[string]any{"text": "Member for 6 months"}}},
	})
	evs, err = YouTube(member, received)
	if err != nil || len(evs) != 1 || evs[0].Data.(core.Paypiggy).Months != 6 {
		t.Fatalf("membership: %+v %v", evs, err)
	}
}
