package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/currency"
)

// ErrUnparseableAmount is returned for paid messages whose amount text could
// not be read.
var ErrUnparseableAmount = errors.New("normalize: unparseable purchase amount")

var suppressedYouTubeActions = []string{
	"removeChatItemAction",
	"removeChatItemByAuthorAction",
	"markChatItemsByAuthorAsDeletedAction",
	"markChatItemAsDeletedAction",
}

var giftCountRe = regexp.MustCompile(`\d+`)

// YouTube converts one live-chat action. Moderation actions, engagement
// banners and zero-amount paid messages yield no events.
func YouTube(action map[string]any, receivedAt time.Time) ([]core.Event, error) {
	for _, key := range suppressedYouTubeActions {
		if _, ok := action[key]; ok {
			return nil, nil
		}
	}
	item := dig(action, "addChatItemAction", "item")
	if item == nil {
		return nil, nil
	}

	for kind, build := range youtubeRenderers {
		renderer := dig(item, kind)
		if renderer == nil {
			continue
		}
		author := readYouTubeAuthor(renderer)
		ts := orTime(epochTime(renderer["timestampUsec"], time.Microsecond), receivedAt)
		ev, ok, err := build(renderer, author, ts)
		if err != nil || !ok {
			return nil, err
		}
		return []core.Event{ev}, nil
	}
	return nil, nil
}

type youtubeAuthor struct {
	id          string
	name        string
	isMod       bool
	isOwner     bool
	isMember    bool
	badgeLabels []string
}

func readYouTubeAuthor(r map[string]any) youtubeAuthor {
	a := youtubeAuthor{
		id:   str(r, "authorExternalChannelId"),
		name: text(r, "authorName"),
	}
	badges, _ := r["authorBadges"].([]any)
	for _, b := range badges {
		bm, ok := b.(map[string]any)
		if !ok {
			continue
		}
		badge := dig(bm, "liveChatAuthorBadgeRenderer")
		if badge == nil {
			continue
		}
		if label := str(badge, "tooltip"); label != "" {
			a.badgeLabels = append(a.badgeLabels, label)
		}
		switch str(dig(badge, "icon"), "iconType") {
		case "MODERATOR":
			a.isMod = true
		case "OWNER":
			a.isOwner = true
		}
		if dig(badge, "customThumbnail") != nil {
			a.isMember = true
		}
	}
	return a
}

type youtubeBuilder func(r map[string]any, a youtubeAuthor, ts time.Time) (core.Event, bool, error)

var youtubeRenderers = map[string]youtubeBuilder{
	"liveChatTextMessageRenderer":                          youtubeChat,
	"liveChatPaidMessageRenderer":                          youtubePaid("superchat"),
	"liveChatPaidStickerRenderer":                          youtubePaid("supersticker"),
	"liveChatMembershipItemRenderer":                       youtubeMembership,
	"liveChatSponsorshipsGiftPurchaseAnnouncementRenderer": youtubeGiftMemberships,
}

func youtubeChat(r map[string]any, a youtubeAuthor, ts time.Time) (core.Event, bool, error) {
	msg := text(r, "message")
	if msg == "" {
		return core.Event{}, false, nil
	}
	ev, err := Chat(core.PlatformYouTube, ChatInput{
		ID:            str(r, "id"),
		UserID:        a.id,
		Username:      a.name,
		Message:       msg,
		Timestamp:     ts,
		IsMod:         a.isMod,
		IsSubscriber:  a.isMember,
		IsBroadcaster: a.isOwner,
		Badges:        a.badgeLabels,
	})
	return ev, err == nil, err
}

func youtubePaid(giftType string) youtubeBuilder {
	return func(r map[string]any, a youtubeAuthor, ts time.Time) (core.Event, bool, error) {
		raw := text(r, "purchaseAmountText")
		parsed := currency.Parse(raw)
		if !parsed.Success {
			return core.Event{}, false, fmt.Errorf("%w: %q", ErrUnparseableAmount, raw)
		}
		if parsed.Amount <= 0 {
			return core.Event{}, false, nil
		}
		ev, err := Gift(core.PlatformYouTube, GiftInput{
			ID:         str(r, "id"),
			UserID:     a.id,
			Username:   a.name,
			GiftType:   giftType,
			GiftCount:  1,
			UnitAmount: parsed.Amount,
			Amount:     parsed.Amount,
			Currency:   parsed.Currency,
			Message:    text(r, "message"),
			SourceType: giftType,
			Timestamp:  ts,
		})
		return ev, err == nil, err
	}
}

func youtubeMembership(r map[string]any, a youtubeAuthor, ts time.Time) (core.Event, bool, error) {
	months := 0
	if header := text(r, "headerPrimaryText"); header != "" {
		if m := giftCountRe.FindString(header); m != "" {
			months, _ = strconv.Atoi(m)
		}
	}
	ev, err := Simple(core.PlatformYouTube, core.Paypiggy{
		Tier:    text(r, "headerSubtext"),
		Months:  months,
		Message: text(r, "message"),
	}, ts, a.id, a.name, str(r, "id"))
	return ev, err == nil, err
}

func youtubeGiftMemberships(r map[string]any, _ youtubeAuthor, ts time.Time) (core.Event, bool, error) {
	header := dig(r, "header", "liveChatSponsorshipsHeaderRenderer")
	if header == nil {
		return core.Event{}, false, nil
	}
	a := readYouTubeAuthor(header)
	count := 1
	if m := giftCountRe.FindString(text(header, "primaryText")); m != "" {
		if n, err := strconv.Atoi(m); err == nil && n > 0 {
			count = n
		}
	}
	if a.id == "" {
		a.id = str(r, "authorExternalChannelId")
	}
	ev, err := Simple(core.PlatformYouTube, core.GiftPaypiggy{GiftCount: count}, ts, a.id, a.name, str(r, "id"))
	return ev, err == nil, err
}
