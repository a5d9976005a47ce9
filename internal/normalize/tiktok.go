package normalize

import (
	"strconv"
	"strings"
	"time"

	"github.com/you/gnasty-hub/internal/core"
)

// TikTokCoinCurrency is the pseudo-currency for gift diamonds.
const TikTokCoinCurrency = "coins"

type tiktokUser struct {
	id       string
	uniqueID string
	nickname string
}

func (u tiktokUser) username() string {
	if u.nickname != "" {
		return u.nickname
	}
	return u.uniqueID
}

func readTikTokUser(data map[string]any) tiktokUser {
	src := dig(data, "user")
	if src == nil {
		src = data
	}
	return tiktokUser{
		id:       firstStr(src, "userId", "id"),
		uniqueID: firstStr(src, "uniqueId"),
		nickname: firstStr(src, "nickname"),
	}
}

// TikTok converts one bridge event into zero or more canonical events. Kinds
// the hub does not display (such as "connected") yield no events.
func TikTok(kind string, data map[string]any, receivedAt time.Time) ([]core.Event, error) {
	if data == nil {
		data = map[string]any{}
	}
	user := readTikTokUser(data)
	ts := orTime(epochTime(data["createTime"], time.Millisecond), receivedAt)
	id := firstStr(data, "msgId", "id")
	p := core.PlatformTikTok

	var (
		ev  core.Event
		err error
	)
	switch kind {
	case "chat":
		identity := dig(data, "userIdentity")
		ev, err = Chat(p, ChatInput{
			ID:           id,
			UserID:       user.id,
			Username:     user.username(),
			Message:      str(data, "comment"),
			Timestamp:    ts,
			IsMod:        boolField(data, "isModerator") || boolField(identity, "isModeratorOfAnchor"),
			IsSubscriber: boolField(data, "isSubscriber") || boolField(identity, "isSubscriberOfAnchor"),
		})
	case "gift":
		giftName := firstStr(data, "giftName")
		if details := dig(data, "giftDetails"); giftName == "" && details != nil {
			giftName = firstStr(details, "giftName")
		}
		unit, _ := num(data, "diamondCount")
		if details := dig(data, "giftDetails"); unit == 0 && details != nil {
			unit, _ = num(details, "diamondCount")
		}
		count := intField(data, "repeatCount")
		if id == "" {
			id = tiktokGiftID(user.id, giftName, count, ts)
		}
		ev, err = Gift(p, GiftInput{
			ID:         id,
			UserID:     user.id,
			Username:   user.username(),
			GiftType:   giftName,
			GiftCount:  count,
			UnitAmount: unit,
			Currency:   TikTokCoinCurrency,
			SourceType: "gift",
			Timestamp:  ts,
			Original:   data,
		})
	case "like":
		ev, err = Simple(p, core.Like{
			Count: intField(data, "likeCount"),
			Total: intField(data, "totalLikeCount"),
		}, ts, user.id, user.username(), id)
	case "follow":
		ev, err = Simple(p, core.Follow{}, ts, user.id, user.username(), id)
	case "share":
		ev, err = Simple(p, core.Share{}, ts, user.id, user.username(), id)
	case "social":
		if !IsTikTokShare(data) {
			return nil, nil
		}
		ev, err = Simple(p, core.Share{}, ts, user.id, user.username(), id)
	case "member":
		ev, err = Simple(p, core.Member{}, ts, user.id, user.username(), id)
	case "roomUser":
		ev, err = ViewerCount(p, data["viewerCount"], ts)
	case "envelope":
		info := dig(data, "envelopeInfo")
		if info == nil {
			info = data
		}
		amount, _ := num(info, "diamondCount")
		ev, err = Simple(p, core.Envelope{Amount: amount, Currency: TikTokCoinCurrency}, ts, user.id, user.username(), id)
	case "subscribe":
		ev, err = Simple(p, core.Paypiggy{Months: intField(data, "subMonth")}, ts, user.id, user.username(), id)
	case "streamEnd":
		ev, err = Simple(p, core.StreamStatus{Online: false}, ts, "", "", "")
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []core.Event{ev}, nil
}

// IsTikTokShare reports whether a social event is a share.
func IsTikTokShare(data map[string]any) bool {
	for _, key := range []string{"displayType", "actionType"} {
		if strings.Contains(strings.ToLower(str(data, key)), "share") {
			return true
		}
	}
	return false
}

// IsTikTokFollow reports whether a social event without an action type is a
// follow announcement.
func IsTikTokFollow(data map[string]any) bool {
	if str(data, "actionType") != "" {
		return false
	}
	pattern := str(dig(data, "displayText"), "defaultPattern")
	if pattern == "" {
		pattern = str(data, "label")
	}
	return strings.Contains(strings.ToLower(pattern), "follow")
}

// tiktokGiftID stands in for a missing msgId. Streak updates differ by
// count, so the id stays unique per update.
func tiktokGiftID(userID, giftName string, count int, ts time.Time) string {
	return strings.Join([]string{"tiktok-gift", userID, giftName, strconv.Itoa(count), strconv.FormatInt(ts.UnixMilli(), 10)}, "-")
}
