package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/you/gnasty-hub/internal/core"
)

// EventSub subscription types the hub understands.
const (
	SubChatMessage         = "channel.chat.message"
	SubFollow              = "channel.follow"
	SubSubscribe           = "channel.subscribe"
	SubSubscriptionMessage = "channel.subscription.message"
	SubSubscriptionGift    = "channel.subscription.gift"
	SubCheer               = "channel.cheer"
	SubRaid                = "channel.raid"
	SubStreamOnline        = "stream.online"
	SubStreamOffline       = "stream.offline"
	SubRedemptionAdd       = "channel.channel_points_custom_reward_redemption.add"
)

type eventSubPayload struct {
	MessageID string `json:"message_id"`
	ID        string `json:"id"`

	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`

	ChatterUserID    string `json:"chatter_user_id"`
	ChatterUserLogin string `json:"chatter_user_login"`
	ChatterUserName  string `json:"chatter_user_name"`
	Color            string `json:"color"`
	Badges           []struct {
		SetID string `json:"set_id"`
	} `json:"badges"`

	Message json.RawMessage `json:"message"`

	Tier             string `json:"tier"`
	IsGift           bool   `json:"is_gift"`
	CumulativeMonths int    `json:"cumulative_months"`
	Total            int    `json:"total"`
	CumulativeTotal  int    `json:"cumulative_total"`
	IsAnonymous      bool   `json:"is_anonymous"`
	Bits             int    `json:"bits"`

	FromBroadcasterUserID    string `json:"from_broadcaster_user_id"`
	FromBroadcasterUserLogin string `json:"from_broadcaster_user_login"`
	FromBroadcasterUserName  string `json:"from_broadcaster_user_name"`
	Viewers                  int    `json:"viewers"`

	UserInput string `json:"user_input"`
	Reward    struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Cost  int    `json:"cost"`
	} `json:"reward"`
}

// messageText accepts both {"text": "..."} objects and bare strings.
func (p eventSubPayload) messageText() string {
	if len(p.Message) == 0 {
		return ""
	}
	var obj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(p.Message, &obj); err == nil && obj.Text != "" {
		return obj.Text
	}
	var s string
	if err := json.Unmarshal(p.Message, &s); err == nil {
		return s
	}
	return ""
}

func (p eventSubPayload) hasBadge(set string) bool {
	for _, b := range p.Badges {
		if b.SetID == set {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// EventSub converts a notification event body. ts is the notification's
// message_timestamp (or receipt time when the platform omitted it).
// Unknown subscription types yield no events.
func EventSub(subType string, raw json.RawMessage, ts time.Time) ([]core.Event, error) {
	var ev eventSubPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("normalize: decode %s event: %w", subType, err)
		}
	}
	p := core.PlatformTwitch
	userName := firstNonEmpty(ev.UserName, ev.UserLogin)

	var (
		out core.Event
		err error
	)
	switch subType {
	case SubChatMessage:
		var badges []string
		for _, b := range ev.Badges {
			badges = append(badges, b.SetID)
		}
		out, err = Chat(p, ChatInput{
			ID:            ev.MessageID,
			UserID:        ev.ChatterUserID,
			Username:      firstNonEmpty(ev.ChatterUserName, ev.ChatterUserLogin),
			Message:       ev.messageText(),
			Timestamp:     ts,
			IsMod:         ev.hasBadge("moderator"),
			IsSubscriber:  ev.hasBadge("subscriber"),
			IsBroadcaster: ev.hasBadge("broadcaster"),
			Badges:        badges,
			Colour:        ev.Color,
		})
	case SubFollow:
		out, err = Simple(p, core.Follow{}, ts, ev.UserID, userName, "")
	case SubSubscribe:
		out, err = Simple(p, core.Paypiggy{Tier: ev.Tier, IsGift: ev.IsGift}, ts, ev.UserID, userName, "")
	case SubSubscriptionMessage:
		out, err = Simple(p, core.Paypiggy{
			Tier:    ev.Tier,
			Months:  ev.CumulativeMonths,
			Message: ev.messageText(),
		}, ts, ev.UserID, userName, "")
	case SubSubscriptionGift:
		out, err = Simple(p, core.GiftPaypiggy{
			Tier:       ev.Tier,
			GiftCount:  ev.Total,
			Cumulative: ev.CumulativeTotal,
			Anonymous:  ev.IsAnonymous,
		}, ts, ev.UserID, userName, "")
	case SubCheer:
		out, err = Simple(p, core.Cheer{Bits: ev.Bits, Message: ev.messageText()}, ts, ev.UserID, userName, "")
	case SubRaid:
		out, err = Simple(p, core.Raid{ViewerCount: ev.Viewers}, ts,
			ev.FromBroadcasterUserID, firstNonEmpty(ev.FromBroadcasterUserName, ev.FromBroadcasterUserLogin), "")
	case SubStreamOnline:
		out, err = Simple(p, core.StreamStatus{Online: true}, ts, "", "", ev.ID)
	case SubStreamOffline:
		out, err = Simple(p, core.StreamStatus{Online: false}, ts, "", "", "")
	case SubRedemptionAdd:
		out, err = Simple(p, core.Redemption{
			RewardID:    ev.Reward.ID,
			RewardTitle: ev.Reward.Title,
			Cost:        ev.Reward.Cost,
			Input:       ev.UserInput,
		}, ts, ev.UserID, userName, ev.ID)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []core.Event{out}, nil
}
