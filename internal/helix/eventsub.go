package helix

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
)

const subscriptionsPath = "/eventsub/subscriptions"

// Transport is the delivery target of a subscription.
type Transport struct {
	Method    string `json:"method"`
	SessionID string `json:"session_id,omitempty"`
}

// Subscription is an EventSub subscription record.
type Subscription struct {
	ID        string            `json:"id"`
	Status    string            `json:"status"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
	CreatedAt string            `json:"created_at"`
	Cost      int               `json:"cost"`
}

// CreateSubscriptionRequest is the POST body for a new subscription.
type CreateSubscriptionRequest struct {
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Condition map[string]string `json:"condition"`
	Transport Transport         `json:"transport"`
}

// WebSocketSubscription builds a request delivered to sessionID.
func WebSocketSubscription(subType, version string, condition map[string]string, sessionID string) CreateSubscriptionRequest {
	return CreateSubscriptionRequest{
		Type:      subType,
		Version:   version,
		Condition: condition,
		Transport: Transport{Method: "websocket", SessionID: sessionID},
	}
}

type subscriptionList struct {
	Data       []Subscription `json:"data"`
	Total      int            `json:"total"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}

// CreateEventSubSubscription creates one subscription.
func (c *Client) CreateEventSubSubscription(ctx context.Context, req CreateSubscriptionRequest) (Subscription, error) {
	var out subscriptionList
	if err := c.do(ctx, http.MethodPost, subscriptionsPath, nil, req, &out); err != nil {
		return Subscription{}, err
	}
	if len(out.Data) == 0 {
		return Subscription{}, errors.New("helix: create subscription returned no data")
	}
	return out.Data[0], nil
}

// ListEventSubSubscriptions returns every subscription, following
// pagination. An empty status lists all.
func (c *Client) ListEventSubSubscriptions(ctx context.Context, status string) ([]Subscription, error) {
	var all []Subscription
	cursor := ""
	for {
		q := url.Values{}
		if status = strings.TrimSpace(status); status != "" {
			q.Set("status", status)
		}
		if cursor != "" {
			q.Set("after", cursor)
		}
		var page subscriptionList
		if err := c.do(ctx, http.MethodGet, subscriptionsPath, q, nil, &page); err != nil {
			return all, err
		}
		all = append(all, page.Data...)
		if page.Pagination.Cursor == "" || page.Pagination.Cursor == cursor {
			return all, nil
		}
		cursor = page.Pagination.Cursor
	}
}

// DeleteEventSubSubscription removes one subscription by id.
func (c *Client) DeleteEventSubSubscription(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("helix: subscription id is empty")
	}
	return c.do(ctx, http.MethodDelete, subscriptionsPath, url.Values{"id": {id}}, nil, nil)
}
