// Package ytlive follows YouTube live chats through the innertube polling
// API and keeps one chat connection per live video of a channel.
package ytlive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/clock"
	"github.com/you/gnasty-hub/internal/core"
	"github.com/you/gnasty-hub/internal/errhandler"
	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/normalize"
	"github.com/you/gnasty-hub/internal/retry"
)

const (
	DefaultBaseURL = "https://www.youtube.com"

	userAgent          = "Mozilla/5.0 (compatible; gnasty-hub/1.0)"
	defaultPollDelay   = 1500 * time.Millisecond
	defaultHTTPTimeout = 15 * time.Second
	stopTimeout        = 5 * time.Second
	maxPageBody        = 5 << 20
	maxPollBody        = 4 << 20
)

var (
	ErrVideoIDRequired = errors.New("ytlive: video id is required")
	errStopTimeout     = errors.New("ytlive: chat poller did not stop in time")
)

// pollBackoff spaces re-bootstrap attempts after poll failures.
var pollBackoff = retry.Policy{BaseDelay: time.Second, Multiplier: 2, MaxDelay: time.Minute}

// Publisher receives canonical events.
type Publisher interface {
	PublishEvent(ev core.Event) error
}

// ChatConfig wires a Chat.
type ChatConfig struct {
	VideoID   string
	BaseURL   string
	HTTP      *http.Client
	PollDelay time.Duration

	Events Publisher
	// OnFirstMessage runs once, after the first chat action is delivered.
	OnFirstMessage func(videoID string)

	Clock  clock.Clock
	Errors *errhandler.Handler
}

// Chat polls the live chat of a single video.
type Chat struct {
	cfg   ChatConfig
	http  *http.Client
	clock clock.Clock
	log   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	connected atomic.Bool
	delivered atomic.Bool
	messages  atomic.Int64
}

// innertube holds what a chat page bootstrap yields.
type innertube struct {
	apiKey        string
	clientVersion string
	continuation  string
}

func (s innertube) complete() bool {
	return s.apiKey != "" && s.clientVersion != "" && s.continuation != ""
}

func NewChat(cfg ChatConfig) (*Chat, error) {
	cfg.VideoID = strings.TrimSpace(cfg.VideoID)
	if cfg.VideoID == "" {
		return nil, ErrVideoIDRequired
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = defaultPollDelay
	}
	httpClient := cfg.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &Chat{
		cfg:   cfg,
		http:  httpClient,
		clock: clock.OrReal(cfg.Clock),
		log:   logging.With("ytlive").With().Str("video_id", cfg.VideoID).Logger(),
	}, nil
}

func (c *Chat) VideoID() string { return c.cfg.VideoID }

// Messages reports how many chat actions were delivered.
func (c *Chat) Messages() int64 { return c.messages.Load() }

// Start bootstraps the chat page and begins polling in the background. A
// failed bootstrap is returned so callers can reject the connection.
func (c *Chat) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}

	session, err := c.bootstrap(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, session, c.done)
	return nil
}

// Disconnect stops the poller and waits for it to exit.
func (c *Chat) Disconnect() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	t := time.NewTimer(stopTimeout)
	defer t.Stop()
	select {
	case <-done:
		return nil
	case <-t.C:
		return fmt.Errorf("%w (video %s)", errStopTimeout, c.cfg.VideoID)
	}
}

func (c *Chat) run(ctx context.Context, session innertube, done chan struct{}) {
	defer close(done)
	failures := 0

	for ctx.Err() == nil {
		if !session.complete() {
			next, err := c.bootstrap(ctx)
			if err != nil {
				failures++
				c.log.Warn().Err(err).Int("failures", failures).Msg("ytlive: bootstrap failed")
				if !c.sleep(ctx, pollBackoff.Delay(failures, 0)) {
					return
				}
				continue
			}
			session = next
		}

		actions, continuation, delay, err := c.poll(ctx, session)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.cfg.Errors.HandleWith(err, "poll", map[string]any{"videoId": c.cfg.VideoID})
			session = innertube{}
			if !c.sleep(ctx, pollBackoff.Delay(failures, 0)) {
				return
			}
			continue
		}
		failures = 0

		if c.connected.CompareAndSwap(false, true) {
			c.publishConnected()
		}
		c.deliver(actions)

		session.continuation = continuation
		if continuation == "" {
			c.log.Debug().Msg("ytlive: continuation missing, bootstrapping again")
		}
		if delay <= 0 {
			delay = c.cfg.PollDelay
		}
		if !c.sleep(ctx, delay) {
			return
		}
	}
}

func (c *Chat) deliver(actions []map[string]any) {
	now := c.clock.Now()
	for _, action := range actions {
		events, err := normalize.YouTube(action, now)
		if err != nil {
			c.cfg.Errors.HandleWith(err, "normalize", map[string]any{"videoId": c.cfg.VideoID})
			continue
		}
		for _, ev := range events {
			c.publish(ev)
		}
		if len(events) == 0 {
			continue
		}
		c.messages.Add(1)
		if c.delivered.CompareAndSwap(false, true) && c.cfg.OnFirstMessage != nil {
			c.cfg.OnFirstMessage(c.cfg.VideoID)
		}
	}
}

func (c *Chat) publishConnected() {
	ev, err := normalize.Simple(core.PlatformYouTube, core.ChatConnected{StreamID: c.cfg.VideoID}, c.clock.Now(), "", "", "")
	if err != nil {
		c.cfg.Errors.Handle(err, "chat-connected")
		return
	}
	c.log.Info().Msg("ytlive: chat connected")
	c.publish(ev)
}

func (c *Chat) publish(ev core.Event) {
	if c.cfg.Events == nil {
		return
	}
	if err := c.cfg.Events.PublishEvent(ev); err != nil {
		c.cfg.Errors.Handle(err, "publish")
	}
}

func (c *Chat) sleep(ctx context.Context, d time.Duration) bool {
	done := make(chan struct{})
	t := clock.SafeAfterFunc(c.clock, d, c.cfg.PollDelay, "ytlive:poll", func() { close(done) })
	select {
	case <-ctx.Done():
		t.Stop()
		return false
	case <-done:
		return true
	}
}

func (c *Chat) bootstrap(ctx context.Context) (innertube, error) {
	pageURL := c.cfg.BaseURL + "/live_chat?" + url.Values{"is_popout": {"1"}, "v": {c.cfg.VideoID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return innertube{}, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return innertube{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return innertube{}, fmt.Errorf("ytlive: chat page status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBody))
	if err != nil {
		return innertube{}, err
	}
	text := string(body)

	session := innertube{
		apiKey:        quotedAfter(text, `"INNERTUBE_API_KEY":"`),
		clientVersion: quotedAfter(text, `"INNERTUBE_CLIENT_VERSION":"`),
	}
	if session.apiKey == "" || session.clientVersion == "" {
		return innertube{}, errors.New("ytlive: innertube key or client version not found")
	}

	raw, ok := extractJSONAssignment(text, "ytInitialData")
	if !ok {
		return innertube{}, errors.New("ytlive: initial data not found")
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return innertube{}, fmt.Errorf("ytlive: decode initial data: %w", err)
	}
	session.continuation = findInitialContinuation(data)
	if session.continuation == "" {
		return innertube{}, errors.New("ytlive: no live chat continuation in initial data")
	}
	c.log.Debug().Str("client_version", session.clientVersion).Msg("ytlive: bootstrap succeeded")
	return session, nil
}

type pollRequest struct {
	Context struct {
		Client struct {
			ClientName    string `json:"clientName"`
			ClientVersion string `json:"clientVersion"`
			HL            string `json:"hl"`
		} `json:"client"`
	} `json:"context"`
	Continuation string `json:"continuation"`
}

func (c *Chat) poll(ctx context.Context, session innertube) ([]map[string]any, string, time.Duration, error) {
	var body pollRequest
	body.Context.Client.ClientName = "WEB"
	body.Context.Client.ClientVersion = session.clientVersion
	body.Context.Client.HL = "en"
	body.Continuation = session.continuation

	buf, err := json.Marshal(body)
	if err != nil {
		return nil, "", 0, err
	}
	endpoint := c.cfg.BaseURL + "/youtubei/v1/live_chat/get_live_chat?key=" + url.QueryEscape(session.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(buf))
	if err != nil {
		return nil, "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
		return nil, "", 0, fmt.Errorf("ytlive: poll status %s: %s", resp.Status, logging.Sanitize(string(snippet), 200))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPollBody))
	if err != nil {
		return nil, "", 0, err
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, "", 0, fmt.Errorf("ytlive: decode poll response: %w", err)
	}

	continuation, delay := nextContinuation(payload)
	return chatActions(payload), continuation, delay, nil
}

// nextContinuation reads the follow-up token and the server's suggested
// poll delay from a get_live_chat response.
func nextContinuation(payload map[string]any) (string, time.Duration) {
	lc := digMap(payload, "continuationContents", "liveChatContinuation")
	if lc == nil {
		return "", 0
	}
	conts, _ := lc["continuations"].([]any)
	for _, elem := range conts {
		m, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range continuationKinds {
			data := digMap(m, key)
			if data == nil {
				continue
			}
			token, _ := data["continuation"].(string)
			if token == "" {
				continue
			}
			return token, millis(data["timeoutMs"])
		}
	}
	return "", 0
}

func millis(v any) time.Duration {
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	case string:
		if ms, err := strconv.Atoi(strings.TrimSpace(n)); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return 0
}

// chatActions lists the actions of a poll response in delivery order. Bare
// renderers from appended continuation items are wrapped as chat item adds.
func chatActions(payload map[string]any) []map[string]any {
	var out []map[string]any
	collect := func(arr []any) {
		for _, item := range arr {
			action, ok := item.(map[string]any)
			if !ok {
				continue
			}
			appended := digMap(action, "appendContinuationItemsAction")
			if appended == nil {
				out = append(out, action)
				continue
			}
			items, _ := appended["continuationItems"].([]any)
			for _, it := range items {
				m, ok := it.(map[string]any)
				if !ok {
					continue
				}
				if _, wrapped := m["addChatItemAction"]; wrapped {
					out = append(out, m)
					continue
				}
				out = append(out, map[string]any{"addChatItemAction": map[string]any{"item": m}})
			}
		}
	}

	if lc := digMap(payload, "continuationContents", "liveChatContinuation"); lc != nil {
		if arr, ok := lc["actions"].([]any); ok {
			collect(arr)
		}
	}
	if arr, ok := payload["onResponseReceivedActions"].([]any); ok {
		collect(arr)
	}
	return out
}

var continuationKinds = []string{"invalidationContinuationData", "timedContinuationData", "reloadContinuationData"}

// findInitialContinuation searches initial page data breadth first for the
// first continuation that sits under a live chat node.
func findInitialContinuation(data map[string]any) string {
	type node struct {
		value    any
		liveChat bool
	}
	queue := []node{{value: data}}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		switch v := n.value.(type) {
		case map[string]any:
			inChat := n.liveChat || hasLiveChatKey(v)
			if inChat {
				if token := continuationIn(v); token != "" {
					return token
				}
			}
			for key, child := range v {
				queue = append(queue, node{value: child, liveChat: inChat || isLiveChatKey(key)})
			}
		case []any:
			for _, child := range v {
				queue = append(queue, node{value: child, liveChat: n.liveChat})
			}
		}
	}
	return ""
}

func continuationIn(m map[string]any) string {
	conts, _ := m["continuations"].([]any)
	for _, elem := range conts {
		cm, ok := elem.(map[string]any)
		if !ok {
			continue
		}
		for _, key := range continuationKinds {
			if data := digMap(cm, key); data != nil {
				if token, _ := data["continuation"].(string); token != "" {
					return token
				}
			}
		}
	}
	if cmd := digMap(m, "continuationEndpoint", "continuationCommand"); cmd != nil {
		token, _ := cmd["token"].(string)
		return token
	}
	return ""
}

func isLiveChatKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "livechat")
}

func hasLiveChatKey(m map[string]any) bool {
	for key := range m {
		if isLiveChatKey(key) {
			return true
		}
	}
	return false
}

func quotedAfter(text, marker string) string {
	idx := strings.Index(text, marker)
	if idx == -1 {
		return ""
	}
	rest := text[idx+len(marker):]
	end := strings.IndexByte(rest, '"')
	if end == -1 {
		return ""
	}
	return rest[:end]
}

func digMap(m map[string]any, keys ...string) map[string]any {
	current := m
	for _, key := range keys {
		next, ok := current[key].(map[string]any)
		if !ok {
			return nil
		}
		current = next
	}
	return current
}
