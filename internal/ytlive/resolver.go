package ytlive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/you/gnasty-hub/internal/logging"
)

// ResolveResult is the outcome of a single live lookup.
type ResolveResult struct {
	Live     bool
	VideoID  string
	WatchURL string
	ChatURL  string
}

// Detection lists the videos a channel is currently streaming.
type Detection struct {
	Success  bool
	VideoIDs []string
}

// Detector discovers live videos.
type Detector interface {
	DetectLiveStreams(ctx context.Context) (Detection, error)
}

// Resolver finds live videos for a channel URL or @handle by scraping the
// channel's streams tab and its /live redirect.
type Resolver struct {
	http    *http.Client
	channel string
	log     zerolog.Logger
}

// NewResolver returns a Resolver for channel. A nil client gets a 10s
// timeout.
func NewResolver(client *http.Client, channel string) *Resolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Resolver{http: client, channel: channel, log: logging.With("ytlive")}
}

// DetectLiveStreams merges the live entries of the streams tab with the
// video /live resolves to. It succeeds when at least one page was read.
func (r *Resolver) DetectLiveStreams(ctx context.Context) (Detection, error) {
	target, err := normalizeYouTubeURL(r.channel)
	if err != nil {
		return Detection{}, err
	}

	var (
		ids   []string
		found = map[string]bool{}
		errs  []error
		read  int
	)
	add := func(id string) {
		if id != "" && !found[id] {
			found[id] = true
			ids = append(ids, id)
		}
	}

	if base, ok := channelBase(target.Path); ok {
		streams := *target
		streams.Path = base + "/streams"
		body, _, err := r.fetch(ctx, streams.String())
		if err != nil {
			errs = append(errs, err)
		} else {
			read++
			for _, id := range liveFromStreamsPage(body) {
				add(id)
			}
		}
	}

	res, err := r.Resolve(ctx, r.channel)
	if err != nil {
		errs = append(errs, err)
	} else {
		read++
		if res.Live {
			add(res.VideoID)
		}
	}

	if read == 0 {
		return Detection{}, errors.Join(errs...)
	}
	if len(errs) > 0 {
		r.log.Debug().Err(errors.Join(errs...)).Msg("ytlive: partial live detection")
	}
	return Detection{Success: true, VideoIDs: ids}, nil
}

// Resolve fetches the page raw points at and reports whether it is live.
func (r *Resolver) Resolve(ctx context.Context, raw string) (ResolveResult, error) {
	target, err := normalizeYouTubeURL(raw)
	if err != nil {
		return ResolveResult{}, err
	}
	body, final, err := r.fetch(ctx, target.String())
	if err != nil {
		return ResolveResult{}, err
	}

	if videoID, live, ok := initialPlayerState(body); ok {
		res := ResolveResult{Live: live, VideoID: videoID, WatchURL: watchURL(videoID)}
		if live {
			res.ChatURL = chatURL(videoID)
		}
		return res, nil
	}

	videoID := strings.TrimSpace(final.Query().Get("v"))
	if !strings.EqualFold(final.Path, "/watch") || videoID == "" {
		return ResolveResult{}, nil
	}
	res := ResolveResult{VideoID: videoID, WatchURL: watchURL(videoID)}
	if containsLiveIndicator(body) {
		res.Live = true
		res.ChatURL = chatURL(videoID)
	}
	return res, nil
}

func (r *Resolver) fetch(ctx context.Context, target string) (string, *url.URL, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := r.http.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", nil, fmt.Errorf("ytlive: %s returned %s", target, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBody))
	if err != nil {
		return "", nil, err
	}
	return string(body), resp.Request.URL, nil
}

// normalizeYouTubeURL turns YouTube URLs and @handle shorthand into fetchable
// https://www.youtube.com URLs. Channel paths resolve to their /live page.
func normalizeYouTubeURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("ytlive: empty url")
	}
	if strings.HasPrefix(trimmed, "@") {
		trimmed = "https://www.youtube.com/" + trimmed
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("ytlive: parse url: %w", err)
	}
	u.Fragment = ""

	switch strings.ToLower(u.Host) {
	case "youtu.be":
		id := strings.Trim(u.Path, "/")
		if id == "" {
			return nil, errors.New("ytlive: youtu.be url has no video id")
		}
		return watchPage(id), nil
	case "youtube.com", "www.youtube.com", "m.youtube.com":
	default:
		return nil, fmt.Errorf("ytlive: unsupported host %q", u.Host)
	}

	if base, ok := channelBase(u.Path); ok {
		return &url.URL{Scheme: "https", Host: "www.youtube.com", Path: base + "/live"}, nil
	}
	if strings.EqualFold(u.Path, "/watch") {
		id := strings.TrimSpace(u.Query().Get("v"))
		if id == "" {
			return nil, errors.New("ytlive: watch url has no video id")
		}
		return watchPage(id), nil
	}
	return &url.URL{Scheme: "https", Host: "www.youtube.com", Path: path.Clean(u.Path), RawQuery: u.RawQuery}, nil
}

var channelPrefixes = []string{"/@", "/channel/", "/c/", "/user/"}

// channelBase strips tab suffixes such as /live or /streams from a channel
// path.
func channelBase(p string) (string, bool) {
	for _, prefix := range channelPrefixes {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		segments := strings.Split(strings.Trim(p, "/"), "/")
		keep := 1
		if prefix != "/@" {
			keep = 2
		}
		if len(segments) < keep || segments[keep-1] == "" || segments[0] == "@" {
			return "", false
		}
		return "/" + strings.Join(segments[:keep], "/"), true
	}
	return "", false
}

func watchPage(videoID string) *url.URL {
	return &url.URL{Scheme: "https", Host: "www.youtube.com", Path: "/watch", RawQuery: url.Values{"v": {videoID}}.Encode()}
}

func watchURL(videoID string) string { return watchPage(videoID).String() }

func chatURL(videoID string) string {
	return (&url.URL{Scheme: "https", Host: "www.youtube.com", Path: "/live_chat", RawQuery: url.Values{"v": {videoID}}.Encode()}).String()
}

// liveFromStreamsPage returns the ids of video entries on a streams tab that
// carry a live-now badge, in page order.
func liveFromStreamsPage(body string) []string {
	raw, ok := extractJSONAssignment(body, "ytInitialData")
	if !ok {
		return nil
	}
	var data any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil
	}

	var ids []string
	found := map[string]bool{}
	var walk func(v any)
	walk = func(v any) {
		switch val := v.(type) {
		case map[string]any:
			if id, _ := val["videoId"].(string); id != "" && hasLiveBadge(val) {
				if !found[id] {
					found[id] = true
					ids = append(ids, id)
				}
				return
			}
			keys := make([]string, 0, len(val))
			for k := range val {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(val[k])
			}
		case []any:
			for _, child := range val {
				walk(child)
			}
		}
	}
	walk(data)
	return ids
}

func hasLiveBadge(v any) bool {
	switch val := v.(type) {
	case map[string]any:
		switch style, _ := val["style"].(string); style {
		case "LIVE", "BADGE_STYLE_TYPE_LIVE_NOW":
			return true
		}
		for _, child := range val {
			if hasLiveBadge(child) {
				return true
			}
		}
	case []any:
		for _, child := range val {
			if hasLiveBadge(child) {
				return true
			}
		}
	}
	return false
}

type playerResponse struct {
	StreamingData *struct {
		HLSManifestURL  string `json:"hlsManifestUrl"`
		DashManifestURL string `json:"dashManifestUrl"`
	} `json:"streamingData"`
	VideoDetails struct {
		VideoID       string `json:"videoId"`
		IsLive        bool   `json:"isLive"`
		IsLiveContent bool   `json:"isLiveContent"`
	} `json:"videoDetails"`
}

// initialPlayerState reads the video id and live flag from the embedded
// player response, or from a playerResponse nested in the initial data.
func initialPlayerState(body string) (string, bool, bool) {
	for _, marker := range []string{"ytInitialPlayerResponse", "ytInitialData"} {
		raw, ok := extractJSONAssignment(body, marker)
		if !ok {
			continue
		}
		var wrapper struct {
			PlayerResponse *playerResponse `json:"playerResponse"`
		}
		var pr playerResponse
		if err := json.Unmarshal([]byte(raw), &wrapper); err == nil && wrapper.PlayerResponse != nil {
			pr = *wrapper.PlayerResponse
		} else if err := json.Unmarshal([]byte(raw), &pr); err != nil {
			continue
		}
		id := strings.TrimSpace(pr.VideoDetails.VideoID)
		if id == "" {
			continue
		}
		live := pr.VideoDetails.IsLive || pr.VideoDetails.IsLiveContent || pr.StreamingData != nil
		return id, live, true
	}
	return "", false, false
}

// extractJSONAssignment finds `marker ... = {json}` in a page script and
// returns the balanced JSON value.
func extractJSONAssignment(body, marker string) (string, bool) {
	search := 0
	for {
		idx := strings.Index(body[search:], marker)
		if idx == -1 {
			return "", false
		}
		idx += search
		search = idx + len(marker)

		pos := search
		for pos < len(body) {
			ch := body[pos]
			if ch == '=' {
				pos++
				break
			}
			if unicode.IsSpace(rune(ch)) || strings.IndexByte(`]"'.)`, ch) >= 0 {
				pos++
				continue
			}
			pos = -1
			break
		}
		if pos < 0 || pos >= len(body) {
			continue
		}
		for pos < len(body) && unicode.IsSpace(rune(body[pos])) {
			pos++
		}
		if pos >= len(body) || (body[pos] != '{' && body[pos] != '[') {
			continue
		}
		if out, ok := balancedJSON(body[pos:]); ok {
			return out, true
		}
	}
}

func balancedJSON(s string) (string, bool) {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{', '[':
			stack = append(stack, ch)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			open := stack[len(stack)-1]
			if (open == '{') != (ch == '}') {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[:i+1], true
			}
		}
	}
	return "", false
}

func containsLiveIndicator(body string) bool {
	lowered := strings.ToLower(body)
	for _, marker := range []string{`"islivenow":true`, `"islive":true`, "livechatrenderer"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}
