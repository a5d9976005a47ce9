// Package twitch implements the Twitch user-token lifecycle: the interactive
// authorization-code flow over a loopback HTTPS callback, the on-disk token
// store, and pre-expiry refresh.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/retry"
	"github.com/you/gnasty-hub/internal/secrets"
)

var (
	authorizeEndpoint = "https://id.twitch.tv/oauth2/authorize"
	tokenEndpoint     = "https://id.twitch.tv/oauth2/token"
	validateEndpoint  = "https://id.twitch.tv/oauth2/validate"
)

const defaultRequestTimeout = 15 * time.Second

// ErrNoAccessToken is returned when the token endpoint answers without an
// access_token.
var ErrNoAccessToken = errors.New("twitch: token response has no access_token")

// Tokens is the result of a code exchange.
type Tokens struct {
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
	ExpiresIn    int      `json:"expiresIn"`
	Scope        []string `json:"scope,omitempty"`
}

type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	Scope        []string `json:"scope"`
	TokenType    string   `json:"token_type"`
	Status       int      `json:"status"`
	Message      string   `json:"message"`
	Error        string   `json:"error"`
	ErrorDesc    string   `json:"error_description"`
}

func (r tokenResponse) errorText() string {
	for _, s := range []string{r.Message, r.ErrorDesc, r.Error} {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

type tokenReply struct {
	status     int
	retryAfter string
	body       tokenResponse
}

// postTokenForm posts form to the token endpoint. Only transport failures
// are returned as errors; HTTP error statuses are left to the caller.
func postTokenForm(ctx context.Context, client *http.Client, form url.Values) (tokenReply, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return tokenReply{}, fmt.Errorf("twitch: create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return tokenReply{}, fmt.Errorf("twitch: token request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return tokenReply{}, fmt.Errorf("twitch: read token response: %w", err)
	}
	reply := tokenReply{status: resp.StatusCode, retryAfter: resp.Header.Get("Retry-After")}
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &reply.body); err != nil && resp.StatusCode == http.StatusOK {
			return tokenReply{}, fmt.Errorf("twitch: decode token response: %w", err)
		}
	}
	return reply, nil
}

func oauthConfig(clientID, clientSecret, redirectURI string, scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authorizeEndpoint,
			TokenURL:  tokenEndpoint,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// NewState returns a fresh CSRF state value.
func NewState() string {
	return "cb_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// BuildAuthURL returns the authorize URL for the code flow. Scopes keep their
// order and are space-joined.
func BuildAuthURL(clientID, redirectURI string, scopes []string) (string, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return "", errors.New("twitch: client id is required")
	}
	if strings.TrimSpace(redirectURI) == "" {
		return "", errors.New("twitch: redirect uri is required")
	}
	return oauthConfig(clientID, "", redirectURI, scopes).AuthCodeURL(NewState()), nil
}

// ExchangeConfig carries the client credentials for a code exchange.
type ExchangeConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	HTTP         *http.Client
}

// ExchangeCodeForTokens trades an authorization code for tokens.
func ExchangeCodeForTokens(ctx context.Context, code string, cfg ExchangeConfig) (Tokens, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Tokens{}, errors.New("twitch: authorization code is empty")
	}
	form := url.Values{}
	form.Set("client_id", strings.TrimSpace(cfg.ClientID))
	form.Set("client_secret", strings.TrimSpace(cfg.ClientSecret))
	form.Set("code", code)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", cfg.RedirectURI)

	reply, err := postTokenForm(ctx, cfg.HTTP, form)
	if err != nil {
		return Tokens{}, err
	}
	if reply.status != http.StatusOK {
		msg := reply.body.errorText()
		if msg == "" {
			msg = fmt.Sprintf("unexpected status %d", reply.status)
		}
		return Tokens{}, fmt.Errorf("twitch: code exchange failed (%d): %s", reply.status, msg)
	}
	if strings.TrimSpace(reply.body.AccessToken) == "" {
		return Tokens{}, ErrNoAccessToken
	}
	return Tokens{
		AccessToken:  strings.TrimSpace(reply.body.AccessToken),
		RefreshToken: strings.TrimSpace(reply.body.RefreshToken),
		ExpiresIn:    reply.body.ExpiresIn,
		Scope:        reply.body.Scope,
	}, nil
}

// Validation is the answer of the token validation endpoint.
type Validation struct {
	ClientID  string   `json:"client_id"`
	Login     string   `json:"login"`
	UserID    string   `json:"user_id"`
	Scopes    []string `json:"scopes"`
	ExpiresIn int      `json:"expires_in"`
}

// ValidateToken checks accessToken against the validation endpoint. A 401
// is reported as retry.ErrAuth.
func ValidateToken(ctx context.Context, client *http.Client, accessToken string) (Validation, error) {
	if strings.TrimSpace(accessToken) == "" {
		return Validation{}, fmt.Errorf("twitch: validate: %w: empty access token", retry.ErrAuth)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultRequestTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, validateEndpoint, nil)
	if err != nil {
		return Validation{}, fmt.Errorf("twitch: create validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+strings.TrimSpace(accessToken))
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Validation{}, fmt.Errorf("twitch: validate request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return Validation{}, fmt.Errorf("twitch: validate: %w: token rejected", retry.ErrAuth)
	}
	if resp.StatusCode != http.StatusOK {
		return Validation{}, fmt.Errorf("twitch: validate status %d", resp.StatusCode)
	}
	var v Validation
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&v); err != nil {
		return Validation{}, fmt.Errorf("twitch: decode validate response: %w", err)
	}
	if v.UserID == "" {
		return Validation{}, errors.New("twitch: validate response has no user id")
	}
	return v, nil
}

// CodeReceiver delivers the authorization code from the redirect.
type CodeReceiver interface {
	RedirectURI() string
	WaitForCode(ctx context.Context) (string, error)
	Close() error
}

// FlowOptions configure RunOAuthFlow.
type FlowOptions struct {
	ClientID       string
	ClientSecret   string
	TokenStorePath string
	Scopes         []string
	Port           int
	AutoFindPort   bool
	SkipBrowser    bool
	HTTP           *http.Client
	// Secrets, when set, receives the new tokens.
	Secrets *secrets.Store

	// Test seams. Nil means the real implementation.
	Receiver    CodeReceiver
	OpenBrowser func(url string) error
	Exchange    func(ctx context.Context, code string, cfg ExchangeConfig) (Tokens, error)
	Now         func() time.Time
}

// RunOAuthFlow runs the interactive authorization-code flow and persists the
// result. It returns nil tokens and no error when the exchange produced no
// access token.
func RunOAuthFlow(ctx context.Context, opts FlowOptions) (*Tokens, error) {
	log := logging.With("twitch-oauth")
	if strings.TrimSpace(opts.ClientID) == "" {
		return nil, errors.New("twitch: oauth flow requires a client id")
	}
	if strings.TrimSpace(opts.TokenStorePath) == "" {
		return nil, errors.New("twitch: oauth flow requires a token store path")
	}

	receiver := opts.Receiver
	if receiver == nil {
		srv, err := StartCallbackServer(ctx, CallbackOptions{Port: opts.Port, AutoFindPort: opts.AutoFindPort})
		if err != nil {
			return nil, err
		}
		receiver = srv
	}
	defer receiver.Close()

	authURL, err := BuildAuthURL(opts.ClientID, receiver.RedirectURI(), opts.Scopes)
	if err != nil {
		return nil, err
	}
	if opts.SkipBrowser {
		log.Info().Str("url", authURL).Msg("open this URL to authorize")
	} else {
		open := opts.OpenBrowser
		if open == nil {
			open = openBrowser
		}
		if err := open(authURL); err != nil {
			log.Warn().Err(err).Str("url", authURL).Msg("could not open browser; open the URL manually")
		}
	}

	code, err := receiver.WaitForCode(ctx)
	if err != nil {
		return nil, err
	}

	exchange := opts.Exchange
	if exchange == nil {
		exchange = ExchangeCodeForTokens
	}
	tokens, err := exchange(ctx, code, ExchangeConfig{
		ClientID:     opts.ClientID,
		ClientSecret: opts.ClientSecret,
		RedirectURI:  receiver.RedirectURI(),
		HTTP:         opts.HTTP,
	})
	if errors.Is(err, ErrNoAccessToken) || (err == nil && tokens.AccessToken == "") {
		log.Warn().Msg("code exchange returned no access token")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	record := secrets.Twitch{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	}
	if tokens.ExpiresIn > 0 {
		record.ExpiresAt = now().Add(time.Duration(tokens.ExpiresIn) * time.Second).UnixMilli()
	}
	if err := (TokenStore{Path: opts.TokenStorePath}).Save(record); err != nil {
		return nil, err
	}
	if opts.Secrets != nil {
		opts.Secrets.SetTwitchTokens(record)
	}
	log.Info().Str("access_token", logging.TokenPrefix(tokens.AccessToken)).Int("expires_in", tokens.ExpiresIn).Msg("authorization complete")
	return &tokens, nil
}

func openBrowser(target string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", target)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", target)
	default:
		cmd = exec.Command("xdg-open", target)
	}
	return cmd.Start()
}
