package main

import (
	"errors"
	"flag"
	"net/http"
	"strings"
	"time"

	"github.com/you/gnasty-hub/internal/logging"
	"github.com/you/gnasty-hub/internal/twitch"
)

func authCommand(args []string) error {
	var (
		common      commonFlags
		port        int
		autoPort    bool
		skipBrowser bool
		tokenFile   string
	)
	fs := flag.NewFlagSet("auth", flag.ExitOnError)
	common.register(fs)
	fs.IntVar(&port, "port", 0, "Callback port (default twitch.callback_port)")
	fs.BoolVar(&autoPort, "auto-port", true, "Try the next ports when the callback port is taken")
	fs.BoolVar(&skipBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	fs.StringVar(&tokenFile, "token-file", "", "Token store path (default twitch.token_file)")
	_ = fs.Parse(args)

	overrides := visited(fs)
	cfg, err := common.load(overrides)
	if err != nil {
		return err
	}
	if overrides["port"] {
		cfg.Twitch.CallbackPort = port
	}
	if overrides["token-file"] {
		cfg.Twitch.TokenFile = strings.TrimSpace(tokenFile)
	}
	if strings.TrimSpace(cfg.Twitch.ClientID) == "" {
		return errors.New("hub: auth needs twitch.client_id")
	}

	ctx, cancel := signalContext()
	defer cancel()

	tokens, err := twitch.RunOAuthFlow(ctx, twitch.FlowOptions{
		ClientID:       cfg.Twitch.ClientID,
		ClientSecret:   cfg.Twitch.ClientSecret,
		TokenStorePath: cfg.Twitch.TokenFile,
		Scopes:         cfg.Twitch.Scopes,
		Port:           cfg.Twitch.CallbackPort,
		AutoFindPort:   autoPort,
		SkipBrowser:    skipBrowser,
		HTTP:           &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return err
	}
	if tokens == nil {
		return errors.New("hub: authorization returned no access token")
	}
	logging.Info().Str("token_file", cfg.Twitch.TokenFile).Msg("hub: twitch tokens stored")
	return nil
}
