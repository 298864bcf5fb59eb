// Package main provides the Spotify authorization tool. It runs the OAuth
// authorization-code flow once and stores the token for the server.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/osa030/onrepeat/internal/infra/config"
	"github.com/osa030/onrepeat/internal/infra/credential"
	"github.com/osa030/onrepeat/internal/infra/logger"
)

var (
	app          = kingpin.New("onrepeat-auth", "Spotify authorization tool for onrepeat")
	configPath   = app.Flag("config", "Path to config file (optional)").String()
	clientID     = app.Flag("client-id", "Spotify Client ID").Envar("SPOTIFY_CLIENT_ID").String()
	clientSecret = app.Flag("client-secret", "Spotify Client Secret").Envar("SPOTIFY_CLIENT_SECRET").String()
	redirectURL  = app.Flag("redirect-url", "OAuth redirect URL registered for the app").String()
	tokenFile    = app.Flag("token-file", "Where to store the token").String()
	timeout      = app.Flag("timeout", "How long to wait for the authorization").Default("5m").Duration()
)

const completePage = `<!DOCTYPE html>
<html>
<head><title>onrepeat - Authorization Complete</title></head>
<body style="font-family: sans-serif; text-align: center; padding-top: 20vh;">
  <h1>Authorization Complete</h1>
  <p>You can close this window and return to the terminal.</p>
</body>
</html>
`

func main() {
	_ = godotenv.Load()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	if _, err := logger.Init(logger.Config{Output: "stderr", Level: "info"}); err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}

	settings, err := resolveSettings()
	if err != nil {
		zlog.Fatal().Msgf("%v", err)
	}

	tok, err := authorize(settings)
	if err != nil {
		zlog.Fatal().Msgf("Authorization failed: %v", err)
	}

	store := credential.NewFileStore(settings.TokenFile)
	if err := store.Save(tok); err != nil {
		zlog.Fatal().Msgf("Failed to save token: %v", err)
	}

	fmt.Println("")
	fmt.Println("=== Authorization Successful ===")
	fmt.Printf("Token saved to %s (expires %s)\n", store.Path(), tok.Expiry.Local().Format(time.DateTime))
	if tok.RefreshToken == "" {
		fmt.Println("Warning: no refresh token was issued; the server will need a new authorization when it expires.")
	}
}

// resolveSettings merges the optional config file with the flags. Flags win.
func resolveSettings() (config.SpotifyConfig, error) {
	var s config.SpotifyConfig
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			return s, err
		}
		s = cfg.Spotify
	} else {
		cfg, err := config.Parse(nil)
		if err != nil {
			return s, err
		}
		s = cfg.Spotify
	}

	if *clientID != "" {
		s.ClientID = *clientID
	}
	if *clientSecret != "" {
		s.ClientSecret = *clientSecret
	}
	if *redirectURL != "" {
		s.RedirectURL = *redirectURL
	}
	if *tokenFile != "" {
		s.TokenFile = *tokenFile
	}

	if s.ClientID == "" || s.ClientSecret == "" {
		return s, errors.New("client id and secret are required (flags, SPOTIFY_CLIENT_ID/SPOTIFY_CLIENT_SECRET or --config)")
	}
	return s, nil
}

// authorize serves the redirect URL locally, prints the authorization URL
// and waits for the callback.
func authorize(s config.SpotifyConfig) (*oauth2.Token, error) {
	redirect, err := url.Parse(s.RedirectURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid redirect url %q", s.RedirectURL)
	}

	conf := credential.OAuthConfig(s.ClientID, s.ClientSecret, s.RedirectURL)
	state := uuid.NewString()

	type result struct {
		tok *oauth2.Token
		err error
	}
	ch := make(chan result, 1)
	deliver := func(res result) {
		select {
		case ch <- res:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(redirect.Path, func(w http.ResponseWriter, r *http.Request) {
		if st := r.FormValue("state"); st != state {
			http.Error(w, "State mismatch", http.StatusForbidden)
			zlog.Warn().Msgf("State mismatch: %s", st)
			return
		}
		if e := r.FormValue("error"); e != "" {
			http.Error(w, "Authorization denied", http.StatusForbidden)
			deliver(result{err: errors.Newf("authorization denied: %s", e)})
			return
		}
		tok, err := conf.Exchange(r.Context(), r.FormValue("code"))
		if err != nil {
			http.Error(w, "Failed to get token", http.StatusForbidden)
			deliver(result{err: errors.Wrap(err, "failed to exchange code")})
			return
		}
		fmt.Fprint(w, completePage)
		deliver(result{tok: tok})
	})

	ln, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", redirect.Host)
	}
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error().Msgf("Callback server error: %v", err)
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			zlog.Warn().Msgf("Failed to shutdown server: %v", err)
		}
	}()

	fmt.Println("Please visit the following URL to authorize onrepeat:")
	fmt.Println("")
	fmt.Println(conf.AuthCodeURL(state))
	fmt.Println("")
	fmt.Println("Waiting for authorization...")

	select {
	case res := <-ch:
		return res.tok, res.err
	case <-time.After(*timeout):
		return nil, errors.Newf("no authorization received within %s", *timeout)
	}
}
