package credential

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	zlog "github.com/rs/zerolog/log"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2"
)

// Scopes are the permissions requested during authorization.
var Scopes = []string{
	spotifyauth.ScopeUserReadRecentlyPlayed,
	spotifyauth.ScopeUserReadCurrentlyPlaying,
	spotifyauth.ScopePlaylistModifyPublic,
	spotifyauth.ScopePlaylistModifyPrivate,
}

// OAuthConfig returns the OAuth2 configuration for the Spotify accounts service.
func OAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   spotifyauth.AuthURL,
			TokenURL:  spotifyauth.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// Status describes the stored credential without exposing it.
type Status struct {
	Present         bool       `json:"present"`
	Valid           bool       `json:"valid"`
	HasRefreshToken bool       `json:"has_refresh_token"`
	Expiry          *time.Time `json:"expiry,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Provider is an oauth2.TokenSource that refreshes on demand and persists
// every refreshed token.
type Provider struct {
	ctx   context.Context
	conf  *oauth2.Config
	store *FileStore

	mu    sync.Mutex
	token *oauth2.Token
}

var _ oauth2.TokenSource = (*Provider)(nil)

// NewProvider creates a provider. ctx may carry an oauth2.HTTPClient.
func NewProvider(ctx context.Context, conf *oauth2.Config, store *FileStore) *Provider {
	return &Provider{ctx: ctx, conf: conf, store: store}
}

// Token returns a valid access token, refreshing it when needed.
func (p *Provider) Token() (*oauth2.Token, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token == nil {
		tok, err := p.store.Load()
		if err != nil {
			return nil, err
		}
		p.token = tok
	}
	if p.token.Valid() {
		return p.token, nil
	}

	if p.token.RefreshToken == "" {
		return nil, errors.Mark(errors.New("access token expired and no refresh token stored"), ErrExpired)
	}

	zlog.Debug().Msg("Refreshing Spotify access token")
	tok, err := p.conf.TokenSource(p.ctx, &oauth2.Token{RefreshToken: p.token.RefreshToken}).Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			return nil, errors.Mark(errors.Wrap(err, "refresh token rejected; run the auth tool again"), ErrExpired)
		}
		return nil, errors.Mark(errors.Wrap(err, "failed to refresh token"), ErrUnavailable)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = p.token.RefreshToken
	}
	p.token = tok

	if err := p.store.Save(tok); err != nil {
		zlog.Warn().Err(err).Msgf("Refreshed token could not be saved to %s", p.store.Path())
	}
	return tok, nil
}

// Save stores a token obtained out of band and makes it current.
func (p *Provider) Save(tok *oauth2.Token) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.Save(tok); err != nil {
		return err
	}
	p.token = tok
	return nil
}

// Status reports the state of the stored credential.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	tok := p.token
	if tok == nil {
		loaded, err := p.store.Load()
		if err != nil {
			return Status{Error: err.Error()}
		}
		tok = loaded
	}

	s := Status{
		Present:         true,
		Valid:           tok.Valid(),
		HasRefreshToken: tok.RefreshToken != "",
	}
	if !tok.Expiry.IsZero() {
		expiry := tok.Expiry
		s.Expiry = &expiry
	}
	return s
}
