package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"loopcast/internal/models"
)

// Scope grants management of the account's live broadcasts.
const Scope = "https://www.googleapis.com/auth/youtube.force-ssl"

// DefaultEndpoint is the platform's OAuth endpoint.
var DefaultEndpoint = oauth2.Endpoint{
	AuthURL:   "https://accounts.google.com/o/oauth2/auth",
	TokenURL:  "https://oauth2.googleapis.com/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// TokenStore persists per-account OAuth tokens.
type TokenStore interface {
	GetAccountToken(ctx context.Context, accountID string) (models.AccountToken, error)
	SaveAccountToken(ctx context.Context, token models.AccountToken) error
}

// OAuthConfig identifies the OAuth client used to refresh account tokens.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
}

func (c OAuthConfig) oauth2Config() *oauth2.Config {
	endpoint := DefaultEndpoint
	if strings.TrimSpace(c.TokenURL) != "" {
		endpoint.TokenURL = strings.TrimSpace(c.TokenURL)
	}
	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = []string{Scope}
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}

// Credentials turns stored account tokens into refreshing token sources.
type Credentials struct {
	oauth  *oauth2.Config
	store  TokenStore
	base   *http.Client
	logger *slog.Logger
}

// NewCredentials wires the OAuth client config to a token store. base, when
// non-nil, carries token refresh requests.
func NewCredentials(cfg OAuthConfig, store TokenStore, base *http.Client, logger *slog.Logger) *Credentials {
	if logger == nil {
		logger = slog.Default()
	}
	return &Credentials{oauth: cfg.oauth2Config(), store: store, base: base, logger: logger}
}

// TokenSource loads the account's token and returns a source that refreshes
// it when expired and writes every refreshed token back to the store. The
// first token is fetched eagerly so an unusable credential fails here.
func (c *Credentials) TokenSource(ctx context.Context, accountID string) (oauth2.TokenSource, error) {
	if c.store == nil {
		return nil, fmt.Errorf("%w: no token store configured", ErrAuthentication)
	}
	stored, err := c.store.GetAccountToken(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("%w: load token for account %s: %w", ErrAuthentication, accountID, err)
	}
	if stored.AccessToken == "" && stored.RefreshToken == "" {
		return nil, fmt.Errorf("%w: account %s has no stored token", ErrAuthentication, accountID)
	}

	initial := &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		TokenType:    stored.TokenType,
		Expiry:       stored.Expiry,
	}
	if !initial.Valid() && initial.RefreshToken == "" {
		return nil, fmt.Errorf("%w: token for account %s expired and cannot be refreshed", ErrAuthentication, accountID)
	}

	// Refreshes may happen hours into a run, long after the caller's context ends.
	refreshCtx := context.WithoutCancel(ctx)
	if c.base != nil {
		refreshCtx = context.WithValue(refreshCtx, oauth2.HTTPClient, c.base)
	}
	src := &persistingTokenSource{
		base:      c.oauth.TokenSource(refreshCtx, initial),
		store:     c.store,
		accountID: accountID,
		last:      initial.AccessToken,
		logger:    c.logger,
	}
	ts := oauth2.ReuseTokenSource(initial, src)
	if _, err := ts.Token(); err != nil {
		return nil, err
	}
	return ts, nil
}

// HTTPClient returns an HTTP client that authenticates with ts.
func (c *Credentials) HTTPClient(ctx context.Context, ts oauth2.TokenSource) *http.Client {
	ctx = context.WithoutCancel(ctx)
	if c.base != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.base)
	}
	return oauth2.NewClient(ctx, ts)
}

type persistingTokenSource struct {
	base      oauth2.TokenSource
	store     TokenStore
	accountID string
	logger    *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: refresh token for account %s: %w", ErrAuthentication, s.accountID, err)
	}

	s.mu.Lock()
	changed := tok.AccessToken != s.last
	if changed {
		s.last = tok.AccessToken
	}
	s.mu.Unlock()
	if !changed {
		return tok, nil
	}

	record := models.AccountToken{
		AccountID:    s.accountID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		Expiry:       tok.Expiry,
		UpdatedAt:    time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.SaveAccountToken(ctx, record); err != nil {
		s.logger.Warn("persist refreshed token failed", "account_id", s.accountID, "error", err)
	} else {
		s.logger.Info("refreshed account token", "account_id", s.accountID, "expiry", tok.Expiry)
	}
	return tok, nil
}
