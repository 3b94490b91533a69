package calendar

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTokenLifetime is assumed when the provider omits expires_in.
const DefaultTokenLifetime = time.Hour

// RefreshOutcome classifies a refresh attempt. The caller's next step is
// different for each class, so these are never collapsed into a boolean.
type RefreshOutcome int

const (
	// RefreshOK carries a new access token.
	RefreshOK RefreshOutcome = iota + 1
	// RefreshPermanent means the refresh token is revoked or invalid and will
	// never work again without the user re-authorizing.
	RefreshPermanent
	// RefreshTransient means the attempt may succeed later (timeout, network,
	// throttling, provider 5xx).
	RefreshTransient
)

func (o RefreshOutcome) String() string {
	switch o {
	case RefreshOK:
		return "ok"
	case RefreshPermanent:
		return "permanent"
	case RefreshTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// RefreshResult is the outcome of one refresh attempt.
type RefreshResult struct {
	Outcome     RefreshOutcome
	AccessToken string
	// RefreshToken is the token to keep for the next refresh. Providers that
	// rotate refresh tokens return a new one; otherwise it is the one sent.
	RefreshToken string
	Expiry       time.Time
	Err          error
}

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Timeout      time.Duration
}

// OAuthRefresher exchanges refresh tokens for access tokens with the
// provider's OAuth 2.0 token endpoint.
type OAuthRefresher struct {
	oauth   oauth2.Config
	client  *http.Client
	timeout time.Duration
	now     func() time.Time
}

func NewOAuthRefresher(cfg OAuthConfig) *OAuthRefresher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &OAuthRefresher{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		now:     time.Now,
	}
}

// Refresh performs a single bounded refresh call. It never retries.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) RefreshResult {
	if refreshToken == "" {
		return RefreshResult{Outcome: RefreshPermanent, Err: errors.New("calendar refresh: empty refresh token")}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.client)

	token, err := r.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return RefreshResult{Outcome: ClassifyRefreshError(err), Err: wrapTransport("refresh", err)}
	}

	expiry := token.Expiry
	if expiry.IsZero() {
		expiry = r.now().Add(DefaultTokenLifetime)
	}
	next := token.RefreshToken
	if next == "" {
		next = refreshToken
	}
	return RefreshResult{
		Outcome:      RefreshOK,
		AccessToken:  token.AccessToken,
		RefreshToken: next,
		Expiry:       expiry,
	}
}

// ClassifyRefreshError maps a token endpoint failure onto a RefreshOutcome.
// Only explicit credential rejections are permanent; a timeout never is.
func ClassifyRefreshError(err error) RefreshOutcome {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		return RefreshTransient
	}
	switch retrieveErr.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return RefreshPermanent
	}
	if retrieveErr.Response != nil {
		switch retrieveErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return RefreshPermanent
		}
	}
	return RefreshTransient
}
