package smartauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ehrcore/ehrcore/internal/domain/connection"
	"github.com/ehrcore/ehrcore/internal/platform/auth"
	"github.com/ehrcore/ehrcore/internal/platform/crypto"
)

// refreshWindow is how far ahead of expiry EnsureFresh proactively refreshes
// an access token, per spec §4.1.
const refreshWindow = 5 * time.Minute

// Manager drives the SMART-on-FHIR authorization-code + PKCE flow for a
// Connection and keeps its access token fresh across calls from vendor
// adapters and the sync orchestrator.
type Manager struct {
	conns  connection.Repository
	sealer *crypto.Sealer
	states *stateStore
	sf     singleflight.Group
	client *http.Client
}

func NewManager(conns connection.Repository, sealer *crypto.Sealer) *Manager {
	return &Manager{
		conns:  conns,
		sealer: sealer,
		states: newStateStore(),
		client: http.DefaultClient,
	}
}

func (m *Manager) oauthConfig(c *connection.Connection) (*oauth2.Config, error) {
	var clientSecret string
	if c.SealedClientSecret != nil {
		secret, err := m.sealer.Unseal(*c.SealedClientSecret)
		if err != nil {
			return nil, fmt.Errorf("unseal client secret: %w", err)
		}
		clientSecret = secret
	}
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: clientSecret,
		RedirectURL:  c.RedirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthorizationURL,
			TokenURL: c.TokenURL,
		},
		Scopes: []string{"launch/patient", "patient/*.read", "offline_access"},
	}, nil
}

// Begin starts an authorization-code + PKCE flow for the given connection,
// returning the URL the end user must be redirected to and the state token
// bound to this attempt.
func (m *Manager) Begin(ctx context.Context, connectionID uuid.UUID) (authURL, state string, err error) {
	c, err := m.conns.GetByID(ctx, connectionID)
	if err != nil {
		return "", "", fmt.Errorf("load connection: %w", err)
	}

	// Endpoints the caller did not supply are resolved from the vendor's
	// SMART discovery document.
	if c.AuthorizationURL == "" || c.TokenURL == "" {
		smartCfg, derr := auth.DiscoverSMARTConfiguration(ctx, m.client, c.FHIRBaseURL)
		if derr != nil {
			return "", "", fmt.Errorf("discover smart endpoints: %w", derr)
		}
		if !smartCfg.SupportsS256() {
			return "", "", fmt.Errorf("smartauth: vendor at %s does not advertise S256 code challenges", c.FHIRBaseURL)
		}
		c.AuthorizationURL = smartCfg.AuthorizationEndpoint
		c.TokenURL = smartCfg.TokenEndpoint
		if uerr := m.conns.Update(ctx, c); uerr != nil {
			return "", "", fmt.Errorf("persist discovered endpoints: %w", uerr)
		}
	}

	cfg, err := m.oauthConfig(c)
	if err != nil {
		return "", "", err
	}

	verifier, err := newCodeVerifier()
	if err != nil {
		return "", "", err
	}
	state, err = m.states.create(connectionID, verifier, c.RedirectURI)
	if err != nil {
		return "", "", err
	}

	authURL = cfg.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", verifier.challenge()),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("aud", c.FHIRBaseURL),
	)
	return authURL, state, nil
}

// ErrInvalidState is returned by Complete when the state token does not
// match a live pending authorization, or the caller-echoed verifier
// disagrees with the stored one.
var ErrInvalidState = errors.New("smartauth: invalid or expired state")

// ErrExchangeFailed wraps a non-2xx response from the vendor token
// endpoint during the code exchange.
var ErrExchangeFailed = errors.New("smartauth: authorization code exchange failed")

// Complete finishes the flow after the vendor redirects back with a state
// and authorization code, exchanging the code for tokens and sealing them
// onto the connection record. codeVerifier, when non-empty, must match
// the verifier stored at Begin; the stored value is what is sent to the
// token endpoint either way.
func (m *Manager) Complete(ctx context.Context, state, code, codeVerifier string) (*connection.Connection, error) {
	pending, ok := m.states.claim(state)
	if !ok {
		return nil, fmt.Errorf("%w: state %q", ErrInvalidState, state)
	}
	if codeVerifier != "" && codeVerifier != string(pending.verifier) {
		return nil, fmt.Errorf("%w: code verifier mismatch", ErrInvalidState)
	}

	c, err := m.conns.GetByID(ctx, pending.connectionID)
	if err != nil {
		return nil, fmt.Errorf("load connection: %w", err)
	}
	cfg, err := m.oauthConfig(c)
	if err != nil {
		return nil, err
	}

	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, m.client)
	tok, err := cfg.Exchange(httpCtx, code, oauth2.SetAuthURLParam("code_verifier", string(pending.verifier)))
	if err != nil {
		if markErr := m.conns.UpdateStatus(ctx, c.ID, connection.StatusError); markErr != nil {
			return nil, fmt.Errorf("%w: %v (also failed to mark connection errored: %v)", ErrExchangeFailed, err, markErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	if err := m.applyToken(ctx, c, tok); err != nil {
		return nil, err
	}
	c.Status = connection.StatusActive
	if err := m.conns.Update(ctx, c); err != nil {
		return nil, fmt.Errorf("persist connection after token exchange: %w", err)
	}
	return c, nil
}

// EnsureFresh returns a valid access token for the connection, transparently
// refreshing it if it is within refreshWindow of expiry or already expired.
// Concurrent callers for the same connection collapse onto a single refresh
// via singleflight, so a burst of sync jobs never races the vendor's token
// endpoint.
func (m *Manager) EnsureFresh(ctx context.Context, connectionID uuid.UUID) (string, error) {
	c, err := m.conns.GetByID(ctx, connectionID)
	if err != nil {
		return "", fmt.Errorf("load connection: %w", err)
	}

	if c.SealedAccessToken != nil && c.AccessTokenExpiry != nil && time.Until(*c.AccessTokenExpiry) > refreshWindow {
		return m.sealer.Unseal(*c.SealedAccessToken)
	}
	if c.SealedRefreshToken == nil {
		return "", fmt.Errorf("smartauth: connection %s has no refresh token; re-authorization required", connectionID)
	}

	v, err, _ := m.sf.Do(connectionID.String(), func() (interface{}, error) {
		return m.refresh(ctx, connectionID, false)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// ForceRefresh refreshes the access token unconditionally, bypassing the
// expiry check EnsureFresh applies. Vendor adapters call this once after a
// 401 response per spec §4.2 ("responses with 401 trigger a single
// EnsureFresh and one retry") — the locally cached expiry may say the token
// is still live even though the vendor has revoked it early.
func (m *Manager) ForceRefresh(ctx context.Context, connectionID uuid.UUID) (string, error) {
	v, err, _ := m.sf.Do(connectionID.String(), func() (interface{}, error) {
		return m.refresh(ctx, connectionID, true)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) refresh(ctx context.Context, connectionID uuid.UUID, force bool) (string, error) {
	c, err := m.conns.GetByID(ctx, connectionID)
	if err != nil {
		return "", fmt.Errorf("load connection: %w", err)
	}
	// A concurrent refresh may have already completed while this call
	// waited on the singleflight lock; re-check before hitting the network,
	// unless the caller explicitly demands a fresh token (ForceRefresh).
	if !force && c.SealedAccessToken != nil && c.AccessTokenExpiry != nil && time.Until(*c.AccessTokenExpiry) > refreshWindow {
		return m.sealer.Unseal(*c.SealedAccessToken)
	}

	refreshToken, err := m.sealer.Unseal(*c.SealedRefreshToken)
	if err != nil {
		return "", fmt.Errorf("unseal refresh token: %w", err)
	}
	cfg, err := m.oauthConfig(c)
	if err != nil {
		return "", err
	}

	httpCtx := context.WithValue(ctx, oauth2.HTTPClient, m.client)
	src := cfg.TokenSource(httpCtx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := retryRefresh(ctx, src.Token)
	if err != nil {
		if markErr := m.conns.UpdateStatus(ctx, c.ID, connection.StatusTokenExpired); markErr != nil {
			return "", fmt.Errorf("refresh token: %w (also failed to mark connection token-expired: %v)", err, markErr)
		}
		return "", fmt.Errorf("refresh token: %w", err)
	}

	if err := m.applyToken(ctx, c, tok); err != nil {
		return "", err
	}
	if err := m.conns.Update(ctx, c); err != nil {
		return "", fmt.Errorf("persist connection after refresh: %w", err)
	}
	return m.sealer.Unseal(*c.SealedAccessToken)
}

func (m *Manager) applyToken(_ context.Context, c *connection.Connection, tok *oauth2.Token) error {
	sealedAccess, err := m.sealer.Seal(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	c.SealedAccessToken = &sealedAccess
	expiry := tok.Expiry
	c.AccessTokenExpiry = &expiry

	if tok.RefreshToken != "" {
		sealedRefresh, err := m.sealer.Seal(tok.RefreshToken)
		if err != nil {
			return fmt.Errorf("seal refresh token: %w", err)
		}
		c.SealedRefreshToken = &sealedRefresh
	}
	return nil
}
