package smartauth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
)

// maxRefreshAttempts bounds retryRefresh to four attempts in all: the first
// call plus up to three retries of network/5xx/429 responses from the token
// endpoint, with exponential backoff of 250ms/500ms/1s, jittered +/-20%.
const maxRefreshAttempts = 4

// retryRefresh drives tokenFn with the backoff schedule spec §4.1 requires.
// 4xx responses other than 429 are treated as non-transient and returned
// immediately without retrying, since a bad refresh token will not heal on
// its own.
func retryRefresh(ctx context.Context, tokenFn func() (*oauth2.Token, error)) (*oauth2.Token, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	bctx := backoff.WithContext(backoff.WithMaxRetries(b, maxRefreshAttempts-1), ctx)

	var tok *oauth2.Token
	operation := func() error {
		t, err := tokenFn()
		if err != nil {
			if !isTransientTokenError(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		tok = t
		return nil
	}

	if err := backoff.Retry(operation, bctx); err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return nil, perm.Err
		}
		return nil, err
	}
	return tok, nil
}

// isTransientTokenError reports whether err, returned from an OAuth2 token
// exchange/refresh, represents a transient failure (network error or a 5xx /
// 429 response) worth retrying, per spec §4.1's failure model.
func isTransientTokenError(err error) bool {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response == nil {
			return true
		}
		code := retrieveErr.Response.StatusCode
		return code == http.StatusTooManyRequests || code >= 500
	}
	// Not an OAuth2-shaped error response at all (e.g. dial/timeout) — treat
	// as a transient network failure.
	return true
}
