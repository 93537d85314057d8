package mpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tulipay/mpesa-gateway/internal/telemetry"
)

// expiryMargin refreshes slightly early so a token never expires mid
// request.
const expiryMargin = 30 * time.Second

// TokenSource caches the provider's OAuth2 client-credentials bearer
// token and refreshes it only when expired. The mutex is held across the
// exchange, so concurrent callers behind an expired token wait for the
// single in-flight refresh instead of issuing their own.
type TokenSource struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	client         *http.Client
	now            func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func NewTokenSource(baseURL, consumerKey, consumerSecret string, client *http.Client) *TokenSource {
	return &TokenSource{
		baseURL:        baseURL,
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		client:         client,
		now:            time.Now,
	}
}

// Token returns the cached bearer token, performing the exchange when the
// cache is empty or expired. No retries happen here; the caller owns retry
// policy.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.token != "" && ts.now().Before(ts.expiry) {
		return ts.token, nil
	}

	token, expiresIn, err := ts.exchange(ctx)
	if err != nil {
		return "", err
	}

	ts.token = token
	ts.expiry = ts.now().Add(expiresIn - expiryMargin)
	return ts.token, nil
}

func (ts *TokenSource) exchange(ctx context.Context) (string, time.Duration, error) {
	telemetry.TokenRefreshes.Inc()

	url := ts.baseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(ts.consumerKey, ts.consumerSecret)

	resp, err := ts.client.Do(req)
	if err != nil {
		if terr := timeoutOrNil("token exchange", err); terr != nil {
			return "", 0, terr
		}
		return "", 0, &AuthError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", 0, &AuthError{Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", 0, &AuthError{Status: resp.StatusCode, Body: string(body)}
	}

	var tr struct {
		AccessToken string  `json:"access_token"`
		ExpiresIn   jsonInt `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, &AuthError{Status: resp.StatusCode, Body: string(body), Err: err}
	}
	if tr.AccessToken == "" {
		return "", 0, &AuthError{Status: resp.StatusCode, Body: string(body)}
	}

	return tr.AccessToken, time.Duration(tr.ExpiresIn) * time.Second, nil
}
