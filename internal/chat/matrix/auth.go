package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// tokenExpiryBuffer is the time before actual expiry when we consider a token expired.
// This prevents using a token that is about to expire during a request.
const tokenExpiryBuffer = 30 * time.Second

// errNoCredentials is returned when neither an access token nor a password
// is configured, or a refresh is requested without a password.
var errNoCredentials = errors.New("matrix: no password configured for login")

// tokenCache holds the access token, logging in with the configured password
// when no token is available. It is safe for concurrent use.
type tokenCache struct {
	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
	loginURL    string
	userID      string
	password    string
	httpClient  *http.Client
}

// newTokenCache creates a token cache. A non-empty accessToken is used as is
// until the homeserver rejects it.
func newTokenCache(loginURL, userID, password, accessToken string, httpClient *http.Client) *tokenCache {
	return &tokenCache{
		accessToken: accessToken,
		loginURL:    loginURL,
		userID:      userID,
		password:    password,
		httpClient:  httpClient,
	}
}

// Token returns a valid access token, logging in if necessary.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.accessToken != "" && (tc.expiresAt.IsZero() || time.Now().Before(tc.expiresAt)) {
		return tc.accessToken, nil
	}
	if tc.password == "" {
		return "", errNoCredentials
	}

	return tc.login(ctx)
}

// CanRefresh reports whether ForceRefresh can obtain a new token.
func (tc *tokenCache) CanRefresh() bool {
	return tc.password != ""
}

// ForceRefresh discards the current token and logs in again.
// This is used when a 401 response indicates the token is invalid.
func (tc *tokenCache) ForceRefresh(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.password == "" {
		return "", errNoCredentials
	}

	tc.accessToken = ""
	tc.expiresAt = time.Time{}

	return tc.login(ctx)
}

// login performs an m.login.password login.
// The caller must hold tc.mu.
func (tc *tokenCache) login(ctx context.Context) (string, error) {
	payload, err := json.Marshal(loginRequest{
		Type:                     "m.login.password",
		Identifier:               loginIdentifier{Type: "m.id.user", User: tc.userID},
		Password:                 tc.password,
		InitialDeviceDisplayName: "mail2room",
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.loginURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tc.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read login response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var loginResp loginResponse
	if err := json.Unmarshal(body, &loginResp); err != nil {
		return "", fmt.Errorf("failed to parse login response: %w", err)
	}

	if loginResp.AccessToken == "" {
		return "", fmt.Errorf("login response missing access_token")
	}

	tc.accessToken = loginResp.AccessToken
	tc.expiresAt = time.Time{}
	if loginResp.ExpiresInMs > 0 {
		tc.expiresAt = time.Now().Add(time.Duration(loginResp.ExpiresInMs)*time.Millisecond - tokenExpiryBuffer)
	}

	return tc.accessToken, nil
}
