package voice

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// tokenRefreshBuffer is how long before expiry a cached token is refreshed.
const tokenRefreshBuffer = 60 * time.Second

// TokenManager fetches session tokens from an HTTP endpoint (the web app's
// token route) and caches them until close to expiry. Used when the SDK is
// not holding an API key directly.
type TokenManager struct {
	endpoint string
	headers  map[string]string
	client   *http.Client

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewTokenManager(endpoint string, headers map[string]string) *TokenManager {
	return &TokenManager{
		endpoint: endpoint,
		headers:  headers,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

// GetToken returns the cached token, refreshing when it is within the
// refresh buffer of expiry.
func (tm *TokenManager) GetToken() (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.token != "" && time.Now().Before(tm.expiresAt.Add(-tokenRefreshBuffer)) {
		return tm.token, nil
	}
	return tm.refreshToken()
}

func (tm *TokenManager) refreshToken() (string, error) {
	req, err := http.NewRequest(http.MethodPost, tm.endpoint, bytes.NewBufferString("{}"))
	if err != nil {
		return "", WrapError(err, ErrCodeTokenFailed)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range tm.headers {
		req.Header.Set(k, v)
	}

	resp, err := tm.client.Do(req)
	if err != nil {
		return "", WrapError(err, ErrCodeTokenFailed)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", NewVoiceError(
			fmt.Sprintf("token endpoint returned %d", resp.StatusCode),
			ErrCodeTokenFailed,
		).AddDetail("endpoint", tm.endpoint)
	}

	var body struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expiresAt"` // Unix millis
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", WrapError(err, ErrCodeTokenFailed)
	}
	if body.Token == "" {
		return "", NewVoiceError("token endpoint returned empty token", ErrCodeTokenFailed)
	}

	tm.token = body.Token
	if body.ExpiresAt > 0 {
		tm.expiresAt = time.UnixMilli(body.ExpiresAt)
	} else {
		tm.expiresAt = time.Now().Add(tokenExpiryMs * time.Millisecond)
	}
	return tm.token, nil
}
