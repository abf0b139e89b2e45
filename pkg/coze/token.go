// Package coze obtains and refreshes bearer tokens for the Coze open API
// using the JWT OAuth (signed assertion) flow. This is the only supported
// credential mode; personal access tokens are deliberately not handled.
package coze

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"WeRelay/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenEndpointPath = "/api/permission/oauth2/token"
	jwtGrantType      = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionLifetime = 15 * time.Minute
	tokenDuration     = 86399 // seconds the issued access token stays valid
)

// DefaultRefreshThreshold is how much remaining lifetime triggers a refresh.
const DefaultRefreshThreshold = 30 * time.Minute

// tokenHTTPClient has a short timeout so token calls never hang a message.
var tokenHTTPClient = &http.Client{Timeout: 15 * time.Second}

// Credential is a cached access token with its expiry.
type Credential struct {
	AccessToken string `json:"access_token"`
	ExpiresAt   int64  `json:"expires_at"` // unix seconds
}

// Valid reports whether more than threshold remains before expiry.
func (c *Credential) Valid(threshold time.Duration) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	remaining := time.Until(time.Unix(c.ExpiresAt, 0))
	return remaining > threshold
}

// TokenSource issues bearer tokens for one Coze application. Safe for
// concurrent use; at most one refresh runs at a time.
type TokenSource struct {
	clientID    string
	privateKey  *rsa.PrivateKey
	publicKeyID string
	baseURL     string
	audience    string
	threshold   time.Duration

	mu    sync.Mutex
	cache *Credential
	store *credentialStore
}

// Options configures a TokenSource.
type Options struct {
	ClientID    string
	PrivateKey  string // PEM-encoded RSA private key
	PublicKeyID string
	BaseURL     string
	CachePath   string        // optional on-disk credential cache
	Threshold   time.Duration // zero uses DefaultRefreshThreshold
}

// NewTokenSource validates the credential fields and returns a TokenSource.
// Missing fields fail fast with an error naming every absent field.
func NewTokenSource(opts Options) (*TokenSource, error) {
	var missing []string
	if strings.TrimSpace(opts.ClientID) == "" {
		missing = append(missing, "client_id")
	}
	if strings.TrimSpace(opts.PrivateKey) == "" {
		missing = append(missing, "private_key")
	}
	if strings.TrimSpace(opts.PublicKeyID) == "" {
		missing = append(missing, "public_key_id")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("coze JWT OAuth config incomplete, missing: %s", strings.Join(missing, ", "))
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(opts.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("coze private_key is not a valid PEM RSA key: %w", err)
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.coze.cn"
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return nil, fmt.Errorf("coze base_url %q is invalid", opts.BaseURL)
	}

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}

	return &TokenSource{
		clientID:    opts.ClientID,
		privateKey:  key,
		publicKeyID: opts.PublicKeyID,
		baseURL:     baseURL,
		audience:    parsed.Host,
		threshold:   threshold,
		store:       newCredentialStore(opts.CachePath),
	}, nil
}

// Token returns a bearer token, reusing the cached one while more than the
// refresh threshold remains before expiry.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.cache.Valid(ts.threshold) {
		return ts.cache.AccessToken, nil
	}

	// The on-disk cache may hold a token issued by a sibling process.
	if cred := ts.store.load(); cred.Valid(ts.threshold) {
		ts.cache = cred
		return cred.AccessToken, nil
	}

	cred, err := ts.fetch(ctx)
	if err != nil {
		return "", err
	}
	ts.cache = cred
	ts.store.save(cred)
	logger.Infof("coze: issued new access token, expires %s", time.Unix(cred.ExpiresAt, 0).Format(time.RFC3339))
	return cred.AccessToken, nil
}

// fetch signs a fresh assertion and exchanges it for an access token.
func (ts *TokenSource) fetch(ctx context.Context) (*Credential, error) {
	assertion, err := ts.signAssertion()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]any{
		"grant_type":       jwtGrantType,
		"duration_seconds": tokenDuration,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.baseURL+tokenEndpointPath, strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+assertion)

	resp, err := tokenHTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange failed (status %d): %s", resp.StatusCode, truncate(respBody))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token exchange returned an empty access token")
	}

	// Coze reports expires_in as an absolute unix timestamp; tolerate
	// relative seconds as well.
	expiresAt := tokenResp.ExpiresIn
	if expiresAt < 1e9 {
		expiresAt = time.Now().Unix() + tokenResp.ExpiresIn
	}

	return &Credential{AccessToken: tokenResp.AccessToken, ExpiresAt: expiresAt}, nil
}

// signAssertion builds the RS256 JWT the token endpoint expects.
func (ts *TokenSource) signAssertion() (string, error) {
	jti := make([]byte, 16)
	if _, err := rand.Read(jti); err != nil {
		return "", fmt.Errorf("failed to generate jti: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": ts.clientID,
		"aud": ts.audience,
		"iat": now.Unix(),
		"exp": now.Add(assertionLifetime).Unix(),
		"jti": hex.EncodeToString(jti),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = ts.publicKeyID

	signed, err := token.SignedString(ts.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign JWT assertion: %w", err)
	}
	return signed, nil
}

func truncate(body []byte) string {
	r := []rune(string(body))
	if len(r) > 200 {
		return string(r[:200]) + "..."
	}
	return string(body)
}
