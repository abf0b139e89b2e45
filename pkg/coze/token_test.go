package coze

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyPEM(t *testing.T) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return string(pem.EncodeToMemory(block)), key
}

func TestNewTokenSourceMissingFields(t *testing.T) {
	_, err := NewTokenSource(Options{})
	require.Error(t, err)
	for _, field := range []string{"client_id", "private_key", "public_key_id"} {
		assert.Contains(t, err.Error(), field)
	}
}

func TestNewTokenSourceRejectsBadKey(t *testing.T) {
	_, err := NewTokenSource(Options{
		ClientID:    "123",
		PrivateKey:  "not a pem key",
		PublicKeyID: "kid-1",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private_key")
}

func TestTokenFetchAndAssertion(t *testing.T) {
	pemKey, key := testKeyPEM(t)

	var gotAssertion string
	var gotBody map[string]any
	fetches := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, tokenEndpointPath, r.URL.Path)
		fetches++
		gotAssertion = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "issued-token",
			"expires_in":   time.Now().Add(24 * time.Hour).Unix(),
			"token_type":   "Bearer",
		})
	}))
	defer server.Close()

	ts, err := NewTokenSource(Options{
		ClientID:    "client-1",
		PrivateKey:  pemKey,
		PublicKeyID: "kid-1",
		BaseURL:     server.URL,
	})
	require.NoError(t, err)

	token, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "issued-token", token)
	assert.Equal(t, jwtGrantType, gotBody["grant_type"])

	// The assertion must verify against our key and carry the right claims.
	parsed, err := jwt.Parse(gotAssertion, func(tok *jwt.Token) (any, error) {
		require.IsType(t, &jwt.SigningMethodRSA{}, tok.Method)
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "client-1", claims["iss"])
	assert.NotEmpty(t, claims["jti"])
	assert.Equal(t, "kid-1", parsed.Header["kid"])
	host := strings.TrimPrefix(server.URL, "http://")
	assert.Equal(t, host, claims["aud"])

	// Second call reuses the cached token without another exchange.
	token, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "issued-token", token)
	assert.Equal(t, 1, fetches)
}

func TestTokenRefreshAfterThreshold(t *testing.T) {
	pemKey, _ := testKeyPEM(t)
	fetches := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches++
		json.NewEncoder(w).Encode(map[string]any{
			// Expires within the refresh threshold, so never considered valid.
			"access_token": "short-lived",
			"expires_in":   time.Now().Add(5 * time.Minute).Unix(),
		})
	}))
	defer server.Close()

	ts, err := NewTokenSource(Options{
		ClientID:    "client-1",
		PrivateKey:  pemKey,
		PublicKeyID: "kid-1",
		BaseURL:     server.URL,
		Threshold:   30 * time.Minute,
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := ts.Token(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 2, fetches, "a token inside the refresh threshold must be refetched")
}

func TestTokenDiskCacheSharedAcrossSources(t *testing.T) {
	pemKey, _ := testKeyPEM(t)
	cachePath := filepath.Join(t.TempDir(), "coze_token.json")
	fetches := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches++
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "cached-token",
			"expires_in":   time.Now().Add(24 * time.Hour).Unix(),
		})
	}))
	defer server.Close()

	opts := Options{
		ClientID:    "client-1",
		PrivateKey:  pemKey,
		PublicKeyID: "kid-1",
		BaseURL:     server.URL,
		CachePath:   cachePath,
	}

	ts1, err := NewTokenSource(opts)
	require.NoError(t, err)
	_, err = ts1.Token(context.Background())
	require.NoError(t, err)

	// A second source over the same cache file picks up the stored token.
	ts2, err := NewTokenSource(opts)
	require.NoError(t, err)
	token, err := ts2.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cached-token", token)
	assert.Equal(t, 1, fetches)

	info, err := os.Stat(cachePath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestTokenExchangeFailure(t *testing.T) {
	pemKey, _ := testKeyPEM(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error_message": "invalid client"}`))
	}))
	defer server.Close()

	ts, err := NewTokenSource(Options{
		ClientID:    "client-1",
		PrivateKey:  pemKey,
		PublicKeyID: "kid-1",
		BaseURL:     server.URL,
	})
	require.NoError(t, err)

	_, err = ts.Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

func TestCredentialValid(t *testing.T) {
	threshold := 30 * time.Minute

	var nilCred *Credential
	assert.False(t, nilCred.Valid(threshold))
	assert.False(t, (&Credential{}).Valid(threshold))
	assert.False(t, (&Credential{
		AccessToken: "t",
		ExpiresAt:   time.Now().Add(10 * time.Minute).Unix(),
	}).Valid(threshold))
	assert.True(t, (&Credential{
		AccessToken: "t",
		ExpiresAt:   time.Now().Add(2 * time.Hour).Unix(),
	}).Valid(threshold))
}

func TestCredentialStoreCorruptCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0600))

	store := newCredentialStore(path)
	assert.Nil(t, store.load())
}

func TestRelativeExpiresIn(t *testing.T) {
	pemKey, _ := testKeyPEM(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "rel-token",
			"expires_in":   86399,
		})
	}))
	defer server.Close()

	ts, err := NewTokenSource(Options{
		ClientID:    "client-1",
		PrivateKey:  pemKey,
		PublicKeyID: "kid-1",
		BaseURL:     server.URL,
	})
	require.NoError(t, err)

	cred, err := ts.fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rel-token", cred.AccessToken)
	assert.Greater(t, cred.ExpiresAt, time.Now().Unix()+80000)
}
