package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyID = "test-key-1"

// newJWKSServer serves a JWKS document for the given EC public key.
func newJWKSServer(t *testing.T, pub *ecdsa.PublicKey) *httptest.Server {
	t.Helper()

	coord := func(b []byte) string {
		padded := make([]byte, 32)
		copy(padded[32-len(b):], b)
		return base64.RawURLEncoding.EncodeToString(padded)
	}

	doc := map[string]any{
		"keys": []map[string]any{
			{
				"kty": "EC",
				"crv": "P-256",
				"alg": "ES256",
				"use": "sig",
				"kid": testKeyID,
				"x":   coord(pub.X.Bytes()),
				"y":   coord(pub.Y.Bytes()),
			},
		},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func signToken(t *testing.T, key *ecdsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = testKeyID
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func testClaims(mutate func(*UserClaims)) *UserClaims {
	claims := &UserClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://auth.rentradar.example",
			Audience:  jwt.ClaimStrings{"rentradar"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		UserID: "operator-1",
		Email:  "ops@rentradar.example",
		Role:   "operator",
	}
	if mutate != nil {
		mutate(claims)
	}
	return claims
}

func newTestClient(t *testing.T, jwksURL string) *JWKSAuthClient {
	t.Helper()
	return NewJWKSClient(&Config{
		JWKSURL:  jwksURL,
		Issuer:   "https://auth.rentradar.example",
		Audience: "rentradar",
	})
}

func TestValidateToken(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	srv := newJWKSServer(t, &key.PublicKey)

	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantErr string
	}{
		{
			name:  "valid_token",
			token: signToken(t, key, testClaims(nil)),
		},
		{
			name: "expired_token",
			token: signToken(t, key, testClaims(func(c *UserClaims) {
				c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			})),
			wantErr: "expired",
		},
		{
			name: "wrong_issuer",
			token: signToken(t, key, testClaims(func(c *UserClaims) {
				c.Issuer = "https://evil.example"
			})),
			wantErr: "issuer",
		},
		{
			name: "wrong_audience",
			token: signToken(t, key, testClaims(func(c *UserClaims) {
				c.Audience = jwt.ClaimStrings{"other-app"}
			})),
			wantErr: "audience",
		},
		{
			name:    "wrong_signing_key",
			token:   signToken(t, otherKey, testClaims(nil)),
			wantErr: "parse token",
		},
		{
			name:    "malformed_token",
			token:   "not.a.jwt",
			wantErr: "parse token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, srv.URL)

			claims, err := client.ValidateToken(context.Background(), tt.token)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "operator-1", claims.UserID)
			assert.Equal(t, "operator", claims.Role)
		})
	}
}

func TestExtractTokenFromRequest(t *testing.T) {
	client := &JWKSAuthClient{config: &Config{JWKSURL: "unused", Issuer: "unused"}}

	req := httptest.NewRequest(http.MethodGet, "/admin/queues", nil)
	_, err := client.ExtractTokenFromRequest(req)
	assert.Error(t, err)

	req.Header.Set("Authorization", "Basic abc")
	_, err = client.ExtractTokenFromRequest(req)
	assert.Error(t, err)

	req.Header.Set("Authorization", "Bearer tok-123")
	token, err := client.ExtractTokenFromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", token)
}

func TestMiddleware(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	srv := newJWKSServer(t, &key.PublicKey)
	client := newTestClient(t, srv.URL)

	var gotClaims *UserClaims
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, _ = GetUserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware(client)(next)

	t.Run("missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/queues", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "UNAUTHORISED")
	})

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/admin/queues", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, key, testClaims(nil)))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, gotClaims)
		assert.Equal(t, "ops@rentradar.example", gotClaims.Email)
	})

	t.Run("expired token", func(t *testing.T) {
		expired := signToken(t, key, testClaims(func(c *UserClaims) {
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
		}))
		req := httptest.NewRequest(http.MethodGet, "/admin/queues", nil)
		req.Header.Set("Authorization", "Bearer "+expired)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), "expired")
	})
}

func TestProtectPrefix(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	srv := newJWKSServer(t, &key.PublicKey)
	client := newTestClient(t, srv.URL)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := ProtectPrefix(client, "/admin", next)

	t.Run("open route passes through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("guarded route requires token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/crawl", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("guarded route accepts valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/admin/crawl", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, key, testClaims(nil)))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("AUTH_JWKS_URL", "https://auth.rentradar.example/jwks.json")
	t.Setenv("AUTH_ISSUER", "https://auth.rentradar.example")
	t.Setenv("AUTH_AUDIENCE", "")

	config, err := NewConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "rentradar", config.Audience)

	t.Setenv("AUTH_JWKS_URL", "")
	_, err = NewConfigFromEnv()
	assert.Error(t, err)
}
