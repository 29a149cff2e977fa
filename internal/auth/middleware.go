// Package auth guards the operator endpoints with JWT bearer tokens
// validated against the identity provider's JWKS.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/getsentry/sentry-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// AuthClient defines the interface for token validation operations
type AuthClient interface {
	ValidateToken(ctx context.Context, token string) (*UserClaims, error)
	ExtractTokenFromRequest(r *http.Request) (string, error)
}

// UserContextKey is the key used to store user claims in the request context
type UserContextKey string

const (
	UserKey UserContextKey = "user"
)

// UserClaims represents the JWT claims issued to operators
type UserClaims struct {
	jwt.RegisteredClaims
	UserID string `json:"sub"`
	Email  string `json:"email"`
	Role   string `json:"role"`
}

// JWKSAuthClient validates tokens against a JWKS endpoint, caching the
// signing keys between requests.
type JWKSAuthClient struct {
	config *Config

	once    sync.Once
	jwks    keyfunc.Keyfunc
	jwksErr error
}

// NewJWKSClient creates a client bound to the given provider configuration.
func NewJWKSClient(config *Config) *JWKSAuthClient {
	if config == nil {
		panic("auth config is required")
	}
	return &JWKSAuthClient{config: config}
}

func (c *JWKSAuthClient) getJWKS() (keyfunc.Keyfunc, error) {
	c.once.Do(func() {
		override := keyfunc.Override{
			Client:          &http.Client{Timeout: 5 * time.Second},
			HTTPTimeout:     5 * time.Second,
			RefreshInterval: 10 * time.Minute,
			RefreshErrorHandlerFunc: func(url string) func(ctx context.Context, err error) {
				return func(ctx context.Context, err error) {
					log.Error().Err(err).Str("jwks_url", url).Msg("JWKS refresh failed")
				}
			},
		}

		childCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		c.jwks, c.jwksErr = keyfunc.NewDefaultOverrideCtx(childCtx, []string{c.config.JWKSURL}, override)
	})

	if c.jwksErr != nil {
		return nil, c.jwksErr
	}
	return c.jwks, nil
}

// ValidateToken parses and verifies a bearer token against the JWKS keys
// and the configured issuer and audience.
func (c *JWKSAuthClient) ValidateToken(ctx context.Context, tokenString string) (*UserClaims, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("request context cancelled: %w", ctx.Err())
	default:
	}

	jwks, err := c.getJWKS()
	if err != nil {
		return nil, fmt.Errorf("failed to initialise JWKS: %w", err)
	}

	token, err := jwt.ParseWithClaims(
		tokenString,
		&UserClaims{},
		jwks.Keyfunc,
		jwt.WithValidMethods([]string{
			jwt.SigningMethodRS256.Name,
			jwt.SigningMethodES256.Name,
		}),
		jwt.WithIssuer(c.config.Issuer),
		jwt.WithAudience(c.config.Audience),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return claims, nil
}

// ExtractTokenFromRequest extracts a JWT token from the Authorization header
func (c *JWKSAuthClient) ExtractTokenFromRequest(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		return "", fmt.Errorf("missing or invalid Authorization header")
	}
	return strings.TrimPrefix(authHeader, "Bearer "), nil
}

// Middleware validates bearer tokens using the provided AuthClient.
func Middleware(authClient AuthClient) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := authClient.ExtractTokenFromRequest(r)
			if err != nil {
				writeAuthError(w, "Missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			claims, err := authClient.ValidateToken(r.Context(), tokenString)
			if err != nil {
				log.Warn().Err(err).Msg("JWT validation failed")

				errorMsg := "Invalid authentication token"
				statusCode := http.StatusUnauthorized

				if strings.Contains(err.Error(), "expired") {
					errorMsg = "Authentication token has expired"
					// Expired tokens are normal user behaviour, not worth a Sentry event
				} else if strings.Contains(err.Error(), "signature") {
					errorMsg = "Invalid token signature"
					sentry.CaptureException(err)
				} else if strings.Contains(err.Error(), "JWKS") || strings.Contains(err.Error(), "jwks") {
					errorMsg = "Authentication service misconfigured"
					statusCode = http.StatusInternalServerError
					sentry.CaptureException(err)
				}

				writeAuthError(w, errorMsg, statusCode)
				return
			}

			ctx := context.WithValue(r.Context(), UserKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ProtectPrefix requires a valid token for any request whose path starts
// with prefix and passes the rest through untouched.
func ProtectPrefix(authClient AuthClient, prefix string, next http.Handler) http.Handler {
	guarded := Middleware(authClient)(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, prefix) {
			guarded.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetUserFromContext extracts user claims from the request context
func GetUserFromContext(ctx context.Context) (*UserClaims, bool) {
	user, ok := ctx.Value(UserKey).(*UserClaims)
	return user, ok
}

// writeAuthError writes a standardised authentication error response
func writeAuthError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]interface{}{
		"status":  statusCode,
		"message": message,
		"code":    "UNAUTHORISED",
	}

	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode unauthorised response")
	}
}
