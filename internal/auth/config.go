package auth

import (
	"fmt"
	"os"
)

// Config holds JWT validation settings for the operator endpoints.
type Config struct {
	// JWKSURL points at the identity provider's signing keys.
	JWKSURL string
	// Issuer is the expected iss claim.
	Issuer string
	// Audience is the expected aud claim.
	Audience string
}

// NewConfigFromEnv creates auth config from environment variables
func NewConfigFromEnv() (*Config, error) {
	config := &Config{
		JWKSURL:  os.Getenv("AUTH_JWKS_URL"),
		Issuer:   os.Getenv("AUTH_ISSUER"),
		Audience: os.Getenv("AUTH_AUDIENCE"),
	}
	if config.Audience == "" {
		config.Audience = "rentradar"
	}
	return config, config.Validate()
}

// Validate ensures all required configuration is present
func (c *Config) Validate() error {
	if c.JWKSURL == "" {
		return fmt.Errorf("AUTH_JWKS_URL is required")
	}
	if c.Issuer == "" {
		return fmt.Errorf("AUTH_ISSUER is required")
	}
	return nil
}
