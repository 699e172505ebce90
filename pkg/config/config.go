package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultWebAPIPath   = "api/data"
	DefaultVersion      = "v9.2"
	DefaultAuthorityURL = "https://login.windows.net"
)

// AuthenticationConfig holds the Azure AD app registration used for the
// client-credentials grant
type AuthenticationConfig struct {
	TenantID string
	ClientID string
	SecretID string
}

// Config describes a Dynamics CRM organisation and how to reach its Web API
type Config struct {
	BaseURL      string
	WebAPIPath   string
	Version      string
	AuthorityURL string

	Authentication AuthenticationConfig
}

func Load() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		BaseURL:      os.Getenv("CRM_BASE_URL"),
		WebAPIPath:   getEnv("CRM_WEB_API_PATH", DefaultWebAPIPath),
		Version:      getEnv("CRM_VERSION", DefaultVersion),
		AuthorityURL: getEnv("CRM_AUTHORITY_URL", DefaultAuthorityURL),
		Authentication: AuthenticationConfig{
			TenantID: os.Getenv("CRM_TENANT_ID"),
			ClientID: os.Getenv("CRM_CLIENT_ID"),
			SecretID: os.Getenv("CRM_CLIENT_SECRET"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("CRM_BASE_URL is required")
	}
	if !strings.HasPrefix(c.BaseURL, "https://") && !strings.HasPrefix(c.BaseURL, "http://") {
		return fmt.Errorf("CRM_BASE_URL must be an absolute http(s) URL")
	}
	if c.WebAPIPath == "" {
		return fmt.Errorf("CRM_WEB_API_PATH is required")
	}
	if c.Version == "" {
		return fmt.Errorf("CRM_VERSION is required")
	}
	if c.Authentication.TenantID == "" {
		return fmt.Errorf("CRM_TENANT_ID is required")
	}
	if c.Authentication.ClientID == "" {
		return fmt.Errorf("CRM_CLIENT_ID is required")
	}
	if c.Authentication.SecretID == "" {
		return fmt.Errorf("CRM_CLIENT_SECRET is required")
	}
	return nil
}

// TokenURL returns the tenant-scoped OAuth2 token endpoint
func (c *Config) TokenURL() string {
	authority := c.AuthorityURL
	if authority == "" {
		authority = DefaultAuthorityURL
	}
	return fmt.Sprintf("%s/%s/oauth2/token", strings.TrimRight(authority, "/"), c.Authentication.TenantID)
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
