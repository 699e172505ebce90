package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		BaseURL:    "https://contoso.crm4.dynamics.com",
		WebAPIPath: DefaultWebAPIPath,
		Version:    DefaultVersion,
		Authentication: AuthenticationConfig{
			TenantID: "tenant",
			ClientID: "client",
			SecretID: "secret",
		},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing base url", mutate: func(c *Config) { c.BaseURL = "" }, wantErr: "CRM_BASE_URL is required"},
		{name: "relative base url", mutate: func(c *Config) { c.BaseURL = "contoso.crm.dynamics.com" }, wantErr: "absolute"},
		{name: "missing web api path", mutate: func(c *Config) { c.WebAPIPath = "" }, wantErr: "CRM_WEB_API_PATH"},
		{name: "missing version", mutate: func(c *Config) { c.Version = "" }, wantErr: "CRM_VERSION"},
		{name: "missing tenant", mutate: func(c *Config) { c.Authentication.TenantID = "" }, wantErr: "CRM_TENANT_ID"},
		{name: "missing client id", mutate: func(c *Config) { c.Authentication.ClientID = "" }, wantErr: "CRM_CLIENT_ID"},
		{name: "missing secret", mutate: func(c *Config) { c.Authentication.SecretID = "" }, wantErr: "CRM_CLIENT_SECRET"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("CRM_BASE_URL", "https://contoso.crm4.dynamics.com")
	t.Setenv("CRM_TENANT_ID", "tenant")
	t.Setenv("CRM_CLIENT_ID", "client")
	t.Setenv("CRM_CLIENT_SECRET", "secret")
	t.Setenv("CRM_WEB_API_PATH", "")
	t.Setenv("CRM_VERSION", "v9.1")
	t.Setenv("CRM_AUTHORITY_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://contoso.crm4.dynamics.com", cfg.BaseURL)
	assert.Equal(t, DefaultWebAPIPath, cfg.WebAPIPath)
	assert.Equal(t, "v9.1", cfg.Version)
	assert.Equal(t, DefaultAuthorityURL, cfg.AuthorityURL)
	assert.Equal(t, "secret", cfg.Authentication.SecretID)
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("CRM_BASE_URL", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestTokenURL(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, "https://login.windows.net/tenant/oauth2/token", cfg.TokenURL())

	cfg.AuthorityURL = "http://127.0.0.1:8080/"
	assert.Equal(t, "http://127.0.0.1:8080/tenant/oauth2/token", cfg.TokenURL())
}
