package dynamics

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/natserract/dynamicscrm/pkg/config"
	httpclient "github.com/natserract/dynamicscrm/pkg/http"
	"go.uber.org/zap"
)

// Authenticator exchanges client credentials for an access token at the
// tenant's Azure AD token endpoint
type Authenticator struct {
	config     *config.Config
	httpClient *httpclient.Client
	logger     *zap.Logger
	now        func() time.Time
}

// NewAuthenticator creates an authenticator sending through httpClient
func NewAuthenticator(cfg *config.Config, httpClient *httpclient.Client, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		config:     cfg,
		httpClient: httpClient,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Refresh requests a new access token. The token is trusted for
// TokenLifetime from the moment it was issued, whatever expires_in says.
func (a *Authenticator) Refresh(ctx context.Context) (*AccessToken, error) {
	tokenURL := a.config.TokenURL()
	a.logger.Info("Authenticating with Dynamics CRM", zap.String("url", tokenURL))

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", a.config.Authentication.ClientID)
	form.Set("client_secret", a.config.Authentication.SecretID)
	form.Set("resource", a.config.BaseURL)

	headers := map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	}

	resp, err := a.httpClient.Post(ctx, tokenURL, headers, form)
	if err != nil {
		a.logger.Error("Authentication request failed", zap.Error(err), zap.String("url", tokenURL))
		return nil, err
	}

	if !resp.IsSuccess() {
		a.logger.Error("Authentication failed",
			zap.Int("status_code", resp.StatusCode),
			zap.String("response", string(resp.Body)))
		return nil, classifyAuthResponse(resp)
	}

	issuedAt := a.now()

	var authResp AuthResponse
	if err := json.Unmarshal(resp.Body, &authResp); err != nil {
		a.logger.Error("Failed to parse authentication response", zap.Error(err))
		return nil, newParseError(err)
	}
	if authResp.AccessToken == "" {
		return nil, newParseError(errors.New("authentication response has no access_token"))
	}

	token := &AccessToken{
		Value:     authResp.AccessToken,
		ExpiresAt: issuedAt.Add(TokenLifetime),
	}

	a.logger.Info("Successfully authenticated",
		zap.String("token_type", authResp.TokenType),
		zap.Time("expires_at", token.ExpiresAt))

	return token, nil
}
