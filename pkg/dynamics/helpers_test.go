package dynamics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/natserract/dynamicscrm/pkg/config"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testTenant    = "tenant-id"
	testTokenPath = "/" + testTenant + "/oauth2/token"
	testAPIPrefix = "/api/data/v9.2/"
	testToken     = "test-access-token"
)

// testCRM is an httptest server playing both the Azure AD token endpoint and
// the CRM Web API
type testCRM struct {
	server        *httptest.Server
	client        *Client
	tokenRequests atomic.Int32
}

func newTestCRM(t *testing.T, api http.HandlerFunc) *testCRM {
	t.Helper()
	return newTestCRMWithTokenHandler(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"token_type":   "Bearer",
			"expires_in":   "3599",
			"access_token": testToken,
		})
	}, api)
}

func newTestCRMWithTokenHandler(t *testing.T, token, api http.HandlerFunc) *testCRM {
	t.Helper()

	crm := &testCRM{}
	crm.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == testTokenPath {
			crm.tokenRequests.Add(1)
			token(w, r)
			return
		}
		api(w, r)
	}))
	t.Cleanup(crm.server.Close)

	cfg := &config.Config{
		BaseURL:      crm.server.URL,
		WebAPIPath:   "api/data",
		Version:      "v9.2",
		AuthorityURL: crm.server.URL,
		Authentication: config.AuthenticationConfig{
			TenantID: testTenant,
			ClientID: "client-id",
			SecretID: "client-secret",
		},
	}

	client, err := NewClientWithHTTPClient(cfg, crm.server.Client(), zap.NewNop())
	require.NoError(t, err)
	crm.client = client

	return crm
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
