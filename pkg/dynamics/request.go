package dynamics

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	httpclient "github.com/natserract/dynamicscrm/pkg/http"
)

const (
	defaultPrefer  = "odata.include-annotations=*"
	fetchXMLPrefer = `odata.include-annotations="Microsoft.Dynamics.CRM.fetchxmlpagingcookie,Microsoft.Dynamics.CRM.morerecords"`
)

type tokenProvider interface {
	GetValidToken(ctx context.Context) (string, error)
}

// requestBuilder addresses requests against the Web API root and attaches
// the OData headers and bearer token every CRM call carries
type requestBuilder struct {
	baseURL string // organisation URL without trailing slash
	origin  string // scheme and host of baseURL
	apiRoot string // e.g. api/data/v9.2
	tokens  tokenProvider
}

func newRequestBuilder(baseURL, webAPIPath, version string, tokens tokenProvider) (*requestBuilder, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing base URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}

	return &requestBuilder{
		baseURL: strings.TrimRight(baseURL, "/"),
		origin:  parsed.Scheme + "://" + parsed.Host,
		apiRoot: httpclient.JoinPath(webAPIPath, version),
		tokens:  tokens,
	}, nil
}

// resourceURL addresses a resource relative to the API root. The resource
// may carry its own query string; characters not allowed in a request URI
// are escaped.
func (b *requestBuilder) resourceURL(resource string) string {
	return b.baseURL + "/" + b.apiRoot + "/" + httpclient.EscapeResource(strings.TrimLeft(resource, "/"))
}

// hostURL addresses a server-relative path and query, as found in next links
func (b *requestBuilder) hostURL(pathAndQuery string) string {
	return b.origin + "/" + strings.TrimLeft(pathAndQuery, "/")
}

// build produces a ready-to-send request. overrides replace default headers.
func (b *requestBuilder) build(ctx context.Context, method, target string, body interface{}, overrides map[string]string) (httpclient.RequestOptions, error) {
	token, err := b.tokens.GetValidToken(ctx)
	if err != nil {
		return httpclient.RequestOptions{}, err
	}

	headers := map[string]string{
		"Authorization":    "Bearer " + token,
		"OData-MaxVersion": "4.0",
		"OData-Version":    "4.0",
		"Prefer":           defaultPrefer,
		"Accept":           "application/json",
	}
	for k, v := range overrides {
		headers[k] = v
	}

	return httpclient.RequestOptions{
		Method:  method,
		URL:     target,
		Headers: headers,
		Body:    body,
		Context: ctx,
	}, nil
}
