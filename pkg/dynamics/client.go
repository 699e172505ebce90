// Package dynamics provides a client for the Microsoft Dynamics CRM (Dataverse) Web API.
//
// The client authenticates with the OAuth2 client-credentials grant against
// Azure AD, caches the bearer token and renews it shortly before expiry, and
// exposes the OData entity operations: retrieve, create, update, delete,
// associate and disassociate records, read picklist metadata, merge contacts,
// and run FetchXML queries.
//
// Multi-page results are accumulated in memory. OData queries follow
// @odata.nextLink; FetchXML queries follow the paging cookie returned in the
// Microsoft.Dynamics.CRM.fetchxmlpagingcookie annotation.
//
// Failures surface as typed errors: *AuthError, *RateLimitError, *ParseError
// and *HTTPError. Nothing is retried internally.
package dynamics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/natserract/dynamicscrm/pkg/config"
	httpclient "github.com/natserract/dynamicscrm/pkg/http"
	"go.uber.org/zap"
)

const entityIDHeader = "OData-EntityId"

// Client is the main client for interacting with the Dynamics CRM Web API
type Client struct {
	config     *config.Config
	httpClient *httpclient.Client
	requests   *requestBuilder
	logger     *zap.Logger
}

// NewClient creates a new Dynamics CRM client with default production logger
func NewClient(cfg *config.Config) (*Client, error) {
	logger, _ := zap.NewProduction()
	return NewClientWithLogger(cfg, logger)
}

// NewClientWithLogger creates a new Dynamics CRM client with a custom logger
func NewClientWithLogger(cfg *config.Config, logger *zap.Logger) (*Client, error) {
	return NewClientWithHTTPClient(cfg, nil, logger)
}

// NewClientWithHTTPClient creates a client sending through httpClient, which
// is used both for the token endpoint and the Web API
func NewClientWithHTTPClient(cfg *config.Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}

	transport := httpclient.NewClientWithHTTPClient(httpClient, logger)
	tokenCache := NewTokenCacheWithLogger(NewAuthenticator(cfg, transport, logger), logger)

	requests, err := newRequestBuilder(cfg.BaseURL, cfg.WebAPIPath, cfg.Version, tokenCache)
	if err != nil {
		return nil, err
	}

	return &Client{
		config:     cfg,
		httpClient: transport,
		requests:   requests,
		logger:     logger,
	}, nil
}

// APIRoot returns the Web API path relative to the organisation URL
func (c *Client) APIRoot() string {
	return c.requests.apiRoot
}

// Do sends an arbitrary request relative to the API root with the standard
// headers. Non-success responses are returned as typed errors.
func (c *Client) Do(ctx context.Context, method, resource string, body interface{}) (*httpclient.Response, error) {
	return c.send(ctx, "call api", method, c.requests.resourceURL(resource), body, nil, 0)
}

// send builds and sends a request. A zero expectedStatus accepts any 2xx.
func (c *Client) send(ctx context.Context, op, method, target string, body interface{}, headers map[string]string, expectedStatus int) (*httpclient.Response, error) {
	opts, err := c.requests.build(ctx, method, target, body, headers)
	if err != nil {
		c.logger.Error("Failed to get access token", zap.String("operation", op), zap.Error(err))
		return nil, err
	}

	resp, err := c.httpClient.Do(opts)
	if err != nil {
		c.logger.Error("CRM request failed", zap.String("operation", op), zap.Error(err))
		return nil, err
	}

	ok := resp.IsSuccess()
	if expectedStatus != 0 {
		ok = resp.StatusCode == expectedStatus
	}
	if !ok {
		c.logger.Error("CRM request returned an error",
			zap.String("operation", op),
			zap.Int("status_code", resp.StatusCode),
			zap.String("response", string(resp.Body)))
		return nil, classifyResponse(resp)
	}

	return resp, nil
}

// Retrieve fetches one record, optionally limited to the given columns
func (c *Client) Retrieve(ctx context.Context, entitySet string, id uuid.UUID, columns ...string) (*Record, error) {
	c.logger.Info("Retrieving record", zap.String("entity_set", entitySet), zap.String("id", id.String()))

	resource := fmt.Sprintf("%s(%s)", entitySet, id)
	if len(columns) > 0 {
		resource += "?$select=" + strings.Join(columns, ",")
	}

	resp, err := c.send(ctx, "retrieve", http.MethodGet, c.requests.resourceURL(resource), nil, nil, 0)
	if err != nil {
		return nil, err
	}

	record := NewRecord()
	if err := json.Unmarshal(resp.Body, record); err != nil {
		c.logger.Error("Failed to parse retrieve response", zap.Error(err))
		return nil, newParseError(err)
	}

	return record, nil
}

// Create inserts a record and returns the id the server assigned. data is
// sent as given; strip the primary key first with Record.Without if needed.
func (c *Client) Create(ctx context.Context, entitySet string, data *Record) (uuid.UUID, error) {
	if data == nil {
		data = NewRecord()
	}
	c.logger.Info("Creating record", zap.String("entity_set", entitySet), zap.Int("attributes", data.Len()))

	resp, err := c.send(ctx, "create", http.MethodPost, c.requests.resourceURL(entitySet), data, nil, http.StatusNoContent)
	if err != nil {
		return uuid.Nil, err
	}

	id, err := entityIDFromURI(resp.Headers.Get(entityIDHeader))
	if err != nil {
		c.logger.Error("Failed to parse created record id", zap.Error(err))
		return uuid.Nil, newParseError(err)
	}

	c.logger.Info("Successfully created record", zap.String("entity_set", entitySet), zap.String("id", id.String()))
	return id, nil
}

// Update patches an existing record
func (c *Client) Update(ctx context.Context, entitySet string, id uuid.UUID, data *Record) error {
	if data == nil {
		data = NewRecord()
	}
	c.logger.Info("Updating record", zap.String("entity_set", entitySet), zap.String("id", id.String()))

	resource := fmt.Sprintf("%s(%s)", entitySet, id)
	_, err := c.send(ctx, "update", http.MethodPatch, c.requests.resourceURL(resource), data, nil, http.StatusNoContent)
	return err
}

// Delete removes a record
func (c *Client) Delete(ctx context.Context, entitySet string, id uuid.UUID) error {
	c.logger.Info("Deleting record", zap.String("entity_set", entitySet), zap.String("id", id.String()))

	resource := fmt.Sprintf("%s(%s)", entitySet, id)
	_, err := c.send(ctx, "delete", http.MethodDelete, c.requests.resourceURL(resource), nil, nil, http.StatusNoContent)
	return err
}

// Associate links a record to another one through a collection-valued
// navigation property
func (c *Client) Associate(ctx context.Context, entitySet string, id uuid.UUID, relationship, relatedEntitySet string, relatedID uuid.UUID) error {
	c.logger.Info("Associating records",
		zap.String("entity_set", entitySet),
		zap.String("id", id.String()),
		zap.String("relationship", relationship),
		zap.String("related_id", relatedID.String()))

	resource := fmt.Sprintf("%s(%s)/%s/$ref", entitySet, id, relationship)
	body := map[string]string{
		"@odata.id": c.requests.resourceURL(fmt.Sprintf("%s(%s)", relatedEntitySet, relatedID)),
	}

	_, err := c.send(ctx, "associate", http.MethodPost, c.requests.resourceURL(resource), body, nil, http.StatusNoContent)
	return err
}

// Disassociate removes the link between two records
func (c *Client) Disassociate(ctx context.Context, entitySet string, id uuid.UUID, relationship string, relatedID uuid.UUID) error {
	c.logger.Info("Disassociating records",
		zap.String("entity_set", entitySet),
		zap.String("id", id.String()),
		zap.String("relationship", relationship),
		zap.String("related_id", relatedID.String()))

	resource := fmt.Sprintf("%s(%s)/%s(%s)/$ref", entitySet, id, relationship, relatedID)
	_, err := c.send(ctx, "disassociate", http.MethodDelete, c.requests.resourceURL(resource), nil, nil, http.StatusNoContent)
	return err
}

// GetOptionSetValue returns the options of a picklist attribute, each mapped
// to its first localized label
func (c *Client) GetOptionSetValue(ctx context.Context, entityLogicalName, attributeLogicalName string) (OptionSet, error) {
	c.logger.Info("Getting option set",
		zap.String("entity", entityLogicalName),
		zap.String("attribute", attributeLogicalName))

	resource := fmt.Sprintf(
		"EntityDefinitions(LogicalName='%s')/Attributes(LogicalName='%s')/Microsoft.Dynamics.CRM.PicklistAttributeMetadata?$select=LogicalName&$expand=OptionSet($select=Options)",
		entityLogicalName, attributeLogicalName)

	resp, err := c.send(ctx, "get option set", http.MethodGet, c.requests.resourceURL(resource), nil, nil, 0)
	if err != nil {
		return nil, err
	}

	var metadata picklistAttributeMetadata
	if err := json.Unmarshal(resp.Body, &metadata); err != nil {
		c.logger.Error("Failed to parse option set response", zap.Error(err))
		return nil, newParseError(err)
	}
	if metadata.OptionSet == nil {
		return nil, newParseError(fmt.Errorf("attribute %s.%s has no option set", entityLogicalName, attributeLogicalName))
	}

	options := make(OptionSet, len(metadata.OptionSet.Options))
	for i, option := range metadata.OptionSet.Options {
		if option.Value == nil {
			return nil, newParseError(fmt.Errorf("option %d has no value", i))
		}
		if len(option.Label.LocalizedLabels) == 0 {
			return nil, newParseError(fmt.Errorf("option %d has no localized label", *option.Value))
		}
		options[*option.Value] = option.Label.LocalizedLabels[0].Label
	}

	c.logger.Info("Successfully retrieved option set",
		zap.String("attribute", attributeLogicalName),
		zap.Int("options_count", len(options)))

	return options, nil
}

// MergeContact merges the subordinate contact into the target contact
// without parenting checks
func (c *Client) MergeContact(ctx context.Context, targetID, subordinateID uuid.UUID) error {
	c.logger.Info("Merging contacts",
		zap.String("target_id", targetID.String()),
		zap.String("subordinate_id", subordinateID.String()))

	body := mergeRequest{
		Target:                 contactReference{ContactID: targetID, ODataType: "Microsoft.Dynamics.CRM.contact"},
		Subordinate:            contactReference{ContactID: subordinateID, ODataType: "Microsoft.Dynamics.CRM.contact"},
		PerformParentingChecks: false,
	}

	_, err := c.send(ctx, "merge contact", http.MethodPost, c.requests.resourceURL("Merge"), body, nil, http.StatusNoContent)
	return err
}

// entityIDFromURI extracts the id from an OData-EntityId value such as
// https://org.crm.dynamics.com/api/data/v9.2/contacts(00000000-0000-0000-0000-000000000000)
func entityIDFromURI(uri string) (uuid.UUID, error) {
	if uri == "" {
		return uuid.Nil, fmt.Errorf("response has no %s header", entityIDHeader)
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s header: %w", entityIDHeader, err)
	}

	segment := path.Base(parsed.Path)
	open := strings.LastIndex(segment, "(")
	if open < 0 || !strings.HasSuffix(segment, ")") {
		return uuid.Nil, fmt.Errorf("%s %q does not end with an entity key", entityIDHeader, uri)
	}

	id, err := uuid.Parse(segment[open+1 : len(segment)-1])
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid entity id in %s: %w", entityIDHeader, err)
	}
	return id, nil
}
