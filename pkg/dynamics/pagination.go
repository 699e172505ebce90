package dynamics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	httpclient "github.com/natserract/dynamicscrm/pkg/http"
	"go.uber.org/zap"
)

var errMissingValue = errors.New("response has no value array")

// RetrieveMultiple runs an OData query relative to the API root, e.g.
// "contacts?$select=fullname&$filter=statecode eq 0", and follows
// @odata.nextLink until the last page. Spaces and other characters not
// allowed in a URL are escaped; existing %XX escapes are left alone. Pages
// are fetched one after another and returned concatenated in order.
func (c *Client) RetrieveMultiple(ctx context.Context, resourceAndQuery string) ([]*Record, error) {
	c.logger.Info("Retrieving multiple records", zap.String("query", resourceAndQuery))

	var records []*Record
	target := c.requests.resourceURL(resourceAndQuery)
	pages := 0

	for target != "" {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := c.send(ctx, "retrieve multiple", http.MethodGet, target, nil, nil, 0)
		if err != nil {
			return nil, err
		}
		pages++

		var page collectionPage
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			c.logger.Error("Failed to parse retrieve multiple response", zap.Int("page", pages), zap.Error(err))
			return nil, newParseError(err)
		}
		if page.Value == nil {
			return nil, newParseError(errMissingValue)
		}
		records = append(records, page.Value...)

		target = ""
		if page.NextLink != "" {
			next, err := httpclient.PathAndQuery(page.NextLink)
			if err != nil {
				return nil, newParseError(err)
			}
			target = c.requests.hostURL(next)
		}

		c.logger.Debug("Retrieved page",
			zap.Int("page", pages),
			zap.Int("page_count", len(page.Value)),
			zap.Bool("has_next", target != ""))
	}

	c.logger.Info("Successfully retrieved multiple records",
		zap.Int("pages", pages),
		zap.Int("items_count", len(records)))

	return records, nil
}

// SendFetchXML runs a FetchXML query against an entity set, pageSize records
// at a time (DefaultFetchXMLPageSize when pageSize <= 0), and follows the
// paging cookie until the server reports no more records.
func (c *Client) SendFetchXML(ctx context.Context, entitySet, fetchXML string, pageSize int) ([]*Record, error) {
	if pageSize <= 0 {
		pageSize = DefaultFetchXMLPageSize
	}
	c.logger.Info("Sending FetchXML query", zap.String("entity_set", entitySet), zap.Int("page_size", pageSize))

	query, err := newFetchXMLQuery(fetchXML, pageSize)
	if err != nil {
		return nil, newParseError(err)
	}

	headers := map[string]string{
		"Prefer": fetchXMLPrefer,
	}

	var records []*Record
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		xml, err := query.String()
		if err != nil {
			return nil, newParseError(err)
		}
		target := c.requests.resourceURL(entitySet) + "?fetchXml=" + url.QueryEscape(xml)

		resp, err := c.send(ctx, "send fetchxml", http.MethodGet, target, nil, headers, 0)
		if err != nil {
			return nil, err
		}

		var page fetchXMLPage
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			c.logger.Error("Failed to parse FetchXML response", zap.Int("page", query.page), zap.Error(err))
			return nil, newParseError(err)
		}
		if page.Value == nil {
			return nil, newParseError(errMissingValue)
		}
		records = append(records, page.Value...)

		c.logger.Debug("Retrieved FetchXML page",
			zap.Int("page", query.page),
			zap.Int("page_count", len(page.Value)),
			zap.Bool("more_records", page.MoreRecords))

		if !page.MoreRecords {
			break
		}

		cookie, err := decodePagingCookie(page.PagingCookie)
		if err != nil {
			c.logger.Error("Failed to parse paging cookie", zap.Int("page", query.page), zap.Error(err))
			return nil, newParseError(err)
		}
		query.nextPage(cookie)
	}

	c.logger.Info("Successfully executed FetchXML query",
		zap.String("entity_set", entitySet),
		zap.Int("pages", query.page),
		zap.Int("items_count", len(records)))

	return records, nil
}
