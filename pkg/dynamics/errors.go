package dynamics

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	httpclient "github.com/natserract/dynamicscrm/pkg/http"
)

const rateLimitMessage = "Too many requests were made to the CRM"

// AuthError is returned when the token endpoint rejects the client
// credentials. Its message is the vendor's error_description.
type AuthError struct {
	StatusCode    int
	Code          string
	Description   string
	ErrorCodes    []int
	Timestamp     string
	TraceID       string
	CorrelationID string
	ErrorURI      string
}

func (e *AuthError) Error() string {
	if e.Description != "" {
		return e.Description
	}
	return fmt.Sprintf("authentication failed with status %d", e.StatusCode)
}

// RateLimitError is returned for HTTP 429 on any endpoint. RetryAfter is set
// when the server sent a Retry-After header.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return rateLimitMessage
}

// ParseError is returned when a successful response could not be decoded
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// HTTPError is returned for any other non-success response. Body is the raw
// response content.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("crm request failed with status %d: %s", e.StatusCode, e.Body)
}

// IsRateLimited reports whether err is or wraps a RateLimitError
func IsRateLimited(err error) bool {
	var target *RateLimitError
	return errors.As(err, &target)
}

// IsAuthError reports whether err is or wraps an AuthError
func IsAuthError(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsParseError reports whether err is or wraps a ParseError
func IsParseError(err error) bool {
	var target *ParseError
	return errors.As(err, &target)
}

// StatusCode extracts the HTTP status carried by err, or 0 when there is none
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.StatusCode
	}
	if IsRateLimited(err) {
		return http.StatusTooManyRequests
	}
	return 0
}

func newParseError(err error) error {
	return &ParseError{Err: err}
}

// classifyResponse maps a non-success CRM response to a typed error
func classifyResponse(resp *httpclient.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Headers.Get("Retry-After"), time.Now())}
	}
	return &HTTPError{StatusCode: resp.StatusCode, Body: string(resp.Body)}
}

// classifyAuthResponse maps a non-success token endpoint response. Only the
// token endpoint turns 401 into an AuthError, its body follows the OAuth
// error schema.
func classifyAuthResponse(resp *httpclient.Response) error {
	if resp.StatusCode != http.StatusUnauthorized {
		return classifyResponse(resp)
	}

	authErr := &AuthError{StatusCode: resp.StatusCode}
	var body AuthErrorResponse
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		authErr.Description = strings.TrimSpace(string(resp.Body))
		return authErr
	}
	authErr.Code = body.Error
	authErr.Description = body.ErrorDescription
	authErr.ErrorCodes = body.ErrorCodes
	authErr.Timestamp = body.Timestamp
	authErr.TraceID = body.TraceID
	authErr.CorrelationID = body.CorrelationID
	authErr.ErrorURI = body.ErrorURI
	return authErr
}

// parseRetryAfter accepts both delay-seconds and HTTP-date forms
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
