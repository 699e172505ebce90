package dynamics

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"
)

// AccessToken is a bearer token and the instant it stops being usable.
// Tokens are replaced on refresh, never modified.
type AccessToken struct {
	Value     string
	ExpiresAt time.Time
}

// ValidAt reports whether the token is still usable at now with at least
// margin of lifetime left
func (t *AccessToken) ValidAt(now time.Time, margin time.Duration) bool {
	if t == nil || t.Value == "" {
		return false
	}
	return !t.ExpiresAt.Before(now.Add(margin))
}

// OptionSet maps picklist values to their first localized label
type OptionSet map[int]string

// OptionSetEntry is one picklist option
type OptionSetEntry struct {
	Value int
	Label string
}

// Entries returns the options ordered by value
func (o OptionSet) Entries() []OptionSetEntry {
	entries := make([]OptionSetEntry, 0, len(o))
	for value, label := range o {
		entries = append(entries, OptionSetEntry{Value: value, Label: label})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Value < entries[j].Value
	})
	return entries
}

// AuthResponse represents the OAuth token response
type AuthResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresIn   json.Number `json:"expires_in"`
	Resource    string      `json:"resource"`
}

// AuthErrorResponse is the body Azure AD returns when a token request is rejected
type AuthErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorCodes       []int  `json:"error_codes"`
	Timestamp        string `json:"timestamp"`
	TraceID          string `json:"trace_id"`
	CorrelationID    string `json:"correlation_id"`
	ErrorURI         string `json:"error_uri"`
}

// collectionPage is one page of an OData collection response
type collectionPage struct {
	Value    []*Record `json:"value"`
	NextLink string    `json:"@odata.nextLink"`
}

// fetchXMLPage is one page of a FetchXML query response
type fetchXMLPage struct {
	Value        []*Record `json:"value"`
	MoreRecords  bool      `json:"@Microsoft.Dynamics.CRM.morerecords"`
	PagingCookie string    `json:"@Microsoft.Dynamics.CRM.fetchxmlpagingcookie"`
}

// picklistAttributeMetadata is the subset of PicklistAttributeMetadata
// requested by GetOptionSetValue
type picklistAttributeMetadata struct {
	LogicalName string             `json:"LogicalName"`
	OptionSet   *optionSetMetadata `json:"OptionSet"`
}

type optionSetMetadata struct {
	Options []optionMetadata `json:"Options"`
}

type optionMetadata struct {
	Value *int          `json:"Value"`
	Label labelMetadata `json:"Label"`
}

type labelMetadata struct {
	LocalizedLabels []localizedLabel `json:"LocalizedLabels"`
}

type localizedLabel struct {
	Label        string `json:"Label"`
	LanguageCode int    `json:"LanguageCode"`
}

// contactReference points at a contact inside an action payload
type contactReference struct {
	ContactID uuid.UUID `json:"contactid"`
	ODataType string    `json:"@odata.type"`
}

// mergeRequest is the body of the Merge action
type mergeRequest struct {
	Target                 contactReference `json:"Target"`
	Subordinate            contactReference `json:"Subordinate"`
	PerformParentingChecks bool             `json:"PerformParentingChecks"`
}
