package dynamics

import (
	"context"

	"github.com/google/uuid"
)

// CrmClient defines the Dynamics CRM Web API operations
type CrmClient interface {
	// Retrieve fetches one record, optionally limited to the given columns
	Retrieve(ctx context.Context, entitySet string, id uuid.UUID, columns ...string) (*Record, error)

	// RetrieveMultiple runs an OData query and follows @odata.nextLink until the last page
	RetrieveMultiple(ctx context.Context, resourceAndQuery string) ([]*Record, error)

	// Create inserts a record and returns its id
	Create(ctx context.Context, entitySet string, data *Record) (uuid.UUID, error)

	// Update patches an existing record
	Update(ctx context.Context, entitySet string, id uuid.UUID, data *Record) error

	// Delete removes a record
	Delete(ctx context.Context, entitySet string, id uuid.UUID) error

	// Associate links two records through a relationship
	Associate(ctx context.Context, entitySet string, id uuid.UUID, relationship, relatedEntitySet string, relatedID uuid.UUID) error

	// Disassociate removes a relationship link
	Disassociate(ctx context.Context, entitySet string, id uuid.UUID, relationship string, relatedID uuid.UUID) error

	// GetOptionSetValue returns the options of a picklist attribute
	GetOptionSetValue(ctx context.Context, entityLogicalName, attributeLogicalName string) (OptionSet, error)

	// MergeContact merges the subordinate contact into the target contact
	MergeContact(ctx context.Context, targetID, subordinateID uuid.UUID) error

	// SendFetchXML runs a FetchXML query and follows paging cookies until the last page
	SendFetchXML(ctx context.Context, entitySet, fetchXML string, pageSize int) ([]*Record, error)
}

var _ CrmClient = (*Client)(nil)
