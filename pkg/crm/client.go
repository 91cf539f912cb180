package crm

import "context"

// Client is everything the exporter needs from a CRM. Find methods
// return (nil, nil) on a clean miss; any call may fail with
// *RateLimitError.
type Client interface {
	FindCompany(ctx context.Context, name, domain string) (*Company, error)
	CreateCompany(ctx context.Context, c *Company) (string, error)

	FindContactByEmail(ctx context.Context, email string) (*Contact, error)
	FindContactByName(ctx context.Context, name, companyID string) (*Contact, error)
	CreateContact(ctx context.Context, c *Contact) (string, error)
	AssociateContact(ctx context.Context, contactID, companyID string) error

	FindDealByLeadID(ctx context.Context, leadID string) (*Deal, error)
	CreateDeal(ctx context.Context, d *Deal) (string, error)
	UpdateDeal(ctx context.Context, d *Deal) error

	AttachNote(ctx context.Context, dealID string, n Note) error
}
