// Package crm models the external CRM surface the exporter drives:
// companies, contacts, and deals with notes, reached through a Client.
package crm

import (
	"fmt"
	"time"
)

// Company is a CRM organization record.
type Company struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Domain string `json:"domain,omitempty"`
}

// Contact is a CRM person record, optionally tied to a company.
type Contact struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Role      string `json:"role,omitempty"`
	CompanyID string `json:"company_id,omitempty"`
}

// Deal is a CRM opportunity. LeadID is persisted as a custom property so
// repeat exports find the same deal. Properties carry the mapped lead
// fields keyed by CRM property id.
type Deal struct {
	ID         string            `json:"id,omitempty"`
	Name       string            `json:"name"`
	Stage      string            `json:"stage,omitempty"`
	LeadID     string            `json:"lead_id"`
	CompanyID  string            `json:"company_id,omitempty"`
	ContactIDs []string          `json:"contact_ids,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Note is free-form text attached to a deal.
type Note struct {
	ID   string `json:"id,omitempty"`
	Body string `json:"body"`
}

// RateLimitError is the CRM saying back off. RetryAfter is zero when the
// CRM did not advertise one.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("crm: rate limited, retry after %s", e.RetryAfter)
}
