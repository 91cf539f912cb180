package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Structa-Labs/leadforge/core/pkg/secrets"
)

const maxResponseBody = 4 << 20

// HTTPClient speaks a plain REST dialect: collection GETs with query
// filters, POST to create, PATCH to update. A 429 anywhere surfaces as
// *RateLimitError so the exporter can pace the batch.
type HTTPClient struct {
	base          string
	credentialRef string
	secrets       secrets.Resolver
	http          *http.Client
}

func NewHTTPClient(baseURL, credentialRef string, res secrets.Resolver, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPClient{
		base:          strings.TrimSuffix(baseURL, "/"),
		credentialRef: credentialRef,
		secrets:       res,
		http:          client,
	}
}

func (c *HTTPClient) FindCompany(ctx context.Context, name, domain string) (*Company, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	if domain != "" {
		q.Set("domain", domain)
	}
	var out []Company
	if err := c.do(ctx, http.MethodGet, "/companies?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (c *HTTPClient) CreateCompany(ctx context.Context, company *Company) (string, error) {
	var out Company
	if err := c.do(ctx, http.MethodPost, "/companies", company, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) FindContactByEmail(ctx context.Context, email string) (*Contact, error) {
	q := url.Values{"email": {email}}
	return c.findContact(ctx, q)
}

func (c *HTTPClient) FindContactByName(ctx context.Context, name, companyID string) (*Contact, error) {
	q := url.Values{"name": {name}, "company_id": {companyID}}
	return c.findContact(ctx, q)
}

func (c *HTTPClient) findContact(ctx context.Context, q url.Values) (*Contact, error) {
	var out []Contact
	if err := c.do(ctx, http.MethodGet, "/contacts?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (c *HTTPClient) CreateContact(ctx context.Context, contact *Contact) (string, error) {
	var out Contact
	if err := c.do(ctx, http.MethodPost, "/contacts", contact, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) AssociateContact(ctx context.Context, contactID, companyID string) error {
	path := fmt.Sprintf("/contacts/%s/company/%s", url.PathEscape(contactID), url.PathEscape(companyID))
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

func (c *HTTPClient) FindDealByLeadID(ctx context.Context, leadID string) (*Deal, error) {
	q := url.Values{"lead_id": {leadID}}
	var out []Deal
	if err := c.do(ctx, http.MethodGet, "/deals?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (c *HTTPClient) CreateDeal(ctx context.Context, d *Deal) (string, error) {
	var out Deal
	if err := c.do(ctx, http.MethodPost, "/deals", d, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *HTTPClient) UpdateDeal(ctx context.Context, d *Deal) error {
	return c.do(ctx, http.MethodPatch, "/deals/"+url.PathEscape(d.ID), d, nil)
}

func (c *HTTPClient) AttachNote(ctx context.Context, dealID string, n Note) error {
	return c.do(ctx, http.MethodPost, "/deals/"+url.PathEscape(dealID)+"/notes", n, nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("crm encode: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.credentialRef != "" {
		token, err := c.secrets.Resolve(c.credentialRef)
		if err != nil {
			return fmt.Errorf("resolve credential %q: %w", c.credentialRef, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: retryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 400:
		return fmt.Errorf("crm %s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("crm decode %s: %w", path, err)
	}
	return nil
}

func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
