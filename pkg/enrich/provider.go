// Package enrich fills gaps in classified leads from external metadata
// providers, behind a TTL cache. Enrichment is best effort: a provider
// failure costs one dimension of one lead, never the lead itself.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
	"github.com/Structa-Labs/leadforge/core/pkg/secrets"
)

// Op names one enrichment dimension.
type Op string

const (
	OpCompanyLookup   Op = "company-lookup"
	OpDomainDiscovery Op = "domain-discovery"
	OpContactFinding  Op = "contact-finding"
	OpSizeEstimation  Op = "size-estimation"
	OpRelatedProjects Op = "related-projects"
)

// opOrder fixes the apply order of fragments after the join barrier so
// enrichment stays deterministic regardless of goroutine completion order.
var opOrder = []Op{
	OpCompanyLookup, OpDomainDiscovery, OpContactFinding,
	OpSizeEstimation, OpRelatedProjects,
}

// ErrNotFound is the provider's definitive "no data for this key". It is
// cached negatively, unlike transient failures.
var ErrNotFound = errors.New("enrich: not found")

// RateLimitedError reports a provider 429 with its advertised backoff.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("enrich: rate limited, retry after %s", e.RetryAfter)
}

// Provider answers one enrichment operation. Lookup returns a lead
// fragment holding only the fields this dimension discovered; the
// enricher merges it conservatively into the real lead.
type Provider interface {
	Lookup(ctx context.Context, key string) (*leads.Lead, error)
}

// KeyFunc derives a provider lookup key from a lead's current fields.
// An empty key means the dimension has nothing to ask about.
type KeyFunc func(l *leads.Lead) string

// Operation binds one dimension to its provider and key builder.
type Operation struct {
	Op       Op
	Key      KeyFunc
	Provider Provider
}

// StandardOperations builds the five stock dimensions over a provider
// set keyed by op name. Dimensions without a configured provider are
// omitted.
func StandardOperations(providers map[Op]Provider) []Operation {
	keys := map[Op]KeyFunc{
		OpCompanyLookup: func(l *leads.Lead) string {
			if l.Company == nil || l.Company.Name == "" {
				return ""
			}
			return leads.NormalizeText(l.Company.Name)
		},
		OpDomainDiscovery: func(l *leads.Lead) string {
			if l.Company == nil || l.Company.Name == "" || l.Company.Domain != "" {
				return ""
			}
			return leads.NormalizeText(l.Company.Name)
		},
		OpContactFinding: func(l *leads.Lead) string {
			if l.Company == nil {
				return ""
			}
			if l.Company.Domain != "" {
				return l.Company.Domain
			}
			return leads.NormalizeText(l.Company.Name)
		},
		OpSizeEstimation: func(l *leads.Lead) string {
			if l.Company == nil || l.Company.SizeBucket != "" {
				return ""
			}
			if l.Company.Domain != "" {
				return l.Company.Domain
			}
			return leads.NormalizeText(l.Company.Name)
		},
		OpRelatedProjects: func(l *leads.Lead) string {
			if l.Title == "" {
				return ""
			}
			return leads.NormalizeText(l.Title + " " + l.Location.String())
		},
	}

	ops := make([]Operation, 0, len(opOrder))
	for _, op := range opOrder {
		p, ok := providers[op]
		if !ok || p == nil {
			continue
		}
		ops = append(ops, Operation{Op: op, Key: keys[op], Provider: p})
	}
	return ops
}

// fragmentPayload is the wire shape every HTTP provider answers with.
// Providers fill whichever fields their dimension knows about.
type fragmentPayload struct {
	Company         *leads.Company          `json:"company,omitempty"`
	Domain          string                  `json:"domain,omitempty"`
	Contacts        []leads.Contact         `json:"contacts,omitempty"`
	SizeBucket      leads.CompanySizeBucket `json:"size_bucket,omitempty"`
	RelatedProjects []string                `json:"related_projects,omitempty"`
}

func (p fragmentPayload) toFragment() *leads.Lead {
	frag := &leads.Lead{
		Contacts:        p.Contacts,
		RelatedProjects: p.RelatedProjects,
	}
	if p.Company != nil {
		c := *p.Company
		frag.Company = &c
	}
	if p.Domain != "" || p.SizeBucket != "" {
		if frag.Company == nil {
			frag.Company = &leads.Company{}
		}
		if frag.Company.Domain == "" {
			frag.Company.Domain = p.Domain
		}
		if frag.Company.SizeBucket == "" {
			frag.Company.SizeBucket = p.SizeBucket
		}
	}
	return frag
}

const maxProviderBody = 1 << 20

// HTTPProvider calls a JSON endpoint with ?key=<key>. 404 maps to
// ErrNotFound, 429 to RateLimitedError, anything else 4xx/5xx to a plain
// error the enricher treats as a transient provider failure.
type HTTPProvider struct {
	endpoint string
	cfg      config.ProviderConfig
	secrets  secrets.Resolver
	client   *http.Client
}

func NewHTTPProvider(cfg config.ProviderConfig, res secrets.Resolver, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProvider{endpoint: cfg.Endpoint, cfg: cfg, secrets: res, client: client}
}

func (p *HTTPProvider) Lookup(ctx context.Context, key string) (*leads.Lead, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("provider endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", key)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.cfg.CredentialRef != "" {
		token, err := p.secrets.Resolve(p.cfg.CredentialRef)
		if err != nil {
			return nil, fmt.Errorf("resolve credential %q: %w", p.cfg.CredentialRef, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("provider status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return nil, err
	}
	var payload fragmentPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode provider payload: %w", err)
	}
	return payload.toFragment(), nil
}

func parseRetryAfter(v string) time.Duration {
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
