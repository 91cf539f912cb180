package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
	"github.com/Structa-Labs/leadforge/core/pkg/secrets"
)

// Fetcher turns a source definition into a raw payload. It dispatches on
// the source type, applies the retry policy, resolves credentials through
// the secret-name indirection, and trips a per-source circuit breaker on
// repeated failure.
type Fetcher struct {
	cfg     config.FetchConfig
	doer    Doer
	secrets secrets.Resolver
	logger  *slog.Logger

	mu           sync.Mutex
	breakers     map[string]*Breaker
	lastModified map[string]string // per source, for If-Modified-Since
}

// New constructs a fetcher. A nil doer uses a plain http.Client bounded by
// the configured timeout.
func New(cfg config.FetchConfig, doer Doer, resolver secrets.Resolver, logger *slog.Logger) *Fetcher {
	if doer == nil {
		doer = &http.Client{Timeout: cfg.Timeout.Std()}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{
		cfg:          cfg,
		doer:         doer,
		secrets:      resolver,
		logger:       logger.With("component", "fetch"),
		breakers:     make(map[string]*Breaker),
		lastModified: make(map[string]string),
	}
}

// Fetch performs one fetch for the source. A non-nil error is always a
// *Error; KindNotModified signals an unchanged feed, not a failure.
func (f *Fetcher) Fetch(ctx context.Context, src leads.Source) (*leads.RawPayload, error) {
	br := f.breaker(src.ID)
	if !br.Allow() {
		return nil, &Error{Kind: KindThrottled, SourceID: src.ID, Err: fmt.Errorf("circuit open")}
	}

	res, ferr := f.dispatch(ctx, src)
	if ferr != nil {
		if ferr.Kind == KindNotModified {
			// An unchanged feed is a healthy source.
			br.Success()
			return nil, ferr
		}
		br.Failure()
		return nil, ferr
	}
	br.Success()

	if res.lastModified != "" {
		f.mu.Lock()
		f.lastModified[src.ID] = res.lastModified
		f.mu.Unlock()
	}
	return &leads.RawPayload{
		SourceID:    src.ID,
		Body:        res.body,
		ContentType: res.contentType,
		FetchedAt:   time.Now().UTC(),
		StatusCode:  res.status,
	}, nil
}

// BreakerState exposes a source's breaker state for status reporting.
func (f *Fetcher) BreakerState(sourceID string) string {
	return f.breaker(sourceID).State()
}

func (f *Fetcher) breaker(sourceID string) *Breaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	br, ok := f.breakers[sourceID]
	if !ok {
		br = NewBreaker(sourceID, f.cfg.BreakerThreshold, f.cfg.BreakerCooldown.Std())
		f.breakers[sourceID] = br
	}
	return br
}

func (f *Fetcher) dispatch(ctx context.Context, src leads.Source) (*result, *Error) {
	switch src.Type {
	case leads.SourceFeed:
		return f.fetchFeed(ctx, src)
	case leads.SourceHTMLNews, leads.SourceDocumentAPI:
		return f.fetchPlain(ctx, src)
	case leads.SourceJSONAPI:
		return f.fetchJSONAPI(ctx, src)
	case leads.SourceWebPortal:
		return f.fetchPortal(ctx, src)
	default:
		return nil, &Error{Kind: KindParse, SourceID: src.ID, Err: fmt.Errorf("unknown source type %q", src.Type)}
	}
}

// fetchFeed GETs an RSS/Atom feed with If-Modified-Since so unchanged
// feeds cost a 304.
func (f *Fetcher) fetchFeed(ctx context.Context, src leads.Source) (*result, *Error) {
	f.mu.Lock()
	since := f.lastModified[src.ID]
	f.mu.Unlock()

	return doWithRetry(ctx, f.doer, f.cfg, src.ID, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml")
		if since != "" {
			req.Header.Set("If-Modified-Since", since)
		}
		return req, nil
	})
}

func (f *Fetcher) fetchPlain(ctx context.Context, src leads.Source) (*result, *Error) {
	return doWithRetry(ctx, f.doer, f.cfg, src.ID, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
		if err != nil {
			return nil, err
		}
		if src.Type == leads.SourceDocumentAPI {
			req.Header.Set("Accept", "text/plain, application/json")
		}
		return req, nil
	})
}

// fetchJSONAPI attaches the resolved credential. The source config names
// the secret and the header; the secret value never appears in config.
func (f *Fetcher) fetchJSONAPI(ctx context.Context, src leads.Source) (*result, *Error) {
	if src.CredentialRef == "" {
		return nil, &Error{Kind: KindAuth, SourceID: src.ID, Err: fmt.Errorf("no credential_ref configured")}
	}
	token, err := f.secrets.Resolve(src.CredentialRef)
	if err != nil {
		return nil, &Error{Kind: KindAuth, SourceID: src.ID, Err: err}
	}
	header, value := "Authorization", "Bearer "+token
	if h := src.Params.AuthHeader; h != "" && !strings.EqualFold(h, "authorization") {
		header, value = h, token
	}

	return doWithRetry(ctx, f.doer, f.cfg, src.ID, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set(header, value)
		return req, nil
	})
}

// fetchPortal replays the configured interaction steps (a GET of the form
// page, a POST of the date-range fields, a GET of the results) carrying
// session cookies forward. The body of the final step is the payload.
func (f *Fetcher) fetchPortal(ctx context.Context, src leads.Source) (*result, *Error) {
	steps := src.Params.Steps
	if len(steps) == 0 {
		steps = []leads.PortalStep{{Method: http.MethodGet}}
	}
	base, err := url.Parse(src.URL)
	if err != nil {
		return nil, &Error{Kind: KindParse, SourceID: src.ID, Err: err}
	}

	var cookies []*http.Cookie
	var last *result
	for i, step := range steps {
		target := base
		if step.Path != "" {
			ref, err := url.Parse(step.Path)
			if err != nil {
				return nil, &Error{Kind: KindParse, SourceID: src.ID, Err: fmt.Errorf("step %d: %w", i, err)}
			}
			target = base.ResolveReference(ref)
		}

		method := strings.ToUpper(step.Method)
		if method == "" {
			method = http.MethodGet
		}
		form := step.Form

		res, ferr := doWithRetry(ctx, f.doer, f.cfg, src.ID, func(ctx context.Context) (*http.Request, error) {
			var req *http.Request
			var err error
			if method == http.MethodPost {
				values := url.Values{}
				for k, v := range form {
					values.Set(k, v)
				}
				req, err = http.NewRequestWithContext(ctx, method, target.String(), strings.NewReader(values.Encode()))
				if err == nil {
					req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				}
			} else {
				req, err = http.NewRequestWithContext(ctx, method, target.String(), nil)
			}
			if err != nil {
				return nil, err
			}
			for _, c := range cookies {
				req.AddCookie(c)
			}
			return req, nil
		})
		if ferr != nil {
			if ferr.Err != nil {
				ferr.Err = fmt.Errorf("portal step %d/%d: %w", i+1, len(steps), ferr.Err)
			} else {
				ferr.Err = fmt.Errorf("portal step %d/%d", i+1, len(steps))
			}
			return nil, ferr
		}
		cookies = append(cookies, res.cookies...)
		last = res
	}
	return last, nil
}
