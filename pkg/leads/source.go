package leads

import (
	"time"
)

// SourceType identifies the transport a source is fetched over. The set is
// closed: adding a transport means adding a constant plus its fetcher and
// extractor handlers.
type SourceType string

const (
	SourceFeed        SourceType = "feed"         // RSS/Atom feeds
	SourceWebPortal   SourceType = "web-portal"   // municipal permit portals, form-driven
	SourceHTMLNews    SourceType = "html-news"    // plain HTML news sites
	SourceJSONAPI     SourceType = "json-api"     // authenticated JSON APIs
	SourceDocumentAPI SourceType = "document-api" // document/text APIs
)

// ValidSourceType reports whether t is a known transport.
func ValidSourceType(t SourceType) bool {
	switch t {
	case SourceFeed, SourceWebPortal, SourceHTMLNews, SourceJSONAPI, SourceDocumentAPI:
		return true
	}
	return false
}

// PortalStep is one declarative interaction step against a web portal:
// a GET of a page or a POST of form fields. Steps are configuration, not
// code; the fetcher replays them in order and keeps the last response body.
type PortalStep struct {
	Method string            `yaml:"method" json:"method"` // "GET" or "POST"
	Path   string            `yaml:"path" json:"path"`     // resolved against the source URL
	Form   map[string]string `yaml:"form,omitempty" json:"form,omitempty"`
}

// HTMLSelectors are goquery selectors driving HTML extraction.
type HTMLSelectors struct {
	Item        string `yaml:"item" json:"item"` // one match per project mention
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Link        string `yaml:"link,omitempty" json:"link,omitempty"`
	Date        string `yaml:"date,omitempty" json:"date,omitempty"`
	Location    string `yaml:"location,omitempty" json:"location,omitempty"`
	Value       string `yaml:"value,omitempty" json:"value,omitempty"`
}

// JSONPaths are gojq expressions driving JSON extraction. Items selects the
// record array; the rest evaluate relative to one record.
type JSONPaths struct {
	Items       string `yaml:"items" json:"items"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Link        string `yaml:"link,omitempty" json:"link,omitempty"`
	RecordID    string `yaml:"record_id,omitempty" json:"record_id,omitempty"`
	Date        string `yaml:"date,omitempty" json:"date,omitempty"`
	Location    string `yaml:"location,omitempty" json:"location,omitempty"`
	Value       string `yaml:"value,omitempty" json:"value,omitempty"`
}

// DocumentPatterns are regular expressions applied to document text.
type DocumentPatterns struct {
	Record   string `yaml:"record" json:"record"` // splits the document into mentions
	Title    string `yaml:"title" json:"title"`
	Location string `yaml:"location,omitempty" json:"location,omitempty"`
	Value    string `yaml:"value,omitempty" json:"value,omitempty"`
}

// SourceParams carries the type-specific declarative hints. Only the block
// matching the source type is consulted.
type SourceParams struct {
	HTML     *HTMLSelectors    `yaml:"html,omitempty" json:"html,omitempty"`
	JSON     *JSONPaths        `yaml:"json,omitempty" json:"json,omitempty"`
	Document *DocumentPatterns `yaml:"document,omitempty" json:"document,omitempty"`
	Steps    []PortalStep      `yaml:"steps,omitempty" json:"steps,omitempty"`
	// AuthHeader names the header the resolved credential is sent in,
	// e.g. "Authorization" or "X-Api-Key". Empty defaults to Authorization
	// with a Bearer prefix.
	AuthHeader string `yaml:"auth_header,omitempty" json:"auth_header,omitempty"`
}

// Source is a named, typed handle to an external origin. Sources are
// created at config load and mutated only administratively; retirement is
// an active-flag flip plus drain, never a delete.
type Source struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	URL           string        `json:"url"`
	Type          SourceType    `json:"type"`
	CredentialRef string        `json:"credential_ref,omitempty"`
	MinInterval   time.Duration `json:"min_interval,omitempty"`
	Active        bool          `json:"active"`
	Params        SourceParams  `json:"params,omitempty"`
	Categories    []string      `json:"categories,omitempty"`

	// RegionTrusted exempts the source from region validation.
	RegionTrusted bool `json:"region_trusted,omitempty"`
	// Historical exempts the source from the recency check.
	Historical bool `json:"historical,omitempty"`
	// TrustWeight feeds the confidence score; defaults to 1.0.
	TrustWeight float64 `json:"trust_weight,omitempty"`
}

// RawPayload is the opaque result of one fetch for one source. It lives
// only between the fetcher and the extractor.
type RawPayload struct {
	SourceID    string
	Body        []byte
	ContentType string
	FetchedAt   time.Time
	Attempt     int
	StatusCode  int
	NotModified bool
}

// CandidateLead is an extractor output prior to classification. Only Title
// and SourceURL are required; everything else is best effort.
type CandidateLead struct {
	Title          string
	Description    string
	SourceID       string
	SourceURL      string
	SourceRecordID string
	PublishedAt    time.Time
	LocationText   string
	ValueText      string
	SizeText       string
	Organizations  []string
	LocationNames  []string
	People         []string
	Raw            map[string]string
}

// FetchJob is a unit of work in the scheduler.
type FetchJob struct {
	SourceID    string
	ScheduledAt time.Time
	Attempt     int
	Deadline    time.Time
}
