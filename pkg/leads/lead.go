// Package leads defines the domain model shared by every pipeline stage:
// sources, raw payloads, candidate leads, persisted leads, and the status
// machine a lead moves through on its way to the CRM.
package leads

import (
	"time"

	"github.com/google/uuid"
)

// MarketSector identifies one of the firm's target market segments.
type MarketSector string

const (
	SectorHealthcare    MarketSector = "healthcare"
	SectorHigherEd      MarketSector = "higher-education"
	SectorEnergy        MarketSector = "energy"
	SectorEntertainment MarketSector = "entertainment"
	SectorCommercial    MarketSector = "commercial"
	SectorOther         MarketSector = "other"
)

// ProjectStage is the position of a project in its decision timeline.
// The pipeline prefers early stages; ordering matters for stage resolution.
type ProjectStage string

const (
	StageConceptual     ProjectStage = "conceptual"
	StagePlanning       ProjectStage = "planning"
	StageApproval       ProjectStage = "approval"
	StageFunding        ProjectStage = "funding"
	StageImplementation ProjectStage = "implementation"
	StageUnknown        ProjectStage = "unknown"
)

// StageOrder lists stages earliest-first. When a lead matches keyword
// classes for several stages, the earliest one wins.
var StageOrder = []ProjectStage{
	StageConceptual,
	StagePlanning,
	StageApproval,
	StageFunding,
	StageImplementation,
}

// Priority buckets a lead by value, timeline, and win probability.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityMinimal  Priority = "minimal"
)

// Status tracks a lead through the pipeline. Transitions form a DAG:
//
//	new → processing → validated → enriched → exported → archived
//
// with rejected reachable from any non-terminal state. Rejected and
// archived are terminal; exported may only advance to archived.
type Status string

const (
	StatusNew        Status = "new"
	StatusProcessing Status = "processing"
	StatusValidated  Status = "validated"
	StatusEnriched   Status = "enriched"
	StatusExported   Status = "exported"
	StatusArchived   Status = "archived"
	StatusRejected   Status = "rejected"
)

// statusRank gives each pipeline state its position on the forward path.
var statusRank = map[Status]int{
	StatusNew:        0,
	StatusProcessing: 1,
	StatusValidated:  2,
	StatusEnriched:   3,
	StatusExported:   4,
	StatusArchived:   5,
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusArchived || s == StatusRejected
}

// Before reports whether s sits strictly earlier than other on the
// forward path. Rejected has no rank and is never before anything.
func (s Status) Before(other Status) bool {
	sr, ok := statusRank[s]
	if !ok {
		return false
	}
	or, ok := statusRank[other]
	if !ok {
		return false
	}
	return sr < or
}

// CanTransition reports whether a lead may move from one status to the
// next. Forward moves advance exactly one rank; rejection is allowed from
// any non-terminal state below exported.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusRejected {
		return statusRank[from] < statusRank[StatusExported]
	}
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr == fr+1
}

// Location is a place a project was attributed to. Coords are optional.
type Location struct {
	City   string   `json:"city,omitempty"`
	State  string   `json:"state,omitempty"`
	County string   `json:"county,omitempty"`
	Coords *LatLong `json:"coords,omitempty"`
}

type LatLong struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Empty reports whether no locating field is set.
func (l Location) Empty() bool {
	return l.City == "" && l.State == "" && l.County == ""
}

// String renders the location as "City, ST" best effort.
func (l Location) String() string {
	switch {
	case l.City != "" && l.State != "":
		return l.City + ", " + l.State
	case l.City != "":
		return l.City
	case l.County != "" && l.State != "":
		return l.County + ", " + l.State
	default:
		return l.State
	}
}

// Money is an amount in whole US dollars. Zero means unknown.
type Money int64

// Area is a building size in square feet. Zero means unknown.
type Area int64

// CompanySizeBucket buckets a company by headcount.
type CompanySizeBucket string

const (
	CompanySizeSmall      CompanySizeBucket = "small"
	CompanySizeMid        CompanySizeBucket = "mid"
	CompanySizeLarge      CompanySizeBucket = "large"
	CompanySizeEnterprise CompanySizeBucket = "enterprise"
)

// Company is the owning or developing organization behind a lead.
type Company struct {
	Name       string            `json:"name"`
	Domain     string            `json:"domain,omitempty"`
	SizeBucket CompanySizeBucket `json:"size_bucket,omitempty"`
	HQLocation string            `json:"hq_location,omitempty"`
}

// Contact is a person associated with a lead's company.
type Contact struct {
	Name  string `json:"name"`
	Role  string `json:"role,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// Lead is the persisted entity the pipeline produces.
type Lead struct {
	// Identity.
	LeadID         string `json:"lead_id"`
	SourceID       string `json:"source_id"`
	SourceURL      string `json:"source_url"`
	SourceRecordID string `json:"source_record_id,omitempty"`

	// Content.
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	MarketSector   MarketSector `json:"market_sector,omitempty"`
	Location       Location     `json:"location"`
	ProjectStage   ProjectStage `json:"project_stage,omitempty"`
	EstimatedValue Money        `json:"estimated_value,omitempty"`
	EstimatedSize  Area         `json:"estimated_size,omitempty"`
	PublishedAt    time.Time    `json:"published_at,omitempty"`

	// Quality.
	ConfidenceScore float64  `json:"confidence_score"`
	QualityScore    int      `json:"quality_score"`
	Priority        Priority `json:"priority,omitempty"`
	WinProbability  float64  `json:"win_probability"`

	// Associations.
	Company         *Company  `json:"company,omitempty"`
	Contacts        []Contact `json:"contacts,omitempty"`
	RelatedProjects []string  `json:"related_projects,omitempty"`

	// Status.
	Status       Status               `json:"status"`
	StatusTimes  map[Status]time.Time `json:"status_times,omitempty"`
	Notes        string               `json:"notes,omitempty"`
	ExportTries  int                  `json:"export_tries,omitempty"`

	// Audit.
	FirstSeenAt     time.Time         `json:"first_seen_at"`
	LastUpdatedAt   time.Time         `json:"last_updated_at"`
	ExportRecordIDs map[string]string `json:"export_record_ids,omitempty"`
}

// NewLead mints a lead in status new with a fresh identity.
func NewLead(sourceID, sourceURL string) *Lead {
	now := time.Now().UTC()
	return &Lead{
		LeadID:        uuid.NewString(),
		SourceID:      sourceID,
		SourceURL:     sourceURL,
		Status:        StatusNew,
		StatusTimes:   map[Status]time.Time{StatusNew: now},
		FirstSeenAt:   now,
		LastUpdatedAt: now,
	}
}

// Advance moves the lead to the given status, recording the transition
// time. It returns false without mutating when the transition is illegal.
func (l *Lead) Advance(to Status, at time.Time) bool {
	if !CanTransition(l.Status, to) {
		return false
	}
	l.Status = to
	if l.StatusTimes == nil {
		l.StatusTimes = make(map[Status]time.Time)
	}
	l.StatusTimes[to] = at
	l.LastUpdatedAt = at
	return true
}

// Merge fills gaps in l from other. Merging is conservative: a non-zero
// field of l is never overwritten. Contacts are unioned by email (or name
// when no email is present). Returns true when anything changed.
func (l *Lead) Merge(other *Lead) bool {
	if other == nil {
		return false
	}
	changed := false
	if l.Title == "" && other.Title != "" {
		l.Title = other.Title
		changed = true
	}
	if l.Description == "" && other.Description != "" {
		l.Description = other.Description
		changed = true
	}
	if l.SourceRecordID == "" && other.SourceRecordID != "" {
		l.SourceRecordID = other.SourceRecordID
		changed = true
	}
	if (l.MarketSector == "" || l.MarketSector == SectorOther) && other.MarketSector != "" && other.MarketSector != SectorOther {
		l.MarketSector = other.MarketSector
		changed = true
	}
	if (l.ProjectStage == "" || l.ProjectStage == StageUnknown) && other.ProjectStage != "" && other.ProjectStage != StageUnknown {
		l.ProjectStage = other.ProjectStage
		changed = true
	}
	if l.Location.City == "" && other.Location.City != "" {
		l.Location.City = other.Location.City
		changed = true
	}
	if l.Location.State == "" && other.Location.State != "" {
		l.Location.State = other.Location.State
		changed = true
	}
	if l.Location.County == "" && other.Location.County != "" {
		l.Location.County = other.Location.County
		changed = true
	}
	if l.Location.Coords == nil && other.Location.Coords != nil {
		c := *other.Location.Coords
		l.Location.Coords = &c
		changed = true
	}
	if l.EstimatedValue == 0 && other.EstimatedValue != 0 {
		l.EstimatedValue = other.EstimatedValue
		changed = true
	}
	if l.EstimatedSize == 0 && other.EstimatedSize != 0 {
		l.EstimatedSize = other.EstimatedSize
		changed = true
	}
	if l.PublishedAt.IsZero() && !other.PublishedAt.IsZero() {
		l.PublishedAt = other.PublishedAt
		changed = true
	}
	if l.Company == nil && other.Company != nil {
		c := *other.Company
		l.Company = &c
		changed = true
	} else if l.Company != nil && other.Company != nil {
		if l.Company.Domain == "" && other.Company.Domain != "" {
			l.Company.Domain = other.Company.Domain
			changed = true
		}
		if l.Company.SizeBucket == "" && other.Company.SizeBucket != "" {
			l.Company.SizeBucket = other.Company.SizeBucket
			changed = true
		}
		if l.Company.HQLocation == "" && other.Company.HQLocation != "" {
			l.Company.HQLocation = other.Company.HQLocation
			changed = true
		}
	}
	if mergeContacts(l, other.Contacts) {
		changed = true
	}
	if len(l.RelatedProjects) == 0 && len(other.RelatedProjects) > 0 {
		l.RelatedProjects = append([]string(nil), other.RelatedProjects...)
		changed = true
	}
	return changed
}

func mergeContacts(l *Lead, incoming []Contact) bool {
	if len(incoming) == 0 {
		return false
	}
	seen := make(map[string]bool, len(l.Contacts))
	for _, c := range l.Contacts {
		seen[contactKey(c)] = true
	}
	changed := false
	for _, c := range incoming {
		if !seen[contactKey(c)] {
			l.Contacts = append(l.Contacts, c)
			seen[contactKey(c)] = true
			changed = true
		}
	}
	return changed
}

func contactKey(c Contact) string {
	if c.Email != "" {
		return "e:" + c.Email
	}
	return "n:" + c.Name
}

// DedupRecord points a duplicate lead at its canonical record.
type DedupRecord struct {
	DuplicateLeadID string    `json:"duplicate_lead_id"`
	CanonicalLeadID string    `json:"canonical_lead_id"`
	Similarity      float64   `json:"similarity"`
	RecordedAt      time.Time `json:"recorded_at"`
}
