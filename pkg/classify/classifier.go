// Package classify assigns sector, location, and stage to candidate
// leads, computes a confidence score, and rejects out-of-scope
// candidates. Given fixed keyword tables, classification is a pure
// function of its input.
package classify

import (
	"fmt"
	"strings"
	"time"

	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/extract"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

// RejectReason explains why a candidate did not become a lead.
// Rejections are accounting, not errors.
type RejectReason string

const (
	RejectMissingTitle    RejectReason = "missing-title"
	RejectMissingLocation RejectReason = "missing-location"
	RejectOutOfRegion     RejectReason = "out-of-region"
	RejectStale           RejectReason = "stale"
	RejectLowConfidence   RejectReason = "low-confidence"
)

// Result is the outcome of classifying one candidate: either a lead or a
// rejection, never both.
type Result struct {
	Lead      *leads.Lead
	Rejected  bool
	Reason    RejectReason
	Detail    string
	Rationale string // human-readable scoring summary, carried to the CRM note
}

// Classifier holds the loaded keyword tables. It is immutable after
// construction; Classify is safe for concurrent use.
type Classifier struct {
	cfg config.ClassifyConfig
	now func() time.Time
}

// New builds a classifier over the configured tables.
func New(cfg config.ClassifyConfig) *Classifier {
	return &Classifier{cfg: cfg, now: time.Now}
}

// Classify runs the full pass: entity tagging, sector scoring, location
// validation, stage identification, confidence scoring, recency check.
func (c *Classifier) Classify(cand leads.CandidateLead, src leads.Source) Result {
	if strings.TrimSpace(cand.Title) == "" {
		return Result{Rejected: true, Reason: RejectMissingTitle}
	}

	text := cand.Title + " " + cand.Description
	entities := TagEntities(text)

	sector, sectorScore := c.scoreSector(text)
	stage := c.identifyStage(text)
	loc := c.resolveLocation(cand, entities)

	// Location validation happens before scoring: an out-of-region lead
	// is out of scope no matter how strong the match.
	if loc.Empty() {
		if !src.RegionTrusted {
			return Result{Rejected: true, Reason: RejectMissingLocation}
		}
	} else if !src.RegionTrusted && !c.inTargetRegion(loc) {
		return Result{Rejected: true, Reason: RejectOutOfRegion, Detail: loc.String()}
	}

	if !cand.PublishedAt.IsZero() && !src.Historical {
		age := c.now().UTC().Sub(cand.PublishedAt)
		if maxAge := c.cfg.MaxAge.Std(); maxAge > 0 && age > maxAge {
			return Result{Rejected: true, Reason: RejectStale, Detail: fmt.Sprintf("published %s ago", age.Round(time.Hour))}
		}
	}

	confidence := c.confidence(cand, loc, sectorScore, stage, src)
	if confidence < c.cfg.ConfidenceThreshold {
		return Result{
			Rejected: true,
			Reason:   RejectLowConfidence,
			Detail:   fmt.Sprintf("confidence %.2f < %.2f", confidence, c.cfg.ConfidenceThreshold),
		}
	}

	lead := leads.NewLead(cand.SourceID, cand.SourceURL)
	lead.Title = strings.TrimSpace(cand.Title)
	lead.Description = cand.Description
	lead.SourceRecordID = cand.SourceRecordID
	lead.MarketSector = sector
	lead.Location = loc
	lead.ProjectStage = stage
	lead.PublishedAt = cand.PublishedAt
	lead.ConfidenceScore = confidence
	lead.EstimatedValue = extract.ParseMoney(cand.ValueText)
	if lead.EstimatedValue == 0 {
		lead.EstimatedValue = extract.ParseMoney(cand.Description)
	}
	lead.EstimatedSize = extract.ParseArea(cand.SizeText)
	if lead.EstimatedSize == 0 {
		lead.EstimatedSize = extract.ParseArea(cand.Description)
	}
	if len(entities.Organizations) > 0 {
		lead.Company = &leads.Company{Name: entities.Organizations[0]}
	}
	for _, p := range entities.People {
		lead.Contacts = append(lead.Contacts, leads.Contact{Name: p})
	}

	rationale := fmt.Sprintf("sector=%s(%.1f) stage=%s region=%s confidence=%.2f trust=%.2f",
		sector, sectorScore, stage, loc.String(), confidence, src.TrustWeight)
	return Result{Lead: lead, Rationale: rationale}
}

// scoreSector sums the weights of matched vocabulary per sector. Ties
// break in the configured priority order; no match falls through to
// other.
func (c *Classifier) scoreSector(text string) (leads.MarketSector, float64) {
	lower := strings.ToLower(text)

	best := leads.SectorOther
	bestScore := 0.0
	for _, sector := range c.sectorOrder() {
		score := 0.0
		for _, kw := range c.cfg.SectorKeywords[sector] {
			if kw.Keyword != "" && strings.Contains(lower, strings.ToLower(kw.Keyword)) {
				score += kw.Weight
			}
		}
		// Strictly-greater keeps the earlier (higher-priority) sector on
		// a tie.
		if score > bestScore {
			best, bestScore = sector, score
		}
	}
	if bestScore == 0 {
		return leads.SectorOther, 0
	}
	return best, bestScore
}

// sectorOrder iterates sectors in the configured tie-break order, with
// any unlisted sectors appended alphabetically for determinism.
func (c *Classifier) sectorOrder() []leads.MarketSector {
	if len(c.cfg.SectorPriority) > 0 {
		return c.cfg.SectorPriority
	}
	return []leads.MarketSector{
		leads.SectorHealthcare, leads.SectorHigherEd, leads.SectorEnergy,
		leads.SectorEntertainment, leads.SectorCommercial,
	}
}

// identifyStage returns the earliest stage whose keyword class matches;
// early-stage leads are worth more.
func (c *Classifier) identifyStage(text string) leads.ProjectStage {
	lower := strings.ToLower(text)
	for _, stage := range leads.StageOrder {
		for _, kw := range c.cfg.StageKeywords[stage] {
			if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
				return stage
			}
		}
	}
	return leads.StageUnknown
}

// resolveLocation prefers the extractor's explicit location text and
// falls back to the first tagged location entity.
func (c *Classifier) resolveLocation(cand leads.CandidateLead, entities Entities) leads.Location {
	if loc := parseLocationText(cand.LocationText); !loc.Empty() {
		return loc
	}
	if len(entities.Locations) > 0 {
		return parseLocationText(entities.Locations[0])
	}
	return leads.Location{}
}

func parseLocationText(s string) leads.Location {
	s = strings.TrimSpace(s)
	if s == "" {
		return leads.Location{}
	}
	if i := strings.LastIndex(s, ","); i > 0 {
		city := strings.TrimSpace(s[:i])
		state := strings.TrimSpace(s[i+1:])
		if len(state) == 2 && strings.ToUpper(state) == state {
			return leads.Location{City: city, State: state}
		}
	}
	return leads.Location{City: s}
}

func (c *Classifier) inTargetRegion(loc leads.Location) bool {
	if len(c.cfg.TargetRegions) == 0 {
		return true
	}
	for _, r := range c.cfg.TargetRegions {
		if r.State != "" && !strings.EqualFold(r.State, loc.State) {
			continue
		}
		if r.City == "" || strings.EqualFold(r.City, loc.City) {
			return true
		}
	}
	return false
}

// confidence is a weighted sum over field presence, sector and stage
// match strength, and source trust. Weights total 1.0.
func (c *Classifier) confidence(cand leads.CandidateLead, loc leads.Location, sectorScore float64, stage leads.ProjectStage, src leads.Source) float64 {
	score := 0.0
	if strings.TrimSpace(cand.Title) != "" {
		score += 0.15
	}
	if strings.TrimSpace(cand.Description) != "" {
		score += 0.10
	}
	if !loc.Empty() {
		score += 0.15
	}
	if cand.SourceURL != "" {
		score += 0.05
	}
	if !cand.PublishedAt.IsZero() {
		score += 0.05
	}

	// Sector strength saturates at a weight sum of 3.
	s := sectorScore / 3
	if s > 1 {
		s = 1
	}
	score += 0.20 * s

	if stage != leads.StageUnknown {
		score += 0.15
	}

	trust := src.TrustWeight
	if trust <= 0 {
		trust = 1
	}
	if trust > 1 {
		trust = 1
	}
	score += 0.15 * trust

	return score
}
