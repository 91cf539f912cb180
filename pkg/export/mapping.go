package export

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Structa-Labs/leadforge/core/pkg/crm"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

// leadFields renders the exportable internal fields by their canonical
// names. The configured field map picks from these and assigns the CRM
// property ids, so property ids never appear in code.
func leadFields(l *leads.Lead) map[string]string {
	out := map[string]string{
		"lead_id":          l.LeadID,
		"title":            l.Title,
		"description":      l.Description,
		"market_sector":    string(l.MarketSector),
		"project_stage":    string(l.ProjectStage),
		"city":             l.Location.City,
		"state":            l.Location.State,
		"source_id":        l.SourceID,
		"source_url":       l.SourceURL,
		"confidence_score": strconv.FormatFloat(l.ConfidenceScore, 'f', 2, 64),
		"quality_score":    strconv.Itoa(l.QualityScore),
		"priority":         string(l.Priority),
		"win_probability":  strconv.FormatFloat(l.WinProbability, 'f', 2, 64),
	}
	if l.EstimatedValue != 0 {
		out["estimated_value"] = strconv.FormatInt(int64(l.EstimatedValue), 10)
	}
	if l.EstimatedSize != 0 {
		out["estimated_size"] = strconv.FormatInt(int64(l.EstimatedSize), 10)
	}
	if !l.PublishedAt.IsZero() {
		out["published_at"] = l.PublishedAt.UTC().Format(time.RFC3339)
	}
	return out
}

// mapFields applies the configured internal-field → CRM-property table.
// Unknown internal names are skipped; empty values are not sent.
func mapFields(l *leads.Lead, fieldMap map[string]string) map[string]string {
	if len(fieldMap) == 0 {
		return nil
	}
	fields := leadFields(l)
	out := make(map[string]string, len(fieldMap))
	for internal, property := range fieldMap {
		if v := fields[internal]; v != "" {
			out[property] = v
		}
	}
	return out
}

// buildNote renders the structured summary attached to the deal.
func buildNote(l *leads.Lead) crm.Note {
	var b strings.Builder
	fmt.Fprintf(&b, "Source: %s\n", l.SourceURL)
	fmt.Fprintf(&b, "Confidence: %.2f\n", l.ConfidenceScore)
	fmt.Fprintf(&b, "Quality: %d\n", l.QualityScore)
	if l.Priority != "" {
		fmt.Fprintf(&b, "Priority: %s\n", l.Priority)
	}
	if l.MarketSector != "" {
		fmt.Fprintf(&b, "Sector: %s\n", l.MarketSector)
	}
	if l.ProjectStage != "" && l.ProjectStage != leads.StageUnknown {
		fmt.Fprintf(&b, "Stage: %s\n", l.ProjectStage)
	}
	if len(l.RelatedProjects) > 0 {
		related := append([]string(nil), l.RelatedProjects...)
		sort.Strings(related)
		fmt.Fprintf(&b, "Related: %s\n", strings.Join(related, "; "))
	}
	if l.Notes != "" {
		fmt.Fprintf(&b, "Classification: %s\n", l.Notes)
	}
	return crm.Note{Body: strings.TrimSuffix(b.String(), "\n")}
}
