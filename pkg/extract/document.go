package extract

import (
	"fmt"
	"regexp"

	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

// extractDocument applies the configured patterns to plain document text.
// The record pattern matches one project mention (capture group 1 when
// present, the whole match otherwise); field patterns run within each
// mention.
func extractDocument(src leads.Source, payload *leads.RawPayload) ([]leads.CandidateLead, error) {
	pats := src.Params.Document
	if pats == nil || pats.Record == "" || pats.Title == "" {
		return nil, fmt.Errorf("document source %s: record and title patterns are required", src.ID)
	}
	recordRe, err := regexp.Compile(pats.Record)
	if err != nil {
		return nil, fmt.Errorf("document source %s: record pattern: %w", src.ID, err)
	}
	titleRe, err := regexp.Compile(pats.Title)
	if err != nil {
		return nil, fmt.Errorf("document source %s: title pattern: %w", src.ID, err)
	}
	var locationRe, valueRe *regexp.Regexp
	if pats.Location != "" {
		if locationRe, err = regexp.Compile(pats.Location); err != nil {
			return nil, fmt.Errorf("document source %s: location pattern: %w", src.ID, err)
		}
	}
	if pats.Value != "" {
		if valueRe, err = regexp.Compile(pats.Value); err != nil {
			return nil, fmt.Errorf("document source %s: value pattern: %w", src.ID, err)
		}
	}

	text := string(payload.Body)
	var out []leads.CandidateLead
	for _, m := range recordRe.FindAllStringSubmatch(text, -1) {
		mention := m[0]
		if len(m) > 1 && m[1] != "" {
			mention = m[1]
		}
		title := firstGroup(titleRe, mention)
		if title == "" {
			continue
		}
		cand := leads.CandidateLead{
			Title:       CleanText(title),
			Description: CleanText(mention),
			SourceID:    src.ID,
			SourceURL:   src.URL,
		}
		if locationRe != nil {
			cand.LocationText = CleanText(firstGroup(locationRe, mention))
		}
		if valueRe != nil {
			cand.ValueText = CleanText(firstGroup(valueRe, mention))
		}
		out = append(out, cand)
	}
	return out, nil
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	if len(m) > 1 {
		return m[1]
	}
	return m[0]
}
