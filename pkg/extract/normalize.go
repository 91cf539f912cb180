// Package extract turns raw fetched payloads into candidate leads. Each
// source type has its own extractor, all pure functions of the payload and
// the source's declarative hints.
package extract

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

var (
	tagPattern    = regexp.MustCompile(`<[^>]*>`)
	spacePattern  = regexp.MustCompile(`\s+`)
	moneyPattern  = regexp.MustCompile(`(?i)(\$?)\s*([0-9][0-9,]*(?:\.[0-9]+)?)\s*(k|m|b|million|billion|thousand)?\b`)
	areaPattern   = regexp.MustCompile(`(?i)([0-9][0-9,]*(?:\.[0-9]+)?)\s*(?:sq\.?\s*ft\.?|sf\b|square\s+feet)`)
	entityPattern = regexp.MustCompile(`&(amp|lt|gt|quot|#39|apos|nbsp);`)
)

// CleanText strips markup, decodes common entities, and collapses
// whitespace. Feed descriptions routinely embed HTML boilerplate.
func CleanText(s string) string {
	s = tagPattern.ReplaceAllString(s, " ")
	s = entityPattern.ReplaceAllStringFunc(s, func(m string) string {
		switch m {
		case "&amp;":
			return "&"
		case "&lt;":
			return "<"
		case "&gt;":
			return ">"
		case "&quot;":
			return `"`
		case "&#39;", "&apos;":
			return "'"
		default:
			return " "
		}
	})
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

// ResolveURL resolves a possibly relative href against the source's base.
func ResolveURL(base, href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(ref).String()
}

// dateLayouts are the formats observed across feeds, portals, and APIs.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"01/02/2006",
}

// ParseDate parses a publication date best effort and canonicalizes it to
// UTC. A zero time means the string was unparseable.
func ParseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// ParseMoney parses a dollar amount from free text, tolerating currency
// symbols, thousands separators, and magnitude suffixes: "$5,000,000",
// "5.2M", "$3 million". A bare number only counts when it is the entire
// string, so street addresses in prose are not mistaken for budgets. Zero
// means no amount was found.
func ParseMoney(s string) leads.Money {
	for _, m := range moneyPattern.FindAllStringSubmatch(s, -1) {
		if m[1] == "" && m[3] == "" {
			continue // unanchored bare number in free text
		}
		if v := moneyValue(m[2], m[3]); v > 0 {
			return v
		}
	}
	if trimmed := strings.ReplaceAll(strings.TrimSpace(s), ",", ""); trimmed != "" {
		if num, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return leads.Money(num)
		}
	}
	return 0
}

func moneyValue(digits, suffix string) leads.Money {
	num, err := strconv.ParseFloat(strings.ReplaceAll(digits, ",", ""), 64)
	if err != nil {
		return 0
	}
	switch strings.ToLower(suffix) {
	case "k", "thousand":
		num *= 1_000
	case "m", "million":
		num *= 1_000_000
	case "b", "billion":
		num *= 1_000_000_000
	}
	return leads.Money(num)
}

// ParseArea parses a square-footage mention: "120,000 sq ft", "45000 SF".
func ParseArea(s string) leads.Area {
	m := areaPattern.FindStringSubmatch(s)
	if m == nil {
		return 0
	}
	num, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	if err != nil {
		return 0
	}
	return leads.Area(num)
}
