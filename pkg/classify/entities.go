package classify

import (
	"regexp"
	"strings"
)

// Entity tagging is a deterministic pattern pass over title+description.
// It is intentionally lightweight: organizations are capitalized phrases
// ending in a corporate or institutional suffix, locations are
// "City, ST" shapes, people are "Firstname Lastname, Title" shapes near a
// contact cue.

var orgSuffixes = []string{
	"Inc", "LLC", "LLP", "Corp", "Corporation", "Company", "Co",
	"Group", "Partners", "Associates", "Builders", "Construction",
	"Development", "Developers", "Authority", "District", "University",
	"College", "Hospital", "Health", "Medical Center",
}

var (
	locationPattern = regexp.MustCompile(`\b([A-Z][a-z]+(?: [A-Z][a-z]+){0,3}), ([A-Z]{2})\b`)
	orgPattern      = regexp.MustCompile(`\b((?:[A-Z][A-Za-z&'.-]+ ){0,4}[A-Z][A-Za-z&'.-]+)\b`)
	personPattern   = regexp.MustCompile(`\b([A-Z][a-z]+ [A-Z][a-z]+), (?:project manager|director|spokesperson|president|CEO|superintendent)\b`)
)

// Entities is the output of one tagging pass.
type Entities struct {
	Organizations []string
	Locations     []string
	People        []string
}

// TagEntities extracts organization, location, and person mentions from
// text. Output is a pure function of the input and the suffix table.
func TagEntities(text string) Entities {
	var out Entities
	seen := map[string]bool{}

	for _, m := range locationPattern.FindAllStringSubmatch(text, -1) {
		loc := m[1] + ", " + m[2]
		if !seen["L:"+loc] {
			out.Locations = append(out.Locations, loc)
			seen["L:"+loc] = true
		}
	}

	for _, m := range orgPattern.FindAllStringSubmatch(text, -1) {
		phrase := m[1]
		if !hasOrgSuffix(phrase) || seen["O:"+phrase] {
			continue
		}
		out.Organizations = append(out.Organizations, phrase)
		seen["O:"+phrase] = true
	}

	for _, m := range personPattern.FindAllStringSubmatch(text, -1) {
		if !seen["P:"+m[1]] {
			out.People = append(out.People, m[1])
			seen["P:"+m[1]] = true
		}
	}
	return out
}

func hasOrgSuffix(phrase string) bool {
	for _, suffix := range orgSuffixes {
		if phrase == suffix {
			continue // a bare suffix is not an organization
		}
		if strings.HasSuffix(phrase, " "+suffix) || strings.HasSuffix(phrase, " "+suffix+".") {
			return true
		}
	}
	return false
}
