package extract

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

// rssDoc covers RSS 2.0 and the 0.9x variants the permit feeds still use.
type rssDoc struct {
	XMLName xml.Name `xml:"rss"`
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Link        string `xml:"link"`
	Description string `xml:"description"`
	PubDate     string `xml:"pubDate"`
	GUID        string `xml:"guid"`
}

type atomDoc struct {
	XMLName xml.Name    `xml:"feed"`
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title   string `xml:"title"`
	ID      string `xml:"id"`
	Updated string `xml:"updated"`
	Summary string `xml:"summary"`
	Content string `xml:"content"`
	Links   []struct {
		Rel  string `xml:"rel,attr"`
		Href string `xml:"href,attr"`
	} `xml:"link"`
}

// extractFeed parses an RSS or Atom payload, one candidate per item.
func extractFeed(src leads.Source, payload *leads.RawPayload) ([]leads.CandidateLead, error) {
	body := bytes.TrimSpace(payload.Body)

	var rss rssDoc
	if err := xml.Unmarshal(body, &rss); err == nil && len(rss.Channel.Items) > 0 {
		out := make([]leads.CandidateLead, 0, len(rss.Channel.Items))
		for _, item := range rss.Channel.Items {
			title := CleanText(item.Title)
			if title == "" {
				continue
			}
			link := ResolveURL(src.URL, item.Link)
			if link == "" {
				link = src.URL
			}
			out = append(out, leads.CandidateLead{
				Title:          title,
				Description:    CleanText(item.Description),
				SourceID:       src.ID,
				SourceURL:      link,
				SourceRecordID: CleanText(item.GUID),
				PublishedAt:    ParseDate(item.PubDate),
			})
		}
		return out, nil
	}

	var atom atomDoc
	if err := xml.Unmarshal(body, &atom); err == nil && len(atom.Entries) > 0 {
		out := make([]leads.CandidateLead, 0, len(atom.Entries))
		for _, entry := range atom.Entries {
			title := CleanText(entry.Title)
			if title == "" {
				continue
			}
			desc := CleanText(entry.Summary)
			if desc == "" {
				desc = CleanText(entry.Content)
			}
			link := ""
			for _, l := range entry.Links {
				if l.Rel == "" || l.Rel == "alternate" {
					link = l.Href
					break
				}
			}
			link = ResolveURL(src.URL, link)
			if link == "" {
				link = src.URL
			}
			out = append(out, leads.CandidateLead{
				Title:          title,
				Description:    desc,
				SourceID:       src.ID,
				SourceURL:      link,
				SourceRecordID: CleanText(entry.ID),
				PublishedAt:    ParseDate(entry.Updated),
			})
		}
		return out, nil
	}

	// Empty feeds are legal; garbage is not.
	var probe struct{ XMLName xml.Name }
	if err := xml.Unmarshal(body, &probe); err != nil {
		return nil, fmt.Errorf("feed %s: not valid XML: %w", src.ID, err)
	}
	if probe.XMLName.Local == "rss" || probe.XMLName.Local == "feed" {
		return nil, nil
	}
	return nil, fmt.Errorf("feed %s: unrecognized root element %q", src.ID, probe.XMLName.Local)
}
