package extract

import (
	"bytes"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

// extractHTML walks the configured item selector and pulls fields with the
// remaining selectors. Links prefer the href attribute and fall back to
// element text; all links resolve against the source URL.
func extractHTML(src leads.Source, payload *leads.RawPayload) ([]leads.CandidateLead, error) {
	sel := src.Params.HTML
	if sel == nil || sel.Item == "" || sel.Title == "" {
		return nil, fmt.Errorf("html source %s: item and title selectors are required", src.ID)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(payload.Body))
	if err != nil {
		return nil, fmt.Errorf("html source %s: %w", src.ID, err)
	}

	var out []leads.CandidateLead
	doc.Find(sel.Item).Each(func(_ int, item *goquery.Selection) {
		title := CleanText(item.Find(sel.Title).First().Text())
		if title == "" {
			return
		}
		cand := leads.CandidateLead{
			Title:    title,
			SourceID: src.ID,
			Raw:      map[string]string{},
		}
		if sel.Description != "" {
			cand.Description = CleanText(item.Find(sel.Description).First().Text())
		}
		if sel.Link != "" {
			link := item.Find(sel.Link).First()
			href, ok := link.Attr("href")
			if !ok {
				href = link.Text()
			}
			cand.SourceURL = ResolveURL(src.URL, href)
		}
		if cand.SourceURL == "" {
			cand.SourceURL = src.URL
		}
		if sel.Date != "" {
			raw := CleanText(item.Find(sel.Date).First().Text())
			cand.PublishedAt = ParseDate(raw)
			cand.Raw["date"] = raw
		}
		if sel.Location != "" {
			cand.LocationText = CleanText(item.Find(sel.Location).First().Text())
		}
		if sel.Value != "" {
			cand.ValueText = CleanText(item.Find(sel.Value).First().Text())
		}
		out = append(out, cand)
	})
	return out, nil
}
