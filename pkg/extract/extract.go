package extract

import (
	"fmt"

	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

// Extract produces candidate leads from one raw payload. A payload may
// legally yield zero candidates; an error means the payload did not match
// the declared shape for the source type.
func Extract(src leads.Source, payload *leads.RawPayload) ([]leads.CandidateLead, error) {
	if payload == nil || len(payload.Body) == 0 {
		return nil, nil
	}
	switch src.Type {
	case leads.SourceFeed:
		return extractFeed(src, payload)
	case leads.SourceHTMLNews, leads.SourceWebPortal:
		// Portals render their results as HTML tables; the same selector
		// extraction applies.
		return extractHTML(src, payload)
	case leads.SourceJSONAPI:
		return extractJSON(src, payload)
	case leads.SourceDocumentAPI:
		return extractDocument(src, payload)
	default:
		return nil, fmt.Errorf("source %s: no extractor for type %q", src.ID, src.Type)
	}
}
