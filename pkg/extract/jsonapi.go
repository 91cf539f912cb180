package extract

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

// extractJSON runs the configured gojq paths over an API response. The
// items path selects the record stream; field paths evaluate per record.
func extractJSON(src leads.Source, payload *leads.RawPayload) ([]leads.CandidateLead, error) {
	paths := src.Params.JSON
	if paths == nil || paths.Items == "" || paths.Title == "" {
		return nil, fmt.Errorf("json source %s: items and title paths are required", src.ID)
	}

	var doc interface{}
	if err := json.Unmarshal(payload.Body, &doc); err != nil {
		return nil, fmt.Errorf("json source %s: %w", src.ID, err)
	}

	itemsQuery, err := gojq.Parse(paths.Items)
	if err != nil {
		return nil, fmt.Errorf("json source %s: items path: %w", src.ID, err)
	}

	fieldQueries, err := compileFieldQueries(paths)
	if err != nil {
		return nil, fmt.Errorf("json source %s: %w", src.ID, err)
	}

	var out []leads.CandidateLead
	iter := itemsQuery.Run(doc)
	for {
		record, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := record.(error); isErr {
			return nil, fmt.Errorf("json source %s: items path: %w", src.ID, err)
		}

		title := CleanText(evalString(fieldQueries["title"], record))
		if title == "" {
			continue
		}
		cand := leads.CandidateLead{
			Title:          title,
			Description:    CleanText(evalString(fieldQueries["description"], record)),
			SourceID:       src.ID,
			SourceURL:      ResolveURL(src.URL, evalString(fieldQueries["link"], record)),
			SourceRecordID: evalString(fieldQueries["record_id"], record),
			LocationText:   CleanText(evalString(fieldQueries["location"], record)),
			ValueText:      CleanText(evalString(fieldQueries["value"], record)),
		}
		if cand.SourceURL == "" {
			cand.SourceURL = src.URL
		}
		if raw := evalString(fieldQueries["date"], record); raw != "" {
			cand.PublishedAt = ParseDate(raw)
		}
		out = append(out, cand)
	}
	return out, nil
}

func compileFieldQueries(paths *leads.JSONPaths) (map[string]*gojq.Query, error) {
	specs := map[string]string{
		"title":       paths.Title,
		"description": paths.Description,
		"link":        paths.Link,
		"record_id":   paths.RecordID,
		"date":        paths.Date,
		"location":    paths.Location,
		"value":       paths.Value,
	}
	out := make(map[string]*gojq.Query, len(specs))
	for name, expr := range specs {
		if expr == "" {
			continue
		}
		q, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("%s path %q: %w", name, expr, err)
		}
		out[name] = q
	}
	return out, nil
}

// evalString runs a field query against one record and renders the first
// result as a string. Nil queries and null results yield "".
func evalString(q *gojq.Query, record interface{}) string {
	if q == nil {
		return ""
	}
	iter := q.Run(record)
	v, ok := iter.Next()
	if !ok || v == nil {
		return ""
	}
	if _, isErr := v.(error); isErr {
		return ""
	}
	switch tv := v.(type) {
	case string:
		return tv
	case float64:
		// JSON numbers arrive as float64; render without a mantissa when whole.
		if tv == float64(int64(tv)) {
			return fmt.Sprintf("%d", int64(tv))
		}
		return fmt.Sprintf("%g", tv)
	case int:
		return fmt.Sprintf("%d", tv)
	default:
		return fmt.Sprintf("%v", tv)
	}
}
