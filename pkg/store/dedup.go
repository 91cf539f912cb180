package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

// Match points at an existing lead a candidate duplicates.
type Match struct {
	CanonicalID string
	Similarity  float64
}

// UpsertOutcome names what Upsert did with the lead.
type UpsertOutcome string

const (
	OutcomeInserted    UpsertOutcome = "inserted"
	OutcomeMerged      UpsertOutcome = "merged"
	OutcomeDedupRecord UpsertOutcome = "dedup-record"
)

// UpsertResult reports the outcome and, for duplicates, the canonical
// the caller should follow up on.
type UpsertResult struct {
	Outcome     UpsertOutcome
	CanonicalID string
	Similarity  float64
}

// FindNearDuplicate looks for an existing lead the candidate duplicates:
// exact normalized-URL match first, then same source record id within
// the source, then a fuzzy (title, location) token-set pass over leads
// updated inside the look-back window.
func (s *Store) FindNearDuplicate(ctx context.Context, l *leads.Lead) (*Match, error) {
	if url := leads.NormalizeURL(l.SourceURL); url != "" {
		var id string
		err := s.db.QueryRowContext(ctx,
			`SELECT lead_id FROM leads WHERE normalized_url = ? AND lead_id != ? LIMIT 1`,
			url, l.LeadID).Scan(&id)
		switch {
		case err == nil:
			return &Match{CanonicalID: id, Similarity: 1}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("dedup url lookup: %w", err)
		}
	}

	if l.SourceRecordID != "" {
		var id string
		err := s.db.QueryRowContext(ctx,
			`SELECT lead_id FROM leads WHERE source_id = ? AND source_record_id = ? AND lead_id != ? LIMIT 1`,
			l.SourceID, l.SourceRecordID, l.LeadID).Scan(&id)
		switch {
		case err == nil:
			return &Match{CanonicalID: id, Similarity: 1}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("dedup record-id lookup: %w", err)
		}
	}

	return s.fuzzyMatch(ctx, l)
}

func (s *Store) fuzzyMatch(ctx context.Context, l *leads.Lead) (*Match, error) {
	identity := leads.NormalizeText(l.Title) + " " + leads.NormalizeText(l.Location.String())
	lookBack := s.cfg.LookBack.Std()
	if lookBack <= 0 {
		lookBack = 30 * 24 * time.Hour
	}
	cutoff := fmtTime(s.now().Add(-lookBack))

	rows, err := s.db.QueryContext(ctx, `
		SELECT lead_id, normalized_title, normalized_location
		FROM leads WHERE last_updated_at >= ? AND lead_id != ?`, cutoff, l.LeadID)
	if err != nil {
		return nil, fmt.Errorf("dedup fuzzy scan: %w", err)
	}
	defer rows.Close()

	threshold := s.cfg.DedupThreshold
	if threshold <= 0 {
		threshold = 0.85
	}

	var best *Match
	for rows.Next() {
		var id, title, location string
		if err := rows.Scan(&id, &title, &location); err != nil {
			return nil, err
		}
		ratio := leads.TokenSetRatio(identity, title+" "+location)
		if ratio >= threshold && (best == nil || ratio > best.Similarity) {
			best = &Match{CanonicalID: id, Similarity: ratio}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return best, nil
}

// Upsert inserts the lead or folds it into its canonical duplicate:
// fresh leads insert as-is; duplicates of a pre-enrichment lead merge
// into it conservatively; duplicates of an enriched or terminal lead
// only leave a DedupRecord. The dedup-search-plus-apply window holds a
// per-canonical lock so racing workers cannot double-insert.
func (s *Store) Upsert(ctx context.Context, l *leads.Lead) (UpsertResult, error) {
	identity := leads.NormalizeURL(l.SourceURL)
	if identity == "" {
		identity = leads.NormalizeText(l.Title) + "|" + leads.NormalizeText(l.Location.String())
	}
	unlock := s.canonical.lock(identity)
	defer unlock()

	match, err := s.FindNearDuplicate(ctx, l)
	if err != nil {
		return UpsertResult{}, err
	}

	if match == nil {
		if err := s.write(ctx, func() error { return s.putLead(l) }); err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{Outcome: OutcomeInserted}, nil
	}

	existing, err := s.GetLead(ctx, match.CanonicalID)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("load canonical %s: %w", match.CanonicalID, err)
	}

	// Every detected duplicate leaves a pointer record, so the dropped
	// lead id stays traceable to its canonical.
	if existing.Status.Before(leads.StatusEnriched) {
		err := s.write(ctx, func() error {
			existing.Merge(l)
			existing.LastUpdatedAt = s.now().UTC()
			if err := s.putLead(existing); err != nil {
				return err
			}
			return s.putDedupRecord(l.LeadID, existing.LeadID, match.Similarity)
		})
		if err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{Outcome: OutcomeMerged, CanonicalID: existing.LeadID, Similarity: match.Similarity}, nil
	}

	// Enriched and terminal canonicals stay untouched.
	err = s.write(ctx, func() error {
		return s.putDedupRecord(l.LeadID, existing.LeadID, match.Similarity)
	})
	if err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Outcome: OutcomeDedupRecord, CanonicalID: existing.LeadID, Similarity: match.Similarity}, nil
}

func (s *Store) putDedupRecord(duplicateID, canonicalID string, similarity float64) error {
	_, err := s.db.ExecContext(context.Background(), `
		INSERT INTO dedup_records (duplicate_lead_id, canonical_lead_id, similarity, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(duplicate_lead_id) DO NOTHING`,
		duplicateID, canonicalID, similarity, fmtTime(s.now()))
	if err != nil {
		return fmt.Errorf("record dedup %s: %w", duplicateID, err)
	}
	return nil
}

// DedupRecords lists recorded duplicates for a canonical lead.
func (s *Store) DedupRecords(ctx context.Context, canonicalID string) ([]leads.DedupRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT duplicate_lead_id, canonical_lead_id, similarity, recorded_at
		FROM dedup_records WHERE canonical_lead_id = ? ORDER BY recorded_at ASC`, canonicalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []leads.DedupRecord
	for rows.Next() {
		var r leads.DedupRecord
		var recorded string
		if err := rows.Scan(&r.DuplicateLeadID, &r.CanonicalLeadID, &r.Similarity, &recorded); err != nil {
			return nil, err
		}
		r.RecordedAt = parseTime(recorded)
		out = append(out, r)
	}
	return out, rows.Err()
}
