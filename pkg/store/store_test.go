package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
	"github.com/Structa-Labs/leadforge/core/pkg/sources"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := config.Default().Store
	cfg.Path = filepath.Join(t.TempDir(), "leadforge.db")
	s, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleLead(title, city, url string) *leads.Lead {
	l := leads.NewLead("src-1", url)
	l.Title = title
	l.Location = leads.Location{City: city, State: "CA"}
	l.MarketSector = leads.SectorHealthcare
	l.ConfidenceScore = 0.9
	return l
}

func TestLeadRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	l := sampleLead("Riverside Hospital Expansion Project", "Riverside", "https://a.example.com/p/1")
	l.Company = &leads.Company{Name: "Riverside Health Authority", Domain: "rha.example"}
	l.Contacts = []leads.Contact{{Name: "Dana Reed", Email: "dana@rha.example"}}

	res, err := s.Upsert(ctx, l)
	require.NoError(t, err)
	require.Equal(t, OutcomeInserted, res.Outcome)

	got, err := s.GetLead(ctx, l.LeadID)
	require.NoError(t, err)
	require.Equal(t, l.Title, got.Title)
	require.Equal(t, l.Company.Domain, got.Company.Domain)
	require.Equal(t, leads.StatusNew, got.Status)
	require.Len(t, got.Contacts, 1)

	_, err = s.GetLead(ctx, "no-such-id")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindNearDuplicateByURL(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := sampleLead("Riverside Hospital Expansion Project", "Riverside", "https://a.example.com/p/1")
	_, err := s.Upsert(ctx, a)
	require.NoError(t, err)

	// Same URL modulo trailing slash and fragment.
	b := sampleLead("Completely Different Title", "Elsewhere", "https://a.example.com/p/1/#section")
	m, err := s.FindNearDuplicate(ctx, b)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, a.LeadID, m.CanonicalID)
	require.Equal(t, 1.0, m.Similarity)
}

func TestFindNearDuplicateByRecordID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := sampleLead("Permit 9917", "Riverside", "https://a.example.com/p/1")
	a.SourceRecordID = "P-9917"
	_, err := s.Upsert(ctx, a)
	require.NoError(t, err)

	b := sampleLead("Permit 9917 repost", "Riverside", "https://a.example.com/p/1-updated")
	b.SourceRecordID = "P-9917"
	m, err := s.FindNearDuplicate(ctx, b)
	require.NoError(t, err)
	require.NotNil(t, m)
	require.Equal(t, a.LeadID, m.CanonicalID)

	// Same record id under a different source is a different record.
	c := sampleLead("Permit 9917 elsewhere", "Riverside", "https://other.example.com/9917")
	c.SourceID = "src-2"
	c.SourceRecordID = "P-9917"
	m, err = s.FindNearDuplicate(ctx, c)
	require.NoError(t, err)
	require.Nil(t, m)
}

// Fuzzy duplicate: near-identical title, same city, different URL.
func TestUpsertFuzzyDuplicate(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := sampleLead("Riverside Hospital Expansion Project", "Riverside", "https://a.example.com/p/1")
	_, err := s.Upsert(ctx, a)
	require.NoError(t, err)

	b := sampleLead("Riverside Hospital Expansion", "Riverside", "https://b.example.com/articles/77")
	b.EstimatedValue = leads.Money(40_000_000)
	res, err := s.Upsert(ctx, b)
	require.NoError(t, err)
	require.Equal(t, OutcomeMerged, res.Outcome)
	require.Equal(t, a.LeadID, res.CanonicalID)
	require.GreaterOrEqual(t, res.Similarity, 0.85)

	// A retained, B's new field folded in, store count is 1.
	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, map[leads.Status]int{leads.StatusNew: 1}, counts)

	got, err := s.GetLead(ctx, a.LeadID)
	require.NoError(t, err)
	require.Equal(t, "Riverside Hospital Expansion Project", got.Title)
	require.Equal(t, leads.Money(40_000_000), got.EstimatedValue)

	recs, err := s.DedupRecords(ctx, a.LeadID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, b.LeadID, recs[0].DuplicateLeadID)
}

func TestUpsertAgainstTerminalCanonical(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := sampleLead("Civic Arena Renovation", "Riverside", "https://a.example.com/arena")
	_, err := s.Upsert(ctx, a)
	require.NoError(t, err)

	now := time.Now().UTC()
	for _, st := range []leads.Status{leads.StatusProcessing, leads.StatusValidated, leads.StatusEnriched, leads.StatusExported} {
		require.True(t, a.Advance(st, now))
	}
	require.NoError(t, s.SaveLead(ctx, a))

	b := sampleLead("Civic Arena Renovation", "Riverside", "https://b.example.com/arena-story")
	b.EstimatedValue = leads.Money(9_000_000)
	res, err := s.Upsert(ctx, b)
	require.NoError(t, err)
	require.Equal(t, OutcomeDedupRecord, res.Outcome)
	require.Equal(t, a.LeadID, res.CanonicalID)

	// The exported canonical is untouched and no new lead exists.
	got, err := s.GetLead(ctx, a.LeadID)
	require.NoError(t, err)
	require.Equal(t, leads.StatusExported, got.Status)
	require.Zero(t, got.EstimatedValue)

	_, err = s.GetLead(ctx, b.LeadID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFuzzyMatchRespectsLookBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := sampleLead("Riverside Hospital Expansion Project", "Riverside", "https://a.example.com/p/1")
	_, err := s.Upsert(ctx, a)
	require.NoError(t, err)

	// Jump the clock past the look-back window; the old lead no longer
	// participates in fuzzy matching.
	s.now = func() time.Time { return time.Now().UTC().Add(45 * 24 * time.Hour) }

	b := sampleLead("Riverside Hospital Expansion", "Riverside", "https://b.example.com/late")
	m, err := s.FindNearDuplicate(ctx, b)
	require.NoError(t, err)
	require.Nil(t, m)
}

// Racing upserts of the same project must collapse to one row.
func TestConcurrentUpsertSameIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := sampleLead("Riverside Hospital Expansion Project", "Riverside", "https://a.example.com/p/1")
			_, err := s.Upsert(ctx, l)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[leads.StatusNew])
}

func TestListByStatusOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		l := sampleLead("Distinct Project Alpha Beta Gamma", "Riverside", "https://a.example.com/p/distinct")
		l.Title = l.Title + " " + string(rune('A'+i))
		l.SourceURL = l.SourceURL + "/" + string(rune('a'+i))
		l.Location.City = []string{"Fresno", "Modesto", "Oakland"}[i]
		l.FirstSeenAt = base.Add(time.Duration(2-i) * time.Hour) // newest first on purpose
		require.NoError(t, s.SaveLead(ctx, l))
		ids = append(ids, l.LeadID)
	}

	got, err := s.ListByStatus(ctx, leads.StatusNew, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Oldest first: insertion order reversed.
	require.Equal(t, ids[2], got[0].LeadID)
	require.Equal(t, ids[0], got[2].LeadID)
}

func TestSourceStateRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	st := sources.State{
		LastSuccessAt:       time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC),
		LastAttemptAt:       time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
		ConsecutiveFailures: 3,
		LastError:           "status 503",
	}
	require.NoError(t, s.SaveSourceState(ctx, "city-news", st))

	// Overwrite sticks.
	st.ConsecutiveFailures = 0
	st.LastError = ""
	require.NoError(t, s.SaveSourceState(ctx, "city-news", st))

	states, err := s.LoadSourceStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, st, states["city-news"])
}

func TestStoreClosedRejectsWrites(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Close())

	err := s.SaveLead(context.Background(), sampleLead("X Y Z", "Fresno", "https://x.example.com/1"))
	require.ErrorIs(t, err, ErrClosed)
}
