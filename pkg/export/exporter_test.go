package export

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/crm"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
	"github.com/Structa-Labs/leadforge/core/pkg/store"
)

// mockCRM is an in-memory CRM counting creates, with an optional script
// that fails calls once a given number of deals exist.
type mockCRM struct {
	mu        sync.Mutex
	companies []*crm.Company
	contacts  []*crm.Contact
	deals     []*crm.Deal
	notes     map[string][]crm.Note

	companyCreates int
	contactCreates int
	dealCreates    int

	// rateLimitAfter, when > 0, makes every call fail with 429 once
	// that many deals have been created.
	rateLimitAfter int
}

func newMockCRM() *mockCRM {
	return &mockCRM{notes: map[string][]crm.Note{}}
}

func (m *mockCRM) limited() error {
	if m.rateLimitAfter > 0 && m.dealCreates >= m.rateLimitAfter {
		return &crm.RateLimitError{RetryAfter: time.Millisecond}
	}
	return nil
}

func (m *mockCRM) FindCompany(_ context.Context, name, domain string) (*crm.Company, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.limited(); err != nil {
		return nil, err
	}
	for _, c := range m.companies {
		if (domain != "" && c.Domain == domain) || (name != "" && c.Name == name) {
			return c, nil
		}
	}
	return nil, nil
}

func (m *mockCRM) CreateCompany(_ context.Context, c *crm.Company) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.limited(); err != nil {
		return "", err
	}
	m.companyCreates++
	cp := *c
	cp.ID = fmt.Sprintf("co-%d", m.companyCreates)
	m.companies = append(m.companies, &cp)
	return cp.ID, nil
}

func (m *mockCRM) FindContactByEmail(_ context.Context, email string) (*crm.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.limited(); err != nil {
		return nil, err
	}
	for _, c := range m.contacts {
		if c.Email == email {
			return c, nil
		}
	}
	return nil, nil
}

func (m *mockCRM) FindContactByName(_ context.Context, name, companyID string) (*crm.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.limited(); err != nil {
		return nil, err
	}
	for _, c := range m.contacts {
		if c.Name == name && c.CompanyID == companyID {
			return c, nil
		}
	}
	return nil, nil
}

func (m *mockCRM) CreateContact(_ context.Context, c *crm.Contact) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.limited(); err != nil {
		return "", err
	}
	m.contactCreates++
	cp := *c
	cp.ID = fmt.Sprintf("ct-%d", m.contactCreates)
	m.contacts = append(m.contacts, &cp)
	return cp.ID, nil
}

func (m *mockCRM) AssociateContact(_ context.Context, contactID, companyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.limited(); err != nil {
		return err
	}
	for _, c := range m.contacts {
		if c.ID == contactID {
			c.CompanyID = companyID
		}
	}
	return nil
}

func (m *mockCRM) FindDealByLeadID(_ context.Context, leadID string) (*crm.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.limited(); err != nil {
		return nil, err
	}
	for _, d := range m.deals {
		if d.LeadID == leadID {
			return d, nil
		}
	}
	return nil, nil
}

func (m *mockCRM) CreateDeal(_ context.Context, d *crm.Deal) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.limited(); err != nil {
		return "", err
	}
	m.dealCreates++
	cp := *d
	cp.ID = fmt.Sprintf("deal-%d", m.dealCreates)
	m.deals = append(m.deals, &cp)
	return cp.ID, nil
}

func (m *mockCRM) UpdateDeal(_ context.Context, d *crm.Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.limited(); err != nil {
		return err
	}
	for i, existing := range m.deals {
		if existing.ID == d.ID {
			cp := *d
			m.deals[i] = &cp
		}
	}
	return nil
}

func (m *mockCRM) AttachNote(_ context.Context, dealID string, n crm.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.limited(); err != nil {
		return err
	}
	m.notes[dealID] = append(m.notes[dealID], n)
	return nil
}

func openExportStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := config.Default().Store
	cfg.Path = filepath.Join(t.TempDir(), "leadforge.db")
	s, err := store.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func exportCfg() config.ExportConfig {
	cfg := config.Default().Export
	cfg.CRMName = "testcrm"
	cfg.BatchSize = 10
	cfg.FieldMap = map[string]string{
		"title":            "dealname",
		"estimated_value":  "amount",
		"confidence_score": "lf_confidence",
	}
	cfg.StageMap = map[leads.Status]string{leads.StatusExported: "qualified"}
	return cfg
}

func qualifiedLead(t *testing.T, s *store.Store, i int) *leads.Lead {
	t.Helper()
	l := leads.NewLead("src-1", fmt.Sprintf("https://news.example.gov/p/%d", i))
	l.Title = fmt.Sprintf("Qualified Project Number %d", i)
	l.Location = leads.Location{City: "Seattle", State: "WA"}
	l.MarketSector = leads.SectorCommercial
	l.ConfidenceScore = 0.9
	l.EstimatedValue = leads.Money(5_000_000)
	l.Company = &leads.Company{Name: "Cascade Development Group", Domain: "cascadedev.example"}
	l.Contacts = []leads.Contact{{Name: "Dana Reed", Email: "dana@cascadedev.example"}}
	l.FirstSeenAt = time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute)
	_, err := s.Upsert(context.Background(), l)
	require.NoError(t, err)
	return l
}

func TestExportAdvancesLead(t *testing.T) {
	s := openExportStore(t)
	mock := newMockCRM()
	e := New(mock, s, exportCfg(), nil)

	l := qualifiedLead(t, s, 1)
	report, err := e.ExportBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Exported)

	got, err := s.GetLead(context.Background(), l.LeadID)
	require.NoError(t, err)
	require.Equal(t, leads.StatusExported, got.Status)
	require.NotEmpty(t, got.ExportRecordIDs["testcrm"])
	require.NotEmpty(t, got.ExportRecordIDs["company"])

	// Full status path was recorded on the way.
	for _, st := range []leads.Status{leads.StatusProcessing, leads.StatusValidated, leads.StatusEnriched, leads.StatusExported} {
		require.Contains(t, got.StatusTimes, st)
	}

	require.Equal(t, 1, mock.companyCreates)
	require.Equal(t, 1, mock.contactCreates)
	require.Equal(t, 1, mock.dealCreates)
	require.Len(t, mock.notes["deal-1"], 1)
	require.Contains(t, mock.notes["deal-1"][0].Body, "Confidence: 0.90")

	deal := mock.deals[0]
	require.Equal(t, "qualified", deal.Stage)
	require.Equal(t, "Qualified Project Number 1", deal.Properties["dealname"])
	require.Equal(t, "5000000", deal.Properties["amount"])
}

// Exporting the same lead twice produces exactly one company, one deal,
// and one contact per distinct email.
func TestExportIsIdempotent(t *testing.T) {
	s := openExportStore(t)
	mock := newMockCRM()
	e := New(mock, s, exportCfg(), nil)

	l := qualifiedLead(t, s, 1)
	_, err := e.ExportBatch(context.Background())
	require.NoError(t, err)

	// Rewind status so the exporter sees it again.
	got, err := s.GetLead(context.Background(), l.LeadID)
	require.NoError(t, err)
	got.Status = leads.StatusEnriched
	require.NoError(t, s.SaveLead(context.Background(), got))

	_, err = e.ExportBatch(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, mock.companyCreates)
	require.Equal(t, 1, mock.contactCreates)
	require.Equal(t, 1, mock.dealCreates)
}

// Five qualified leads, CRM rate-limits from the third deal on: the
// first two export, the rest stay enriched with bumped attempt counters
// and retry next window in their original order.
func TestExportBatchRateLimit(t *testing.T) {
	s := openExportStore(t)
	mock := newMockCRM()
	mock.rateLimitAfter = 2
	e := New(mock, s, exportCfg(), nil)

	var ls []*leads.Lead
	for i := 1; i <= 5; i++ {
		ls = append(ls, qualifiedLead(t, s, i))
	}

	report, err := e.ExportBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.Exported)
	require.Equal(t, 3, report.RateLimited)

	for i, l := range ls {
		got, err := s.GetLead(context.Background(), l.LeadID)
		require.NoError(t, err)
		if i < 2 {
			require.Equal(t, leads.StatusExported, got.Status, "lead %d", i+1)
		} else {
			require.Equal(t, leads.StatusEnriched, got.Status, "lead %d", i+1)
			require.Equal(t, 1, got.ExportTries, "lead %d", i+1)
		}
	}

	// Next window: limit lifted, retries go out in order.
	mock.rateLimitAfter = 0
	report, err = e.ExportBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Exported)
	require.Equal(t, "Qualified Project Number 3", mock.deals[2].Name)
	require.Equal(t, "Qualified Project Number 4", mock.deals[3].Name)
	require.Equal(t, "Qualified Project Number 5", mock.deals[4].Name)
}

func TestExportWindowClosed(t *testing.T) {
	s := openExportStore(t)
	mock := newMockCRM()
	cfg := exportCfg()
	cfg.Window = config.ExportWindow{Start: "18:00", End: "06:00"}
	e := New(mock, s, cfg, nil)
	e.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }

	qualifiedLead(t, s, 1)
	report, err := e.ExportBatch(context.Background())
	require.NoError(t, err)
	require.True(t, report.WindowClosed)
	require.Zero(t, report.Attempted)

	// Inside the wrapped window exports run.
	e.now = func() time.Time { return time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC) }
	report, err = e.ExportBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Exported)
}

func TestExportRejectsUnqualifiedLead(t *testing.T) {
	s := openExportStore(t)
	mock := newMockCRM()
	e := New(mock, s, exportCfg(), nil)

	l := leads.NewLead("src-1", "https://news.example.gov/p/empty")
	l.Title = "Sectorless Item"
	_, err := s.Upsert(context.Background(), l)
	require.NoError(t, err)

	report, err := e.ExportBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Rejected)
	require.Zero(t, mock.dealCreates)

	got, err := s.GetLead(context.Background(), l.LeadID)
	require.NoError(t, err)
	require.Equal(t, leads.StatusRejected, got.Status)
}

func TestExportMaxAttempts(t *testing.T) {
	s := openExportStore(t)
	mock := newMockCRM()
	cfg := exportCfg()
	cfg.MaxAttempts = 2
	e := New(mock, s, cfg, nil)

	l := qualifiedLead(t, s, 1)
	got, err := s.GetLead(context.Background(), l.LeadID)
	require.NoError(t, err)
	got.Status = leads.StatusEnriched
	got.ExportTries = 2
	require.NoError(t, s.SaveLead(context.Background(), got))

	report, err := e.ExportBatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Exhausted)
	require.Zero(t, mock.dealCreates)
}

func TestBuildNoteAndFieldMap(t *testing.T) {
	l := leads.NewLead("src-1", "https://news.example.gov/p/1")
	l.Title = "Riverside Hospital Expansion"
	l.MarketSector = leads.SectorHealthcare
	l.ConfidenceScore = 0.83
	l.QualityScore = 72
	l.Notes = "sector=healthcare(3.0) stage=planning"

	note := buildNote(l)
	require.Contains(t, note.Body, "Source: https://news.example.gov/p/1")
	require.Contains(t, note.Body, "Quality: 72")
	require.Contains(t, note.Body, "Classification: sector=healthcare(3.0)")

	props := mapFields(l, map[string]string{"title": "dealname", "quality_score": "lf_quality", "estimated_value": "amount"})
	require.Equal(t, "Riverside Hospital Expansion", props["dealname"])
	require.Equal(t, "72", props["lf_quality"])
	// Unset fields are not sent.
	require.NotContains(t, props, "amount")
}
