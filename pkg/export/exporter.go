// Package export drives qualified leads into the external CRM with
// find-or-create semantics. Exports never duplicate CRM objects: every
// kind is searched before it is created, and racing exports of the same
// company serialize on a per-(name, domain) lock.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Structa-Labs/leadforge/core/pkg/config"
	"github.com/Structa-Labs/leadforge/core/pkg/crm"
	"github.com/Structa-Labs/leadforge/core/pkg/leads"
	"github.com/Structa-Labs/leadforge/core/pkg/store"
)

// Outcome names what happened to one lead in a batch.
type Outcome string

const (
	OutcomeExported    Outcome = "exported"
	OutcomePartial     Outcome = "partial"
	OutcomeRateLimited Outcome = "rate-limited"
	OutcomeExhausted   Outcome = "exhausted"
	OutcomeRejected    Outcome = "rejected"
)

// Result is the per-lead export outcome.
type Result struct {
	LeadID    string
	Outcome   Outcome
	RecordIDs map[string]string
	Err       error
}

// BatchReport tallies one export window run.
type BatchReport struct {
	WindowClosed bool
	Attempted    int
	Exported     int
	Partial      int
	RateLimited  int
	Rejected     int
	Exhausted    int
}

// Exporter owns the CRM client and the export side of the store.
type Exporter struct {
	client  crm.Client
	store   *store.Store
	cfg     config.ExportConfig
	limiter *rate.Limiter

	companyLocks keyedMutex

	logger *slog.Logger
	now    func() time.Time
	sleep  func(context.Context, time.Duration)
}

// New builds the exporter. The pacing limiter spreads CRM calls so a
// full batch does not burst into the CRM's own limiter.
func New(client crm.Client, st *store.Store, cfg config.ExportConfig, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		client:  client,
		store:   st,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(5), 5),
		logger:  logger.With("component", "exporter"),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// ExportBatch runs one export window pass: retries first (leads stuck in
// enriched, oldest first), then freshly stored leads, up to the batch
// size. Outside the configured window it does nothing.
func (e *Exporter) ExportBatch(ctx context.Context) (BatchReport, error) {
	var report BatchReport
	if !e.cfg.Window.Contains(e.now()) {
		report.WindowClosed = true
		return report, nil
	}

	batch := e.cfg.BatchSize
	if batch <= 0 {
		batch = 25
	}
	candidates, err := e.store.ListByStatus(ctx, leads.StatusEnriched, batch)
	if err != nil {
		return report, fmt.Errorf("list retries: %w", err)
	}
	if remaining := batch - len(candidates); remaining > 0 {
		fresh, err := e.store.ListByStatus(ctx, leads.StatusNew, remaining)
		if err != nil {
			return report, fmt.Errorf("list fresh: %w", err)
		}
		candidates = append(candidates, fresh...)
	}

	for _, l := range candidates {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		res := e.exportLead(ctx, l)
		report.Attempted++
		switch res.Outcome {
		case OutcomeExported:
			report.Exported++
		case OutcomePartial:
			report.Partial++
		case OutcomeRateLimited:
			report.RateLimited++
		case OutcomeRejected:
			report.Rejected++
		case OutcomeExhausted:
			report.Exhausted++
		}
	}
	return report, nil
}

// exportLead qualifies one lead, walks it into the CRM, and settles its
// status. Failures leave the lead in enriched with a bumped attempt
// counter; only a full success advances to exported.
func (e *Exporter) exportLead(ctx context.Context, l *leads.Lead) Result {
	now := e.now().UTC()

	if l.Status == leads.StatusNew {
		if !e.qualify(l, now) {
			_ = e.store.SaveLead(ctx, l)
			e.audit(ctx, l.LeadID, string(OutcomeRejected), "failed export qualification")
			return Result{LeadID: l.LeadID, Outcome: OutcomeRejected}
		}
		if err := e.store.SaveLead(ctx, l); err != nil {
			return Result{LeadID: l.LeadID, Outcome: OutcomePartial, Err: err}
		}
	}

	if e.cfg.MaxAttempts > 0 && l.ExportTries >= e.cfg.MaxAttempts {
		e.logger.Warn("export attempts exhausted", "lead_id", l.LeadID, "tries", l.ExportTries)
		return Result{LeadID: l.LeadID, Outcome: OutcomeExhausted}
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return Result{LeadID: l.LeadID, Outcome: OutcomePartial, Err: err}
	}

	recordIDs, err := e.exportObjects(ctx, l)
	if err != nil {
		l.ExportTries++
		_ = e.store.SaveLead(ctx, l)

		var rle *crm.RateLimitError
		if errors.As(err, &rle) {
			e.audit(ctx, l.LeadID, string(OutcomeRateLimited), err.Error())
			wait := rle.RetryAfter
			if wait <= 0 {
				wait = e.cfg.DefaultRetryAfter.Std()
			}
			e.sleep(ctx, wait)
			return Result{LeadID: l.LeadID, Outcome: OutcomeRateLimited, Err: err}
		}
		e.audit(ctx, l.LeadID, string(OutcomePartial), err.Error())
		e.logger.Warn("export failed", "lead_id", l.LeadID, "tries", l.ExportTries, "error", err)
		return Result{LeadID: l.LeadID, Outcome: OutcomePartial, Err: err}
	}

	if l.ExportRecordIDs == nil {
		l.ExportRecordIDs = make(map[string]string)
	}
	for k, v := range recordIDs {
		l.ExportRecordIDs[k] = v
	}
	l.Advance(leads.StatusExported, e.now().UTC())
	if err := e.store.SaveLead(ctx, l); err != nil {
		return Result{LeadID: l.LeadID, Outcome: OutcomePartial, Err: err}
	}
	e.audit(ctx, l.LeadID, string(OutcomeExported), recordIDs["deal"])
	return Result{LeadID: l.LeadID, Outcome: OutcomeExported, RecordIDs: recordIDs}
}

// qualify walks a freshly stored lead through the pre-export statuses.
// A lead missing its sector or location has no business in the CRM.
func (e *Exporter) qualify(l *leads.Lead, now time.Time) bool {
	if l.MarketSector == "" || l.Location.Empty() || l.ConfidenceScore <= 0 {
		l.Advance(leads.StatusProcessing, now)
		l.Advance(leads.StatusRejected, now)
		return false
	}
	l.Advance(leads.StatusProcessing, now)
	l.Advance(leads.StatusValidated, now)
	l.Advance(leads.StatusEnriched, now)
	return true
}

// exportObjects resolves company, contacts, deal, and note in order.
// The returned map keys are scoped by the active CRM name to satisfy the
// exported-record bookkeeping.
func (e *Exporter) exportObjects(ctx context.Context, l *leads.Lead) (map[string]string, error) {
	recordIDs := make(map[string]string)

	companyID, err := e.resolveCompany(ctx, l)
	if err != nil {
		return nil, fmt.Errorf("resolve company: %w", err)
	}
	if companyID != "" {
		recordIDs["company"] = companyID
	}

	contactIDs, err := e.resolveContacts(ctx, l, companyID)
	if err != nil {
		return nil, fmt.Errorf("resolve contacts: %w", err)
	}
	for i, id := range contactIDs {
		recordIDs[fmt.Sprintf("contact.%d", i)] = id
	}

	dealID, err := e.resolveDeal(ctx, l, companyID, contactIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve deal: %w", err)
	}
	recordIDs["deal"] = dealID
	recordIDs[e.cfg.CRMName] = dealID

	if err := e.call(ctx, func(ctx context.Context) error {
		return e.client.AttachNote(ctx, dealID, buildNote(l))
	}); err != nil {
		return nil, fmt.Errorf("attach note: %w", err)
	}
	return recordIDs, nil
}

func (e *Exporter) resolveCompany(ctx context.Context, l *leads.Lead) (string, error) {
	if l.Company == nil || (l.Company.Name == "" && l.Company.Domain == "") {
		return "", nil
	}
	key := leads.NormalizeText(l.Company.Name) + "|" + l.Company.Domain
	unlock := e.companyLocks.lock(key)
	defer unlock()

	var found *crm.Company
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		found, err = e.client.FindCompany(ctx, l.Company.Name, l.Company.Domain)
		return err
	})
	if err != nil {
		return "", err
	}
	if found != nil {
		return found.ID, nil
	}

	var id string
	err = e.call(ctx, func(ctx context.Context) error {
		var err error
		id, err = e.client.CreateCompany(ctx, &crm.Company{Name: l.Company.Name, Domain: l.Company.Domain})
		return err
	})
	return id, err
}

func (e *Exporter) resolveContacts(ctx context.Context, l *leads.Lead, companyID string) ([]string, error) {
	var ids []string
	for _, contact := range l.Contacts {
		var found *crm.Contact
		err := e.call(ctx, func(ctx context.Context) error {
			var err error
			if contact.Email != "" {
				found, err = e.client.FindContactByEmail(ctx, contact.Email)
			} else {
				found, err = e.client.FindContactByName(ctx, contact.Name, companyID)
			}
			return err
		})
		if err != nil {
			return nil, err
		}

		var id string
		if found != nil {
			id = found.ID
		} else {
			err := e.call(ctx, func(ctx context.Context) error {
				var err error
				id, err = e.client.CreateContact(ctx, &crm.Contact{
					Name:      contact.Name,
					Email:     contact.Email,
					Phone:     contact.Phone,
					Role:      contact.Role,
					CompanyID: companyID,
				})
				return err
			})
			if err != nil {
				return nil, err
			}
		}
		if companyID != "" {
			if err := e.call(ctx, func(ctx context.Context) error {
				return e.client.AssociateContact(ctx, id, companyID)
			}); err != nil {
				return nil, err
			}
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (e *Exporter) resolveDeal(ctx context.Context, l *leads.Lead, companyID string, contactIDs []string) (string, error) {
	var found *crm.Deal
	err := e.call(ctx, func(ctx context.Context) error {
		var err error
		found, err = e.client.FindDealByLeadID(ctx, l.LeadID)
		return err
	})
	if err != nil {
		return "", err
	}

	deal := &crm.Deal{
		Name:       l.Title,
		Stage:      e.stageFor(l),
		LeadID:     l.LeadID,
		CompanyID:  companyID,
		ContactIDs: contactIDs,
		Properties: mapFields(l, e.cfg.FieldMap),
	}
	if found != nil {
		deal.ID = found.ID
		err := e.call(ctx, func(ctx context.Context) error {
			return e.client.UpdateDeal(ctx, deal)
		})
		return found.ID, err
	}

	var id string
	err = e.call(ctx, func(ctx context.Context) error {
		var err error
		id, err = e.client.CreateDeal(ctx, deal)
		return err
	})
	return id, err
}

// stageFor maps the status the lead will hold on success; the table may
// also pin intermediate statuses for CRMs that track them.
func (e *Exporter) stageFor(l *leads.Lead) string {
	if stage, ok := e.cfg.StageMap[leads.StatusExported]; ok {
		return stage
	}
	return e.cfg.StageMap[l.Status]
}

// call applies the per-object timeout to one CRM operation.
func (e *Exporter) call(ctx context.Context, fn func(context.Context) error) error {
	timeout := e.cfg.PerObjectTimeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

func (e *Exporter) audit(ctx context.Context, leadID, outcome, detail string) {
	if err := e.store.RecordExportAttempt(ctx, leadID, e.cfg.CRMName, outcome, detail); err != nil {
		e.logger.Warn("export audit write failed", "lead_id", leadID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// keyedMutex hands out one mutex per key, dropped when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedLock{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
