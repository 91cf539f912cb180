package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Pipeline semantic convention attributes.
var (
	AttrSourceID   = attribute.Key("leadforge.source.id")
	AttrSourceType = attribute.Key("leadforge.source.type")

	AttrLeadID   = attribute.Key("leadforge.lead.id")
	AttrSector   = attribute.Key("leadforge.lead.sector")
	AttrStage    = attribute.Key("leadforge.lead.stage")
	AttrPriority = attribute.Key("leadforge.lead.priority")

	AttrRejectReason  = attribute.Key("leadforge.reject.reason")
	AttrUpsertOutcome = attribute.Key("leadforge.upsert.outcome")

	AttrExportOutcome = attribute.Key("leadforge.export.outcome")
	AttrCRMObject     = attribute.Key("leadforge.crm.object")

	AttrEnrichOp       = attribute.Key("leadforge.enrich.op")
	AttrEnrichProvider = attribute.Key("leadforge.enrich.provider")
)

// FetchOperation creates attributes for one source fetch.
func FetchOperation(sourceID, sourceType string, attempt int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSourceID.String(sourceID),
		AttrSourceType.String(sourceType),
		attribute.Int("leadforge.fetch.attempt", attempt),
	}
}

// LeadOperation creates attributes for stage work on one lead.
func LeadOperation(leadID, sector, stage string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrLeadID.String(leadID),
		AttrSector.String(sector),
		AttrStage.String(stage),
	}
}

// EnrichOperation creates attributes for one enrichment lookup.
func EnrichOperation(leadID, op, provider string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrLeadID.String(leadID),
		AttrEnrichOp.String(op),
		AttrEnrichProvider.String(provider),
	}
}

// ExportOperation creates attributes for one CRM export attempt.
func ExportOperation(leadID, crmObject, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrLeadID.String(leadID),
		AttrCRMObject.String(crmObject),
		AttrExportOutcome.String(outcome),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
