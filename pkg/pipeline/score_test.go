package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

func scoredLead() *leads.Lead {
	l := leads.NewLead("city-news", "https://news.example.gov/projects/1")
	l.Title = "Hospital Expansion"
	l.MarketSector = leads.SectorHealthcare
	l.ProjectStage = leads.StagePlanning
	l.ConfidenceScore = 0.85
	l.EstimatedValue = leads.Money(12_000_000)
	l.Company = &leads.Company{Name: "Riverside Health Authority", Domain: "riversidehealth.org"}
	l.Contacts = []leads.Contact{{Name: "Maria Lopez"}}
	return l
}

func TestScoreLeadRanges(t *testing.T) {
	l := scoredLead()
	ScoreLead(l)

	require.GreaterOrEqual(t, l.QualityScore, 0)
	require.LessOrEqual(t, l.QualityScore, 100)
	require.GreaterOrEqual(t, l.WinProbability, 0.0)
	require.LessOrEqual(t, l.WinProbability, 1.0)
	require.NotEmpty(t, l.Priority)
}

// Scoring an unchanged lead twice must land on the same numbers.
func TestScoreLeadIdempotent(t *testing.T) {
	l := scoredLead()
	ScoreLead(l)
	quality, win, priority := l.QualityScore, l.WinProbability, l.Priority

	ScoreLead(l)
	require.Equal(t, quality, l.QualityScore)
	require.Equal(t, win, l.WinProbability)
	require.Equal(t, priority, l.Priority)
}

func TestScoreRewardsCompleteness(t *testing.T) {
	sparse := leads.NewLead("city-news", "https://news.example.gov/projects/2")
	sparse.ConfidenceScore = 0.85
	sparse.ProjectStage = leads.StagePlanning
	ScoreLead(sparse)

	rich := scoredLead()
	ScoreLead(rich)

	require.Greater(t, rich.QualityScore, sparse.QualityScore)
	require.Greater(t, rich.WinProbability, sparse.WinProbability)
}

func TestScoreEarlyStageOutranksLate(t *testing.T) {
	early := scoredLead()
	early.ProjectStage = leads.StageConceptual
	ScoreLead(early)

	late := scoredLead()
	late.ProjectStage = leads.StageImplementation
	ScoreLead(late)

	require.Greater(t, early.QualityScore, late.QualityScore)
	require.Greater(t, early.WinProbability, late.WinProbability)
}

func TestPriorityBucketsAreOrdered(t *testing.T) {
	strong := scoredLead()
	strong.ConfidenceScore = 0.95
	strong.EstimatedValue = leads.Money(25_000_000)
	strong.ProjectStage = leads.StageConceptual
	ScoreLead(strong)
	require.Equal(t, leads.PriorityCritical, strong.Priority)

	weak := leads.NewLead("city-news", "https://news.example.gov/projects/3")
	weak.ConfidenceScore = 0.1
	ScoreLead(weak)
	require.Contains(t, []leads.Priority{leads.PriorityLow, leads.PriorityMinimal}, weak.Priority)
}
