package pipeline

import (
	"math"

	"github.com/Structa-Labs/leadforge/core/pkg/leads"
)

// Scoring runs after enrichment because it rewards the completeness
// enrichment buys. ScoreLead is a pure function of the lead's fields;
// recomputing it on an unchanged lead always lands on the same numbers.

// referenceValue is the project value that maxes out the value component.
const referenceValue = leads.Money(20_000_000)

// ScoreLead computes quality (0-100), win probability, and the priority
// bucket, in place.
func ScoreLead(l *leads.Lead) {
	q := 0.0
	q += 0.40 * l.ConfidenceScore
	if l.Company != nil {
		q += 0.10
		if l.Company.Domain != "" {
			q += 0.05
		}
	}
	if len(l.Contacts) > 0 {
		q += 0.10
	}
	if l.EstimatedValue > 0 {
		q += 0.10 * math.Min(1, float64(l.EstimatedValue)/float64(referenceValue))
	}
	if l.EstimatedSize > 0 {
		q += 0.05
	}
	q += 0.20 * stageEarliness(l.ProjectStage)

	l.QualityScore = int(math.Round(100 * clamp01(q)))
	l.WinProbability = clamp01(0.5*l.ConfidenceScore + 0.3*stageEarliness(l.ProjectStage) + 0.2*contactFactor(l))
	l.Priority = priorityBucket(l)
}

// stageEarliness rewards catching a project before decisions are made:
// conceptual scores 1, implementation approaches 0, unknown sits low.
func stageEarliness(stage leads.ProjectStage) float64 {
	for i, s := range leads.StageOrder {
		if s == stage {
			return 1 - float64(i)/float64(len(leads.StageOrder))
		}
	}
	return 0.2
}

func contactFactor(l *leads.Lead) float64 {
	switch {
	case len(l.Contacts) > 0 && l.Company != nil:
		return 1
	case len(l.Contacts) > 0 || l.Company != nil:
		return 0.5
	default:
		return 0
	}
}

func priorityBucket(l *leads.Lead) leads.Priority {
	value := math.Min(1, float64(l.EstimatedValue)/float64(referenceValue))
	score := 0.5*l.WinProbability + 0.3*value + 0.2*float64(l.QualityScore)/100

	switch {
	case score >= 0.75:
		return leads.PriorityCritical
	case score >= 0.55:
		return leads.PriorityHigh
	case score >= 0.35:
		return leads.PriorityMedium
	case score >= 0.15:
		return leads.PriorityLow
	default:
		return leads.PriorityMinimal
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
