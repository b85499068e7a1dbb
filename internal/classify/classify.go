// Package classify assigns every enriched trip to exactly one output
// category using a fixed precedence rule. Classification never fails: every
// record lands in a category.
package classify

import (
	"github.com/citystream/tripflow/internal/enrich"
	"github.com/citystream/tripflow/internal/model"
)

// Classifier applies the QA rules in precedence order:
// duplicate → admin_adjustment → fare_mismatch → anomaly → clean.
//
// Duplicates must never pollute an analytical category; adjustments are a
// structurally different record type and are not scored against trip-shape
// thresholds; fare mismatch is a financial-reconciliation concern resolved
// before the physical-plausibility checks.
type Classifier struct {
	th enrich.Thresholds
}

// New creates a classifier with the given thresholds.
func New(th enrich.Thresholds) *Classifier {
	return &Classifier{th: th}
}

// Classify produces the immutable classified record for one enriched trip.
// The cross-cutting QA booleans are carried even when the chosen category
// differs, so consumers can rebuild category-independent slices.
func (c *Classifier) Classify(e *model.EnrichedTrip, dupKey string, isDuplicate bool) *model.ClassifiedTrip {
	out := &model.ClassifiedTrip{
		EnrichedTrip:        *e,
		DupKey:              dupKey,
		QAIsDuplicateInFile: isDuplicate,
		QAIsAdjustment:      c.isAdjustment(e),
		QAIsFareMismatch:    c.th.FareMismatch(e.ReconstructedTotal, e.TotalAmount),
	}

	switch {
	case out.QAIsDuplicateInFile:
		out.Category = model.CategoryDuplicate
	case out.QAIsAdjustment:
		out.Category = model.CategoryAdmin
	case out.QAIsFareMismatch:
		out.Category = model.CategoryFareMiss
	case c.isAnomaly(e):
		out.Category = model.CategoryAnomaly
	default:
		out.Category = model.CategoryClean
	}

	return out
}

// isAdjustment detects administrative records: anything from the declared
// adjustment feed, plus records carrying the adjustment signature in the
// standard feed (non-revenue payment code or a negative charge component).
func (c *Classifier) isAdjustment(e *model.EnrichedTrip) bool {
	if e.Provenance.Feed == model.FeedAdjustment {
		return true
	}
	if e.PaymentType.IsAdjustment() {
		return true
	}
	// Tips are excluded: negative tips show up in legitimate card refund
	// rows that still describe a real trip.
	for _, comp := range []*float64{
		e.FareAmount, e.Extra, e.MTATax, e.TollsAmount,
		e.ImprovementSurcharge, e.CongestionSurcharge, e.AirportFee,
		e.CBDCongestionFee, e.TotalAmount,
	} {
		if comp != nil && *comp < 0 {
			return true
		}
	}
	return false
}

func (c *Classifier) isAnomaly(e *model.EnrichedTrip) bool {
	if e.MissingCritical() {
		return true
	}
	if e.QAOutlierDistance || e.QAOutlierSpeed || !e.QAInFileWindow {
		return true
	}
	// Negative totals never reach here: the adjustment signature claims
	// them at higher precedence.
	return c.th.DurationOutlier(e.DurationMin)
}
