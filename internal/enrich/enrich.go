// Package enrich computes derived fields and QA predicates from canonical
// trips. Everything here is a pure function of the canonical fields and the
// configured thresholds.
package enrich

import (
	"math"
	"time"

	"github.com/citystream/tripflow/internal/model"
)

// Thresholds holds every QA boundary the engine applies. They arrive from
// configuration through the orchestrator; no component reads them ambiently.
type Thresholds struct {
	FareTolerance      float64 `json:"fare_tolerance"`
	DistanceMax        float64 `json:"distance_max"`
	DurationMinMinutes float64 `json:"duration_min_minutes"`
	DurationMaxMinutes float64 `json:"duration_max_minutes"`
	SpeedMaxMPH        float64 `json:"speed_max_mph"`
	WindowGraceDays    int     `json:"in_file_window_grace_days"`
}

// DefaultThresholds returns the documented defaults. The two grace days keep
// month-end trips that cross midnight inside their declared file window.
func DefaultThresholds() Thresholds {
	return Thresholds{
		FareTolerance:      0.02,
		DistanceMax:        150,
		DurationMinMinutes: 1,
		DurationMaxMinutes: 360,
		SpeedMaxMPH:        80,
		WindowGraceDays:    2,
	}
}

// DurationOutlier reports whether a trip duration falls outside the
// plausible window. A null duration is not an outlier here; missing fields
// are handled as structural anomalies by the classifier.
func (th Thresholds) DurationOutlier(durationMin *float64) bool {
	if durationMin == nil {
		return false
	}
	return *durationMin < th.DurationMinMinutes || *durationMin > th.DurationMaxMinutes
}

// FareMismatch reports whether the reconstructed component total disagrees
// with the reported total by strictly more than the tolerance. A null
// reported total is not evaluable and never a mismatch.
func (th Thresholds) FareMismatch(reconstructed float64, total *float64) bool {
	if total == nil {
		return false
	}
	return math.Abs(reconstructed-*total) > th.FareTolerance
}

// Calculator derives duration, speed, the reconstructed fare total, and the
// in-file-window and outlier predicates for one extract's declared month.
type Calculator struct {
	th      Thresholds
	winLo   time.Time
	winHi   time.Time
	hasSpan bool
}

// NewCalculator builds a calculator for an extract declared as (year, month).
// The file window spans the month widened by the configured grace days.
func NewCalculator(th Thresholds, year, month int) *Calculator {
	c := &Calculator{th: th}
	if year > 0 && month >= 1 && month <= 12 {
		start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
		grace := time.Duration(th.WindowGraceDays) * 24 * time.Hour
		c.winLo = start.Add(-grace)
		c.winHi = start.AddDate(0, 1, 0).Add(grace)
		c.hasSpan = true
	}
	return c
}

// Thresholds returns the thresholds the calculator was built with.
func (c *Calculator) Thresholds() Thresholds { return c.th }

// Enrich computes the derived fields for one canonical trip. Deterministic:
// the same canonical trip always yields the same enriched trip.
func (c *Calculator) Enrich(t *model.CanonicalTrip) *model.EnrichedTrip {
	e := &model.EnrichedTrip{CanonicalTrip: *t}

	if t.PickupAt != nil && t.DropoffAt != nil {
		d := t.DropoffAt.Sub(*t.PickupAt).Minutes()
		e.DurationMin = &d

		// Speed is undefined for non-positive durations; never divide.
		if d > 0 && t.TripDistanceMi != nil {
			s := 60 * *t.TripDistanceMi / d
			e.SpeedMPH = &s
		}
	}

	for _, comp := range t.MoneyComponents() {
		if comp != nil {
			e.ReconstructedTotal += *comp
		}
	}

	e.QAInFileWindow = c.inWindow(t.PickupAt) && c.inWindow(t.DropoffAt)
	e.QAOutlierDistance = t.TripDistanceMi != nil &&
		(*t.TripDistanceMi > c.th.DistanceMax || *t.TripDistanceMi < 0)
	e.QAOutlierSpeed = e.SpeedMPH != nil && *e.SpeedMPH > c.th.SpeedMaxMPH

	return e
}

func (c *Calculator) inWindow(ts *time.Time) bool {
	if !c.hasSpan || ts == nil {
		return false
	}
	return !ts.Before(c.winLo) && ts.Before(c.winHi)
}
