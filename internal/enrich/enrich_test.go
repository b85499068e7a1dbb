package enrich

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citystream/tripflow/internal/model"
)

func f64(v float64) *float64 { return &v }

func ts(s string) *time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return &t
}

func TestEnrich_DurationAndSpeed(t *testing.T) {
	calc := NewCalculator(DefaultThresholds(), 2025, 1)

	e := calc.Enrich(&model.CanonicalTrip{
		PickupAt:       ts("2025-01-10T08:00:00Z"),
		DropoffAt:      ts("2025-01-10T08:30:00Z"),
		TripDistanceMi: f64(15),
	})

	require.NotNil(t, e.DurationMin)
	assert.Equal(t, 30.0, *e.DurationMin)
	require.NotNil(t, e.SpeedMPH)
	assert.Equal(t, 30.0, *e.SpeedMPH)
}

func TestEnrich_SpeedUndefinedForNonPositiveDuration(t *testing.T) {
	calc := NewCalculator(DefaultThresholds(), 2025, 1)

	// Zero duration.
	e := calc.Enrich(&model.CanonicalTrip{
		PickupAt:       ts("2025-01-10T08:00:00Z"),
		DropoffAt:      ts("2025-01-10T08:00:00Z"),
		TripDistanceMi: f64(3),
	})
	require.NotNil(t, e.DurationMin)
	assert.Equal(t, 0.0, *e.DurationMin)
	assert.Nil(t, e.SpeedMPH)

	// Negative duration (dropoff before pickup).
	e = calc.Enrich(&model.CanonicalTrip{
		PickupAt:       ts("2025-01-10T08:30:00Z"),
		DropoffAt:      ts("2025-01-10T08:00:00Z"),
		TripDistanceMi: f64(3),
	})
	require.NotNil(t, e.DurationMin)
	assert.Equal(t, -30.0, *e.DurationMin)
	assert.Nil(t, e.SpeedMPH)
}

func TestEnrich_NullTimestampsYieldNullDerived(t *testing.T) {
	calc := NewCalculator(DefaultThresholds(), 2025, 1)

	e := calc.Enrich(&model.CanonicalTrip{
		PickupAt:       ts("2025-01-10T08:00:00Z"),
		TripDistanceMi: f64(3),
	})
	assert.Nil(t, e.DurationMin)
	assert.Nil(t, e.SpeedMPH)
	assert.False(t, e.QAInFileWindow)
}

func TestEnrich_ReconstructedTotal_NullsContributeZero(t *testing.T) {
	calc := NewCalculator(DefaultThresholds(), 2025, 1)

	e := calc.Enrich(&model.CanonicalTrip{
		FareAmount: f64(10.50),
		MTATax:     f64(0.50),
		TipAmount:  f64(2.00),
		// every other component null
		TotalAmount: f64(13.00),
	})
	assert.Equal(t, 13.0, e.ReconstructedTotal)
}

func TestEnrich_FileWindow(t *testing.T) {
	calc := NewCalculator(DefaultThresholds(), 2025, 1)

	inWindow := calc.Enrich(&model.CanonicalTrip{
		PickupAt:  ts("2025-01-01T00:00:00Z"),
		DropoffAt: ts("2025-01-31T23:59:59Z"),
	})
	assert.True(t, inWindow.QAInFileWindow)

	// A month-end trip crossing midnight stays inside the default window:
	// the two grace days exist exactly for this case.
	midnightCrossing := calc.Enrich(&model.CanonicalTrip{
		PickupAt:  ts("2025-01-31T23:50:00Z"),
		DropoffAt: ts("2025-02-01T00:10:00Z"),
	})
	assert.True(t, midnightCrossing.QAInFileWindow)

	priorMonth := calc.Enrich(&model.CanonicalTrip{
		PickupAt:  ts("2024-12-20T23:00:00Z"),
		DropoffAt: ts("2024-12-20T23:30:00Z"),
	})
	assert.False(t, priorMonth.QAInFileWindow)
}

func TestEnrich_FileWindowZeroGraceIsStrict(t *testing.T) {
	th := DefaultThresholds()
	th.WindowGraceDays = 0
	calc := NewCalculator(th, 2025, 1)

	// Pickup in window, dropoff in the next month: both must be inside.
	straddling := calc.Enrich(&model.CanonicalTrip{
		PickupAt:  ts("2025-01-31T23:50:00Z"),
		DropoffAt: ts("2025-02-01T00:10:00Z"),
	})
	assert.False(t, straddling.QAInFileWindow)

	previousMonth := calc.Enrich(&model.CanonicalTrip{
		PickupAt:  ts("2024-12-31T23:00:00Z"),
		DropoffAt: ts("2024-12-31T23:30:00Z"),
	})
	assert.False(t, previousMonth.QAInFileWindow)
}

func TestEnrich_FileWindowGraceDays(t *testing.T) {
	th := DefaultThresholds()
	th.WindowGraceDays = 1
	calc := NewCalculator(th, 2025, 1)

	// The 2025-02-01 dropoff is inside the widened window.
	e := calc.Enrich(&model.CanonicalTrip{
		PickupAt:  ts("2025-01-31T23:50:00Z"),
		DropoffAt: ts("2025-02-01T00:10:00Z"),
	})
	assert.True(t, e.QAInFileWindow)
}

func TestEnrich_OutlierPredicates(t *testing.T) {
	calc := NewCalculator(DefaultThresholds(), 2025, 1)

	farTooFar := calc.Enrich(&model.CanonicalTrip{TripDistanceMi: f64(151)})
	assert.True(t, farTooFar.QAOutlierDistance)

	negative := calc.Enrich(&model.CanonicalTrip{TripDistanceMi: f64(-1)})
	assert.True(t, negative.QAOutlierDistance)

	nullDistance := calc.Enrich(&model.CanonicalTrip{})
	assert.False(t, nullDistance.QAOutlierDistance)

	tooFast := calc.Enrich(&model.CanonicalTrip{
		PickupAt:       ts("2025-01-10T08:00:00Z"),
		DropoffAt:      ts("2025-01-10T08:30:00Z"),
		TripDistanceMi: f64(50), // 100 mph
	})
	assert.True(t, tooFast.QAOutlierSpeed)
}

func TestThresholds_FareMismatch_ToleranceBoundary(t *testing.T) {
	th := DefaultThresholds()

	// Exactly at tolerance is not a mismatch; strictly beyond it is.
	assert.False(t, th.FareMismatch(10.00, f64(10.02)))
	assert.True(t, th.FareMismatch(10.00, f64(10.021)))
	assert.False(t, th.FareMismatch(10.00, f64(10.00)))
}

func TestThresholds_FareMismatch_NullTotalNotEvaluable(t *testing.T) {
	th := DefaultThresholds()
	assert.False(t, th.FareMismatch(10.00, nil))
}

func TestThresholds_DurationOutlier(t *testing.T) {
	th := DefaultThresholds()
	assert.True(t, th.DurationOutlier(f64(0.5)))
	assert.False(t, th.DurationOutlier(f64(1)))
	assert.False(t, th.DurationOutlier(f64(360)))
	assert.True(t, th.DurationOutlier(f64(361)))
	assert.False(t, th.DurationOutlier(nil))
}

func TestEnrich_Deterministic(t *testing.T) {
	calc := NewCalculator(DefaultThresholds(), 2025, 1)
	trip := &model.CanonicalTrip{
		PickupAt:       ts("2025-01-10T08:00:00Z"),
		DropoffAt:      ts("2025-01-10T08:30:00Z"),
		TripDistanceMi: f64(3.2),
		FareAmount:     f64(17),
		TotalAmount:    f64(17),
	}

	a := calc.Enrich(trip)
	b := calc.Enrich(trip)
	assert.Equal(t, a, b)
}
