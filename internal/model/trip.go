// Package model defines the canonical trip record types shared by every
// pipeline stage. Raw extract rows exist only inside the schema normalizer;
// everything downstream of it speaks these types.
package model

import "time"

// PaymentType is the closed TLC payment code enumeration.
type PaymentType int16

const (
	PaymentCreditCard PaymentType = 1
	PaymentCash       PaymentType = 2
	PaymentNoCharge   PaymentType = 3
	PaymentDispute    PaymentType = 4
	PaymentUnknown    PaymentType = 5
	PaymentVoided     PaymentType = 6
)

// String returns the human-readable payment type name.
func (p PaymentType) String() string {
	switch p {
	case PaymentCreditCard:
		return "credit_card"
	case PaymentCash:
		return "cash"
	case PaymentNoCharge:
		return "no_charge"
	case PaymentDispute:
		return "dispute"
	case PaymentUnknown:
		return "unknown"
	case PaymentVoided:
		return "voided"
	default:
		return "unknown"
	}
}

// CoercePaymentType clamps a raw payment code onto the closed enumeration.
// Null or out-of-range codes map to PaymentUnknown.
func CoercePaymentType(raw *int64) PaymentType {
	if raw == nil || *raw < 1 || *raw > 6 {
		return PaymentUnknown
	}
	return PaymentType(*raw)
}

// IsAdjustment reports whether the payment code marks a non-revenue record
// (no-charge, dispute, or voided trip).
func (p PaymentType) IsAdjustment() bool {
	return p == PaymentNoCharge || p == PaymentDispute || p == PaymentVoided
}

// FeedKind distinguishes the standard trip feed from the administrative
// adjustment feed some vendors deliver separately.
type FeedKind string

const (
	FeedTrip       FeedKind = "trip"
	FeedAdjustment FeedKind = "adjustment"
)

// Provenance identifies the source extract a record came from.
type Provenance struct {
	SourceYear  int      `json:"source_year"`
	SourceMonth int      `json:"source_month"`
	SourceFile  string   `json:"source_file"`
	Feed        FeedKind `json:"feed"`
}

// CanonicalTrip is one extract row mapped onto the canonical logical schema.
// Monetary fields and trip distance are pointers so that "missing" survives
// the pipeline distinct from 0.0; a reconciliation test against a null is
// not evaluable, while one against zero is.
type CanonicalTrip struct {
	VendorID       int16      `json:"vendor_id"`
	PickupAt       *time.Time `json:"pickup_at"`
	DropoffAt      *time.Time `json:"dropoff_at"`
	PassengerCount int16      `json:"passenger_count"`
	TripDistanceMi *float64   `json:"trip_distance_mi"`
	RateCodeID     int16      `json:"rate_code_id"`
	StoreAndFwd    string     `json:"store_and_fwd_flag"`
	PULocationID   int32      `json:"pu_location_id"`
	DOLocationID   int32      `json:"do_location_id"`
	PaymentType    PaymentType `json:"payment_type"`

	FareAmount           *float64 `json:"fare_amount"`
	Extra                *float64 `json:"extra"`
	MTATax               *float64 `json:"mta_tax"`
	TipAmount            *float64 `json:"tip_amount"`
	TollsAmount          *float64 `json:"tolls_amount"`
	ImprovementSurcharge *float64 `json:"improvement_surcharge"`
	CongestionSurcharge  *float64 `json:"congestion_surcharge"`
	AirportFee           *float64 `json:"airport_fee"`
	CBDCongestionFee     *float64 `json:"cbd_congestion_fee"`
	TotalAmount          *float64 `json:"total_amount"`

	Provenance Provenance `json:"provenance"`
}

// MoneyComponents returns the nine fare components in reconstruction order.
func (t *CanonicalTrip) MoneyComponents() []*float64 {
	return []*float64{
		t.FareAmount, t.Extra, t.MTATax, t.TipAmount, t.TollsAmount,
		t.ImprovementSurcharge, t.CongestionSurcharge, t.AirportFee,
		t.CBDCongestionFee,
	}
}

// MissingCritical reports whether the record lacks a field required for
// analytic use: either timestamp, distance, total amount, or a positive
// pickup/dropoff location.
func (t *CanonicalTrip) MissingCritical() bool {
	return t.PickupAt == nil ||
		t.DropoffAt == nil ||
		t.TripDistanceMi == nil ||
		t.TotalAmount == nil ||
		t.PULocationID <= 0 ||
		t.DOLocationID <= 0
}

// EnrichedTrip is a CanonicalTrip plus the derived fields and QA predicates
// computed by the derived-field calculator. Derived fields are pure functions
// of the canonical fields; recomputing always yields the same values.
type EnrichedTrip struct {
	CanonicalTrip

	DurationMin        *float64 `json:"duration_min"`
	SpeedMPH           *float64 `json:"speed_mph"`
	ReconstructedTotal float64  `json:"manual_total"`

	QAInFileWindow    bool `json:"qa_in_file_window"`
	QAOutlierDistance bool `json:"qa_outlier_distance"`
	QAOutlierSpeed    bool `json:"qa_outlier_speed"`
}

// Category is the mutually exclusive classification outcome for a record.
type Category string

const (
	CategoryClean     Category = "clean"
	CategoryAdmin     Category = "admin_adjustment"
	CategoryFareMiss  Category = "fare_mismatch"
	CategoryAnomaly   Category = "anomaly"
	CategoryDuplicate Category = "duplicate"
)

// Categories lists every category in precedence order.
func Categories() []Category {
	return []Category{
		CategoryDuplicate, CategoryAdmin, CategoryFareMiss,
		CategoryAnomaly, CategoryClean,
	}
}

// Stream returns the named output stream for the category. Duplicates have
// no analytical stream; they are retained only in the audit stream.
func (c Category) Stream() string {
	switch c {
	case CategoryClean:
		return "trips_clean"
	case CategoryAdmin:
		return "trips_admin"
	case CategoryFareMiss:
		return "trips_fare_miss"
	case CategoryAnomaly:
		return "trips_anomalies"
	default:
		return ""
	}
}

// ClassifiedTrip is the engine's output contract: an enriched trip with its
// identity key, duplicate flag, cross-cutting QA booleans, and exactly one
// category. Immutable after classification; written exactly once.
type ClassifiedTrip struct {
	EnrichedTrip

	DupKey              string   `json:"dup_key"`
	QAIsDuplicateInFile bool     `json:"qa_is_duplicate_in_file"`
	QAIsFareMismatch    bool     `json:"qa_is_fare_mismatch"`
	QAIsAdjustment      bool     `json:"qa_is_adjustment"`
	Category            Category `json:"category"`
}
