package schema

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/citystream/tripflow/internal/model"
)

// timestampLayouts are tried in order when parsing raw datetime values.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
}

// legacyVendorCodes maps pre-2015 vendor name strings onto vendor codes.
var legacyVendorCodes = map[string]int16{
	"CMT": 1,
	"VTS": 2,
	"DDS": 3,
}

// legacyPaymentCodes maps pre-2015 payment type strings onto the closed
// payment enumeration.
var legacyPaymentCodes = map[string]int64{
	"credit":    1,
	"crd":       1,
	"cre":       1,
	"cash":      2,
	"csh":       2,
	"cas":       2,
	"no charge": 3,
	"noc":       3,
	"dispute":   4,
	"dis":       4,
	"unknown":   5,
	"unk":       5,
	"voided":    6,
}

// Normalizer maps raw rows of one extract onto CanonicalTrip. It is built
// once per extract from the vintage and the header, and is pure thereafter:
// the same row always normalizes to the same trip.
type Normalizer struct {
	vintage *Vintage
	index   map[string]int // canonical field → column index
}

// NewNormalizer binds a vintage to an extract header. It fails with a schema
// Error if a required canonical field has no mapped column.
func NewNormalizer(v *Vintage, header []string, prov model.Provenance) (*Normalizer, error) {
	index := make(map[string]int, len(header))
	for i, col := range header {
		canonical, ok := v.Canonical(col)
		if !ok {
			continue // unknown columns pass through unmapped
		}
		if _, seen := index[canonical]; !seen {
			index[canonical] = i
		}
	}

	for _, req := range RequiredFields {
		if _, ok := index[req]; !ok {
			return nil, &Error{
				Provenance: prov,
				Column:     req,
				Reason:     "required field has no mapped column in vintage " + v.Name,
			}
		}
	}

	return &Normalizer{vintage: v, index: index}, nil
}

// Vintage returns the bound vintage.
func (n *Normalizer) Vintage() *Vintage { return n.vintage }

// Normalize converts one raw row into a CanonicalTrip. Empty raw values
// become nulls (never zero); non-empty values that cannot be typed fail with
// a schema Error carrying the record's provenance.
func (n *Normalizer) Normalize(record []string, prov model.Provenance) (*model.CanonicalTrip, error) {
	t := &model.CanonicalTrip{Provenance: prov}

	var err error
	if t.PickupAt, err = n.timeField(record, FieldPickupAt, prov); err != nil {
		return nil, err
	}
	if t.DropoffAt, err = n.timeField(record, FieldDropoffAt, prov); err != nil {
		return nil, err
	}
	if t.VendorID, err = n.vendorField(record, prov); err != nil {
		return nil, err
	}
	if t.PassengerCount, err = n.int16Field(record, FieldPassengerCount, prov); err != nil {
		return nil, err
	}
	if t.RateCodeID, err = n.int16Field(record, FieldRateCodeID, prov); err != nil {
		return nil, err
	}
	if t.PULocationID, err = n.int32Field(record, FieldPULocationID, prov); err != nil {
		return nil, err
	}
	if t.DOLocationID, err = n.int32Field(record, FieldDOLocationID, prov); err != nil {
		return nil, err
	}
	if err = n.paymentField(record, t, prov); err != nil {
		return nil, err
	}
	t.StoreAndFwd = strings.TrimSpace(n.raw(record, FieldStoreAndFwdFlag))

	money := []struct {
		field string
		dst   **float64
	}{
		{FieldTripDistanceMi, &t.TripDistanceMi},
		{FieldFareAmount, &t.FareAmount},
		{FieldExtra, &t.Extra},
		{FieldMTATax, &t.MTATax},
		{FieldTipAmount, &t.TipAmount},
		{FieldTollsAmount, &t.TollsAmount},
		{FieldImprovementSurcharge, &t.ImprovementSurcharge},
		{FieldCongestionSurcharge, &t.CongestionSurcharge},
		{FieldAirportFee, &t.AirportFee},
		{FieldCBDCongestionFee, &t.CBDCongestionFee},
		{FieldTotalAmount, &t.TotalAmount},
	}
	for _, m := range money {
		v, err := n.floatField(record, m.field, prov)
		if err != nil {
			return nil, err
		}
		*m.dst = v
	}

	return t, nil
}

// raw returns the raw value for a canonical field, "" when the vintage has
// no column for it or the row is short.
func (n *Normalizer) raw(record []string, field string) string {
	idx, ok := n.index[field]
	if !ok || idx >= len(record) {
		return ""
	}
	return record[idx]
}

func (n *Normalizer) timeField(record []string, field string, prov model.Provenance) (*time.Time, error) {
	s := strings.TrimSpace(n.raw(record, field))
	if s == "" {
		return nil, nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			ts = ts.UTC()
			return &ts, nil
		}
	}
	return nil, coercionErr(prov, field, s, "timestamp")
}

func (n *Normalizer) floatField(record []string, field string, prov model.Provenance) (*float64, error) {
	s := strings.TrimSpace(n.raw(record, field))
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, coercionErr(prov, field, s, "float")
	}
	return &v, nil
}

func (n *Normalizer) int16Field(record []string, field string, prov model.Provenance) (int16, error) {
	s := strings.TrimSpace(n.raw(record, field))
	if s == "" {
		return 0, nil
	}
	// Some vintages emit integer codes as floats ("1.0"). Values outside
	// the target range are untypeable, not silently truncated.
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < math.MinInt16 || v > math.MaxInt16 {
		return 0, coercionErr(prov, field, s, "int16")
	}
	return int16(v), nil
}

func (n *Normalizer) int32Field(record []string, field string, prov model.Provenance) (int32, error) {
	s := strings.TrimSpace(n.raw(record, field))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < math.MinInt32 || v > math.MaxInt32 {
		return 0, coercionErr(prov, field, s, "int32")
	}
	return int32(v), nil
}

func (n *Normalizer) vendorField(record []string, prov model.Provenance) (int16, error) {
	s := strings.TrimSpace(n.raw(record, FieldVendorID))
	if s == "" {
		return 0, nil
	}
	if code, ok := legacyVendorCodes[strings.ToUpper(s)]; ok {
		return code, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < math.MinInt16 || v > math.MaxInt16 {
		return 0, coercionErr(prov, FieldVendorID, s, "vendor code")
	}
	return int16(v), nil
}

func (n *Normalizer) paymentField(record []string, t *model.CanonicalTrip, prov model.Provenance) error {
	s := strings.TrimSpace(n.raw(record, FieldPaymentType))
	if s == "" {
		t.PaymentType = model.CoercePaymentType(nil)
		return nil
	}
	if code, ok := legacyPaymentCodes[strings.ToLower(s)]; ok {
		t.PaymentType = model.CoercePaymentType(&code)
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return coercionErr(prov, FieldPaymentType, s, "payment code")
	}
	// Codes beyond the enum range coerce to unknown; never push a huge
	// float through an integer conversion first.
	code := int64(0)
	if v >= math.MinInt16 && v <= math.MaxInt16 {
		code = int64(v)
	}
	t.PaymentType = model.CoercePaymentType(&code)
	return nil
}
