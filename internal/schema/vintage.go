// Package schema maps raw extract columns onto the canonical trip schema.
// All knowledge about column-name and type drift across extract generations
// lives here; the rest of the pipeline is schema-agnostic.
package schema

import (
	_ "embed"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Canonical field names. These are the only column names the pipeline knows.
const (
	FieldVendorID             = "vendor_id"
	FieldPickupAt             = "pickup_at"
	FieldDropoffAt            = "dropoff_at"
	FieldPassengerCount       = "passenger_count"
	FieldTripDistanceMi       = "trip_distance_mi"
	FieldRateCodeID           = "rate_code_id"
	FieldStoreAndFwdFlag      = "store_and_fwd_flag"
	FieldPULocationID         = "pu_location_id"
	FieldDOLocationID         = "do_location_id"
	FieldPaymentType          = "payment_type"
	FieldFareAmount           = "fare_amount"
	FieldExtra                = "extra"
	FieldMTATax               = "mta_tax"
	FieldTipAmount            = "tip_amount"
	FieldTollsAmount          = "tolls_amount"
	FieldImprovementSurcharge = "improvement_surcharge"
	FieldCongestionSurcharge  = "congestion_surcharge"
	FieldAirportFee           = "airport_fee"
	FieldCBDCongestionFee     = "cbd_congestion_fee"
	FieldTotalAmount          = "total_amount"
)

// RequiredFields are the canonical fields every vintage must map. A header
// that leaves one of these unmapped fails normalizer construction.
var RequiredFields = []string{
	FieldPickupAt,
	FieldDropoffAt,
	FieldVendorID,
	FieldPaymentType,
	FieldTripDistanceMi,
	FieldFareAmount,
	FieldTotalAmount,
}

//go:embed vintages.yaml
var vintagesYAML []byte

// Vintage is one generation of extract schema: a raw→canonical column map.
type Vintage struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Columns     map[string]string `yaml:"columns"`
}

// Canonical returns the canonical field for a raw column name, matching
// exactly first and case-insensitively second.
func (v *Vintage) Canonical(rawCol string) (string, bool) {
	rawCol = strings.TrimSpace(rawCol)
	if c, ok := v.Columns[rawCol]; ok {
		return c, true
	}
	for raw, c := range v.Columns {
		if strings.EqualFold(raw, rawCol) {
			return c, true
		}
	}
	return "", false
}

// Table holds every known vintage, keyed by name.
type Table struct {
	vintages map[string]*Vintage
	order    []string
}

// LoadTable parses the embedded vintage mapping table.
func LoadTable() (*Table, error) {
	return parseTable(vintagesYAML)
}

func parseTable(raw []byte) (*Table, error) {
	var doc struct {
		Vintages []*Vintage `yaml:"vintages"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, eris.Wrap(err, "schema: parse vintage table")
	}
	if len(doc.Vintages) == 0 {
		return nil, eris.New("schema: vintage table is empty")
	}

	t := &Table{vintages: make(map[string]*Vintage, len(doc.Vintages))}
	for _, v := range doc.Vintages {
		if v.Name == "" {
			return nil, eris.New("schema: vintage with empty name")
		}
		if _, dup := t.vintages[v.Name]; dup {
			return nil, eris.Errorf("schema: duplicate vintage %q", v.Name)
		}
		t.vintages[v.Name] = v
		t.order = append(t.order, v.Name)
	}
	return t, nil
}

// Lookup returns the named vintage.
func (t *Table) Lookup(name string) (*Vintage, error) {
	v, ok := t.vintages[name]
	if !ok {
		return nil, eris.Errorf("schema: unknown vintage %q (known: %s)",
			name, strings.Join(t.order, ", "))
	}
	return v, nil
}

// Names returns the vintage names in declaration order.
func (t *Table) Names() []string {
	return append([]string(nil), t.order...)
}

// Detect picks the vintage that maps the most columns of the given header,
// requiring every required canonical field to be covered. Used when an
// extract arrives without a declared vintage.
func (t *Table) Detect(header []string) (*Vintage, error) {
	var best *Vintage
	bestScore := -1

	for _, name := range t.order {
		v := t.vintages[name]
		mapped := make(map[string]bool, len(header))
		score := 0
		for _, col := range header {
			if c, ok := v.Canonical(col); ok {
				mapped[c] = true
				score++
			}
		}
		covered := true
		for _, req := range RequiredFields {
			if !mapped[req] {
				covered = false
				break
			}
		}
		if covered && score > bestScore {
			best = v
			bestScore = score
		}
	}

	if best == nil {
		return nil, eris.Errorf("schema: no vintage matches header (%d columns)", len(header))
	}
	return best, nil
}
