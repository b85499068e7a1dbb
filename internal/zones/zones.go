// Package zones loads the taxi-zone lookup dimension. The canonical source is
// the published lookup CSV; the zone shapefile's attribute table works too
// when only the shapefile is on hand (it lacks the service_zone column).
package zones

import (
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/citystream/tripflow/internal/sink"
)

// LoadCSV reads the taxi_zone_lookup.csv published alongside the extracts.
// Expected header: LocationID,Borough,Zone,service_zone.
func LoadCSV(path string) ([]sink.Zone, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "zones: open %s", path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return nil, eris.Wrapf(err, "zones: read header %s", path)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	locIdx, ok := idx["locationid"]
	if !ok {
		return nil, eris.Errorf("zones: %s missing LocationID column", path)
	}

	var out []sink.Zone
	var skipped int
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "zones: read %s", path)
		}
		loc, err := strconv.ParseInt(strings.TrimSpace(rec[locIdx]), 10, 32)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, sink.Zone{
			LocationID:  int32(loc),
			Borough:     field(rec, idx, "borough"),
			Zone:        field(rec, idx, "zone"),
			ServiceZone: field(rec, idx, "service_zone"),
		})
	}

	if skipped > 0 {
		zap.L().Debug("zones: skipped rows with unparseable location id",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}
	return out, nil
}

func field(rec []string, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

// LoadShapefile reads the zone dimension from the taxi-zones shapefile's
// attribute table. Geometry is ignored; only the LocationID, borough and
// zone attributes are kept.
func LoadShapefile(path string) ([]sink.Zone, error) {
	reader, err := shp.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "zones: open shapefile %s", path)
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	fieldIdx := make(map[string]int, len(fields))
	for i, f := range fields {
		name := strings.TrimRight(f.String(), "\x00")
		fieldIdx[strings.ToLower(name)] = i
	}
	locIdx, ok := fieldIdx["locationid"]
	if !ok {
		return nil, eris.Errorf("zones: shapefile %s missing LocationID attribute", path)
	}

	var out []sink.Zone
	var skipped int
	for reader.Next() {
		raw := strings.TrimSpace(strings.TrimRight(reader.Attribute(locIdx), "\x00"))
		loc, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, sink.Zone{
			LocationID: int32(loc),
			Borough:    attr(reader, fieldIdx, "borough"),
			Zone:       attr(reader, fieldIdx, "zone"),
		})
	}

	if skipped > 0 {
		zap.L().Debug("zones: skipped shapefile records",
			zap.String("path", path),
			zap.Int("skipped", skipped),
		)
	}
	return out, nil
}

func attr(r *shp.Reader, idx map[string]int, name string) string {
	i, ok := idx[name]
	if !ok {
		return ""
	}
	return strings.TrimSpace(strings.TrimRight(r.Attribute(i), "\x00"))
}
