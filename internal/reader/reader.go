// Package reader streams rows out of monthly extract files. It understands
// CSV, gzip-compressed CSV, and XLSX adjustment feeds, and parses the
// (year, month) provenance out of TLC-style file names. Rows are delivered
// over a channel; a file is never materialized in memory.
package reader

import (
	"compress/gzip"
	"context"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/citystream/tripflow/internal/model"
)

// Extract describes one input file and how to read it.
type Extract struct {
	Path     string         // file path
	Vintage  string         // schema vintage name; empty = auto-detect
	Feed     model.FeedKind // trip or adjustment feed
	Encoding string         // charset name for legacy files; empty = UTF-8
}

var yearMonthRe = regexp.MustCompile(`(\d{4})-(\d{2})`)

// ParseProvenance extracts the declared (year, month) from a file name like
// yellow_tripdata_2024-01.csv.gz.
func ParseProvenance(name string) (int, int, error) {
	m := yearMonthRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return 0, 0, eris.Errorf("reader: cannot parse year-month from file name %q", name)
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	if month < 1 || month > 12 {
		return 0, 0, eris.Errorf("reader: implausible month %d in file name %q", month, name)
	}
	return year, month, nil
}

// Provenance builds the full provenance triple for an extract.
func (e Extract) Provenance() (model.Provenance, error) {
	year, month, err := ParseProvenance(e.Path)
	if err != nil {
		return model.Provenance{}, err
	}
	feed := e.Feed
	if feed == "" {
		feed = model.FeedTrip
	}
	return model.Provenance{
		SourceYear:  year,
		SourceMonth: month,
		SourceFile:  filepath.Base(e.Path),
		Feed:        feed,
	}, nil
}

// Stream is an open extract: the header row plus a row channel. The caller
// must drain Rows and then check Errs. Both channels close when the file is
// exhausted or the context is cancelled.
type Stream struct {
	Header []string
	Rows   <-chan []string
	Errs   <-chan error

	closer io.Closer
}

// Close releases the underlying file handle.
func (s *Stream) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Open opens an extract and starts streaming its rows.
func Open(ctx context.Context, ex Extract) (*Stream, error) {
	name := strings.ToLower(ex.Path)
	if strings.HasSuffix(name, ".xlsx") {
		return openXLSX(ctx, ex)
	}
	return openCSV(ctx, ex)
}

func openCSV(ctx context.Context, ex Extract) (*Stream, error) {
	f, err := os.Open(ex.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "reader: open %s", ex.Path)
	}

	var r io.Reader = f
	if strings.HasSuffix(strings.ToLower(ex.Path), ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, eris.Wrapf(err, "reader: gzip %s", ex.Path)
		}
		r = gz
	}

	if r, err = decodeCharset(r, ex.Encoding); err != nil {
		f.Close()
		return nil, err
	}

	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1 // allow ragged rows; the normalizer copes

	header, err := cr.Read()
	if err != nil {
		f.Close()
		return nil, eris.Wrapf(err, "reader: read header of %s", ex.Path)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "reader: context cancelled")
				return
			}

			record, err := cr.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrapf(err, "reader: read row of %s", ex.Path)
				return
			}

			select {
			case rowCh <- record:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "reader: context cancelled")
				return
			}
		}
	}()

	return &Stream{Header: header, Rows: rowCh, Errs: errCh, closer: f}, nil
}

func openXLSX(ctx context.Context, ex Extract) (*Stream, error) {
	f, err := xlsx.OpenFile(ex.Path)
	if err != nil {
		return nil, eris.Wrapf(err, "reader: open xlsx %s", ex.Path)
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("reader: xlsx %s has no sheets", ex.Path)
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return nil, eris.Errorf("reader: xlsx %s sheet %q is empty", ex.Path, sheet.Name)
	}

	header := rowToStrings(sheet.Rows[0])

	rowCh := make(chan []string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(rowCh)
		defer close(errCh)

		for _, row := range sheet.Rows[1:] {
			select {
			case rowCh <- rowToStrings(row):
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "reader: context cancelled")
				return
			}
		}
	}()

	return &Stream{Header: header, Rows: rowCh, Errs: errCh}, nil
}

func rowToStrings(row *xlsx.Row) []string {
	out := make([]string, len(row.Cells))
	for i, cell := range row.Cells {
		out[i] = strings.TrimSpace(cell.String())
	}
	return out
}

// decodeCharset wraps r with a charset decoder when a legacy encoding is
// declared for the extract.
func decodeCharset(r io.Reader, encoding string) (io.Reader, error) {
	if encoding == "" || strings.EqualFold(encoding, "utf-8") {
		return r, nil
	}
	enc, err := htmlindex.Get(encoding)
	if err != nil {
		return nil, eris.Wrapf(err, "reader: unknown encoding %q", encoding)
	}
	return enc.NewDecoder().Reader(r), nil
}
