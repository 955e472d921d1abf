// Package importer loads historical expenses, products, stock movements and
// tenders from CSV, XLSX or JSON files into the store.
package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/advisor/internal/store"
)

// Kind names the record type a file holds.
type Kind string

const (
	KindExpenses  Kind = "expenses"
	KindProducts  Kind = "products"
	KindMovements Kind = "movements"
	KindTenders   Kind = "tenders"
)

// Kinds lists the importable record types.
var Kinds = []Kind{KindExpenses, KindProducts, KindMovements, KindTenders}

// ParseKind accepts a kind name, singular or plural.
func ParseKind(s string) (Kind, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	if !strings.HasSuffix(k, "s") {
		k += "s"
	}
	for _, known := range Kinds {
		if Kind(k) == known {
			return known, nil
		}
	}
	return "", eris.Errorf("importer: unknown kind %q", s)
}

// maxReportedErrors bounds the row errors kept in Stats.
const maxReportedErrors = 20

// Stats reports the outcome of one import.
type Stats struct {
	Kind    Kind     `json:"kind"`
	Rows    int      `json:"rows"`
	Saved   int64    `json:"saved"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

func (s *Stats) skip(line int, err error) {
	s.Skipped++
	if len(s.Errors) < maxReportedErrors {
		s.Errors = append(s.Errors, fmt.Sprintf("row %d: %v", line, err))
	}
}

// Options configures an Importer.
type Options struct {
	// BatchSize is the number of records per store write. Default 500.
	BatchSize int
	// Strict fails the import on the first invalid row instead of skipping it.
	Strict bool
	// Sheet selects the XLSX sheet by name. Default is the first sheet.
	Sheet string
}

// Importer writes parsed records through a store.DomainWriter.
type Importer struct {
	w     store.DomainWriter
	opts  Options
	newID func() string
	now   func() time.Time
}

// New creates an Importer.
func New(w store.DomainWriter, opts Options) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	return &Importer{w: w, opts: opts, newID: uuid.NewString, now: time.Now}
}

// ImportFile loads one file of the given kind.
func (im *Importer) ImportFile(ctx context.Context, kind Kind, path string) (*Stats, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	log := zap.L().With(
		zap.String("kind", string(kind)),
		zap.String("path", path),
		zap.String("format", string(format)),
	)

	var stats *Stats
	switch kind {
	case KindExpenses:
		stats, err = load(ctx, im, format, path, kind, im.expense, im.w.SaveExpenses)
	case KindProducts:
		stats, err = load(ctx, im, format, path, kind, im.product, im.w.SaveProducts)
	case KindMovements:
		stats, err = load(ctx, im, format, path, kind, im.movement, im.w.SaveMovements)
	case KindTenders:
		stats, err = load(ctx, im, format, path, kind, im.tender, im.w.SaveTenders)
	default:
		return nil, eris.Errorf("importer: unknown kind %q", kind)
	}
	if err != nil {
		return stats, err
	}

	log.Info("import complete",
		zap.Int("rows", stats.Rows),
		zap.Int64("saved", stats.Saved),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

// load parses rows into records and saves them in batches.
func load[T any](
	ctx context.Context,
	im *Importer,
	format Format,
	path string,
	kind Kind,
	parse func(row) (T, error),
	save func(context.Context, []T) (int64, error),
) (*Stats, error) {
	stats := &Stats{Kind: kind}
	batch := make([]T, 0, im.opts.BatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := save(ctx, batch)
		if err != nil {
			return eris.Wrapf(err, "importer: save %s", kind)
		}
		stats.Saved += n
		batch = batch[:0]
		return nil
	}
	add := func(line int, r row) error {
		stats.Rows++
		rec, err := parse(r)
		if err != nil {
			if im.opts.Strict {
				return eris.Wrapf(err, "importer: row %d", line)
			}
			stats.skip(line, err)
			return nil
		}
		batch = append(batch, rec)
		if len(batch) >= im.opts.BatchSize {
			return flush()
		}
		return nil
	}

	if format == FormatJSON {
		objs, err := readJSON(path)
		if err != nil {
			return stats, err
		}
		for i, obj := range objs {
			if err := add(i+1, obj); err != nil {
				return stats, err
			}
		}
		return stats, flush()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var rows <-chan []string
	var errs <-chan error
	if format == FormatXLSX {
		rows, errs = streamXLSX(ctx, path, im.opts.Sheet)
	} else {
		rows, errs = streamCSV(ctx, path)
	}

	var header []string
	line := 0
	for rec := range rows {
		line++
		if header == nil {
			header = normalizeHeader(rec)
			continue
		}
		if blank(rec) {
			continue
		}
		if err := add(line, mapRow(header, rec)); err != nil {
			cancel()
			drain(rows)
			return stats, err
		}
	}
	if err := <-errs; err != nil {
		return stats, eris.Wrap(err, "importer: read file")
	}
	if header == nil {
		return stats, eris.New("importer: file is empty")
	}
	return stats, flush()
}

func drain(rows <-chan []string) {
	for range rows {
	}
}

func blank(rec []string) bool {
	for _, f := range rec {
		if f != "" {
			return false
		}
	}
	return true
}

// readJSON reads an array of objects and renders values as strings so JSON
// files go through the same column parsing as tabular files.
func readJSON(path string) ([]row, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "json: read file")
	}
	var objs []map[string]any
	if err := json.Unmarshal(raw, &objs); err != nil {
		return nil, eris.Wrap(err, "json: decode array")
	}
	out := make([]row, len(objs))
	for i, obj := range objs {
		r := make(row, len(obj))
		for k, v := range obj {
			key := normalizeKey(k)
			switch x := v.(type) {
			case nil:
			case string:
				r[key] = strings.TrimSpace(x)
			case float64:
				r[key] = strconv.FormatFloat(x, 'f', -1, 64)
			default:
				r[key] = fmt.Sprint(x)
			}
		}
		out[i] = r
	}
	return out, nil
}
