package feed

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// CSVDir reads <Dir>/<SYMBOL>.csv files with a timestamp and a price
// column. Timestamps are RFC3339, a plain date, or unix seconds. A header
// row is skipped if present.
type CSVDir struct {
	Dir string
}

func NewCSVDir(dir string) *CSVDir {
	return &CSVDir{Dir: dir}
}

func (c *CSVDir) GetPrices(ctx context.Context, symbol string, start, end time.Time, interval string) ([]PricePoint, error) {
	step, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(c.Dir, symbol+".csv")
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoData)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	points, err := readPoints(ctx, f, path)
	if err != nil {
		return nil, err
	}
	points = clean(points, start, end)
	points = resample(points, step)
	if len(points) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoData)
	}
	return points, nil
}

func readPoints(ctx context.Context, r io.Reader, path string) ([]PricePoint, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var points []PricePoint
	for line := 1; ; line++ {
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("%s:%d: expected timestamp,price", path, line)
		}

		ts, tsErr := parseTimestamp(record[0])
		price, priceErr := strconv.ParseFloat(strings.TrimSpace(record[1]), 64)
		if tsErr != nil || priceErr != nil {
			if line == 1 {
				continue
			}
			return nil, fmt.Errorf("%s:%d: %w", path, line, errors.Join(tsErr, priceErr))
		}
		points = append(points, PricePoint{Timestamp: ts, Price: price})
	}
	return points, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", time.DateOnly} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// clean drops unusable prices, sorts by time, keeps the last of any
// duplicated timestamp and limits the series to [start, end). Zero bounds
// are open.
func clean(points []PricePoint, start, end time.Time) []PricePoint {
	out := points[:0]
	for _, p := range points {
		if !(p.Price > 0) || math.IsInf(p.Price, 1) {
			log.Debug().Time("ts", p.Timestamp).Float64("price", p.Price).Msg("dropping unusable price")
			continue
		}
		if !start.IsZero() && p.Timestamp.Before(start) {
			continue
		}
		if !end.IsZero() && !p.Timestamp.Before(end) {
			continue
		}
		out = append(out, p)
	}

	slices.SortStableFunc(out, func(a, b PricePoint) int {
		return a.Timestamp.Compare(b.Timestamp)
	})

	deduped := out[:0]
	for _, p := range out {
		if n := len(deduped); n > 0 && deduped[n-1].Timestamp.Equal(p.Timestamp) {
			deduped[n-1] = p
			continue
		}
		deduped = append(deduped, p)
	}
	return deduped
}

// resample keeps the last observation of each interval bucket.
func resample(points []PricePoint, step time.Duration) []PricePoint {
	if step <= 0 {
		return points
	}
	out := points[:0]
	var bucket time.Time
	for _, p := range points {
		b := p.Timestamp.Truncate(step)
		if n := len(out); n > 0 && b.Equal(bucket) {
			out[n-1] = p
			continue
		}
		bucket = b
		out = append(out, p)
	}
	return out
}
