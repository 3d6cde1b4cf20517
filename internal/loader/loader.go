package loader

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-quant/rollgrid/internal/series"
)

// timestampLayout is the source format: YYYY-MM-DD HH:MM:SS, UTC.
const timestampLayout = "2006-01-02 15:04:05"

// LoadCSV reads market data rows of the form
//
//	timestamp,symbol,price
//
// into validated per-symbol series. A blank or "nan" price field becomes an
// explicit missing marker. Any malformed row, out-of-order timestamp, or
// duplicate timestamp within a symbol fails the whole load with a
// *DataError: malformed input is rejected before any computation runs.
func LoadCSV(path string) (map[string]*series.TimeSeries, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, series.NewDataError("open %s: %v", path, err)
	}
	defer f.Close()

	out, err := parseCSV(f, path)
	if err != nil {
		return nil, err
	}

	log.Debug().Str("path", path).Int("assets", len(out)).Msg("Market data loaded")
	return out, nil
}

// LoadFiles loads several CSV files concurrently and merges them. A symbol
// appearing in more than one file is a *DataError: the loader will not
// guess at interleaving two sources for the same asset.
func LoadFiles(ctx context.Context, paths ...string) (map[string]*series.TimeSeries, error) {
	if len(paths) == 0 {
		return nil, series.NewDataError("no input files")
	}

	var mu sync.Mutex
	merged := make(map[string]*series.TimeSeries)

	g, ctx := errgroup.WithContext(ctx)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			m, err := LoadCSV(path)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()
			for asset, ts := range m {
				if _, exists := merged[asset]; exists {
					return series.NewDataError("asset %q appears in multiple input files", asset)
				}
				merged[asset] = ts
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return merged, nil
}

func parseCSV(r io.Reader, path string) (map[string]*series.TimeSeries, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, series.NewDataError("%s: read header: %v", path, err)
	}
	if len(header) != 3 || header[0] != "timestamp" || header[1] != "symbol" || header[2] != "price" {
		return nil, series.NewDataError("%s: header must be timestamp,symbol,price, got %v", path, header)
	}

	bySymbol := make(map[string][]series.Value)
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, series.NewDataError("%s:%d: %v", path, line, err)
		}

		ts, err := time.ParseInLocation(timestampLayout, rec[0], time.UTC)
		if err != nil {
			return nil, series.NewDataError("%s:%d: bad timestamp %q: %v", path, line, rec[0], err)
		}
		symbol := rec[1]
		if symbol == "" {
			return nil, series.NewDataError("%s:%d: empty symbol", path, line)
		}

		v := series.Value{Timestamp: ts.UnixMilli()}
		raw := strings.TrimSpace(rec[2])
		if raw == "" || strings.EqualFold(raw, "nan") {
			v.Flag = series.FlagMissing
		} else {
			price, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, series.NewDataError("%s:%d: bad price %q: %v", path, line, raw, err)
			}
			v.V = price
		}

		bySymbol[symbol] = append(bySymbol[symbol], v)
	}

	if len(bySymbol) == 0 {
		return nil, series.NewDataError("%s: no data rows", path)
	}

	out := make(map[string]*series.TimeSeries, len(bySymbol))
	for symbol, points := range bySymbol {
		ts, err := series.NewTimeSeries(symbol, points)
		if err != nil {
			return nil, err
		}
		out[symbol] = ts
	}
	return out, nil
}
