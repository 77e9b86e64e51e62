package prices

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aristath/forge/internal/domain"
)

// ImportCSV ingests one columnar price file into the store. The file
// must carry a header with Date, Open, High, Low, Close and Adj Close
// columns (case-insensitive, any order). The ticker is taken from the
// file name when not given explicitly.
func (s *Store) ImportCSV(path, ticker string) (int, error) {
	if ticker == "" {
		ticker = strings.ToUpper(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open price file: %w", err)
	}
	defer f.Close()

	n, err := s.ImportCSVReader(f, ticker)
	if err != nil {
		return 0, fmt.Errorf("failed to import %s: %w", path, err)
	}
	return n, nil
}

// ImportCSVReader ingests CSV price data from a stream, e.g. an HTTP
// upload body. The ticker is required here since there is no file name
// to derive it from.
func (s *Store) ImportCSVReader(r io.Reader, ticker string) (int, error) {
	if ticker == "" {
		return 0, domain.NewError(domain.KindConfig, "ticker is required for streamed imports")
	}

	bars, err := parseCSV(r)
	if err != nil {
		return 0, err
	}

	if err := s.UpsertBars(ticker, bars); err != nil {
		return 0, err
	}
	return len(bars), nil
}

func parseCSV(r io.Reader) ([]domain.Bar, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}

	required := []string{"date", "open", "high", "low", "close"}
	for _, name := range required {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("missing column %q", name)
		}
	}
	adjIdx, hasAdj := cols["adj close"]
	if !hasAdj {
		adjIdx, hasAdj = cols["adj_close"]
	}

	var bars []domain.Bar
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		bar := domain.Bar{Date: strings.TrimSpace(record[cols["date"]])}
		if _, err := domain.ParseDate(bar.Date); err != nil {
			return nil, fmt.Errorf("line %d: bad date %q", line, bar.Date)
		}

		fields := []struct {
			dst *float64
			idx int
		}{
			{&bar.Open, cols["open"]},
			{&bar.High, cols["high"]},
			{&bar.Low, cols["low"]},
			{&bar.Close, cols["close"]},
		}
		for _, f := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[f.idx]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad number %q", line, record[f.idx])
			}
			*f.dst = v
		}

		if hasAdj {
			v, err := strconv.ParseFloat(strings.TrimSpace(record[adjIdx]), 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: bad adj close %q", line, record[adjIdx])
			}
			bar.AdjClose = v
		} else {
			// Files without an adjusted column are assumed pre-adjusted.
			bar.AdjClose = bar.Close
		}

		bars = append(bars, bar)
	}

	return bars, nil
}
