package marketdata

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gotothemoon/internal/domain"
	"gotothemoon/internal/store"
)

// LoadParquet reads daily bars for symbols in [start, end] from a bar store
// and returns them as a replayable source.
func LoadParquet(ctx context.Context, bs store.BarStore, market domain.Market, symbols []string, start, end time.Time) (*SliceSource, error) {
	var bars []domain.Bar
	for _, sym := range symbols {
		b, err := bs.ReadBars(ctx, market, strings.ToUpper(sym), start, end)
		if err != nil {
			return nil, fmt.Errorf("reading %s bars: %w", sym, err)
		}
		bars = append(bars, b...)
	}
	events, err := FromBars(bars)
	if err != nil {
		return nil, err
	}
	return NewSliceSource(events)
}

// LoadCSVFile opens path and parses it with ParseCSV.
func LoadCSVFile(path string, symbols []string, start, end time.Time) (*SliceSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseCSV(f, symbols, start, end)
}

// ParseCSV reads a wide price table with one row per date:
//
//	Date,AAPL_Open,AAPL_High,AAPL_Low,AAPL_Close,AAPL_Volume,MSFT_Close,...
//
// Only <SYMBOL>_Close is required. Rows outside [start, end] and empty
// cells are skipped; a zero start or end leaves that side open. Dates are
// YYYY-MM-DD or RFC 3339.
func ParseCSV(r io.Reader, symbols []string, start, end time.Time) (*SliceSource, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.TrimSpace(h)] = i
	}
	dateCol, ok := cols["Date"]
	if !ok {
		return nil, errors.New("csv has no Date column")
	}
	for _, sym := range symbols {
		if _, ok := cols[sym+"_Close"]; !ok {
			return nil, fmt.Errorf("csv has no %s_Close column", sym)
		}
	}

	var bars []domain.Bar
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		ts, err := parseDate(row[dateCol])
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		if (!start.IsZero() && ts.Before(start)) || (!end.IsZero() && ts.After(end)) {
			continue
		}
		for _, sym := range symbols {
			field := func(name string) (float64, bool) {
				i, ok := cols[sym+"_"+name]
				if !ok || i >= len(row) || strings.TrimSpace(row[i]) == "" {
					return 0, false
				}
				v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
				return v, err == nil
			}
			closePx, ok := field("Close")
			if !ok {
				continue
			}
			b := domain.Bar{Symbol: sym, Timestamp: ts, Open: closePx, High: closePx, Low: closePx, Close: closePx}
			if v, ok := field("Open"); ok {
				b.Open = v
			}
			if v, ok := field("High"); ok {
				b.High = v
			}
			if v, ok := field("Low"); ok {
				b.Low = v
			}
			if v, ok := field("Volume"); ok {
				b.Volume = int64(v)
			}
			bars = append(bars, b)
		}
	}

	events, err := FromBars(bars)
	if err != nil {
		return nil, err
	}
	return NewSliceSource(events)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}
