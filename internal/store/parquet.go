package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/shopspring/decimal"

	"gotothemoon/internal/domain"
)

var _ BarStore = (*ParquetStore)(nil)

// ParquetStore keeps daily bars as one Parquet file per symbol and year,
//
//	<DataDir>/<market>/daily/<SYMBOL>/<YYYY>.parquet
//
// and exports backtest fills and equity curves next to them.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore returns a store rooted at dataDir.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// BarRecord is the on-disk row of a daily bar.
type BarRecord struct {
	Symbol     string  `parquet:"symbol"`
	Timestamp  int64   `parquet:"timestamp,timestamp(millisecond)"`
	Open       float64 `parquet:"open"`
	High       float64 `parquet:"high"`
	Low        float64 `parquet:"low"`
	Close      float64 `parquet:"close"`
	Volume     int64   `parquet:"volume"`
	TradeCount int64   `parquet:"trade_count"`
	VWAP       float64 `parquet:"vwap"`
}

func toBarRecord(b domain.Bar) BarRecord {
	return BarRecord{
		Symbol:     strings.ToUpper(b.Symbol),
		Timestamp:  b.Timestamp.UnixMilli(),
		Open:       b.Open,
		High:       b.High,
		Low:        b.Low,
		Close:      b.Close,
		Volume:     b.Volume,
		TradeCount: b.TradeCount,
		VWAP:       b.VWAP,
	}
}

func (r BarRecord) bar() domain.Bar {
	return domain.Bar{
		Symbol:     r.Symbol,
		Timestamp:  time.UnixMilli(r.Timestamp).UTC(),
		Open:       r.Open,
		High:       r.High,
		Low:        r.Low,
		Close:      r.Close,
		Volume:     r.Volume,
		TradeCount: r.TradeCount,
		VWAP:       r.VWAP,
	}
}

// FillRecord is the on-disk row of an exported fill. Quantities and prices
// are decimal strings so exports round-trip exactly.
type FillRecord struct {
	ID        string `parquet:"id"`
	OrderID   string `parquet:"order_id"`
	Symbol    string `parquet:"symbol"`
	Side      string `parquet:"side"`
	Qty       string `parquet:"qty"`
	Price     string `parquet:"price"`
	Fee       string `parquet:"fee"`
	Timestamp int64  `parquet:"timestamp,timestamp(millisecond)"`
}

// EquityRecord is the on-disk row of an equity curve point.
type EquityRecord struct {
	Timestamp int64   `parquet:"timestamp,timestamp(millisecond)"`
	Equity    float64 `parquet:"equity"`
}

// EquityPoint is the portfolio value after one event.
type EquityPoint struct {
	Timestamp time.Time       `json:"ts"`
	Equity    decimal.Decimal `json:"equity"`
}

type symbolYear struct {
	symbol string
	year   int
}

// WriteBars merges bars into the per-symbol yearly files. A bar whose
// timestamp is already stored replaces the stored one.
func (s *ParquetStore) WriteBars(_ context.Context, market domain.Market, bars []domain.Bar) error {
	files := make(map[symbolYear][]BarRecord)
	for _, b := range bars {
		rec := toBarRecord(b)
		k := symbolYear{rec.Symbol, b.Timestamp.UTC().Year()}
		files[k] = append(files[k], rec)
	}

	for k, incoming := range files {
		path := s.barPath(market, k.symbol, k.year)
		stored, err := readParquetFile[BarRecord](path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading %s %d: %w", k.symbol, k.year, err)
		}
		if err := writeParquetFile(path, mergeByTimestamp(stored, incoming)); err != nil {
			return fmt.Errorf("writing %s %d: %w", k.symbol, k.year, err)
		}
	}
	return nil
}

// ReadBars returns the stored bars of symbol within [start, end], oldest
// first. Years with no file are skipped.
func (s *ParquetStore) ReadBars(_ context.Context, market domain.Market, symbol string, start, end time.Time) ([]domain.Bar, error) {
	lo, hi := start.UnixMilli(), end.UnixMilli()
	var bars []domain.Bar
	for year := start.UTC().Year(); year <= end.UTC().Year(); year++ {
		records, err := readParquetFile[BarRecord](s.barPath(market, symbol, year))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s %d: %w", symbol, year, err)
		}
		for _, r := range records {
			if r.Timestamp >= lo && r.Timestamp <= hi {
				bars = append(bars, r.bar())
			}
		}
	}
	return bars, nil
}

// ListSymbols returns the symbols with stored bars in market, sorted.
func (s *ParquetStore) ListSymbols(_ context.Context, market domain.Market) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.DataDir, string(market), "daily"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var symbols []string
	for _, e := range entries {
		if e.IsDir() {
			symbols = append(symbols, e.Name())
		}
	}
	slices.Sort(symbols)
	return symbols, nil
}

// WriteFills writes fills to path, replacing any existing file.
func WriteFills(path string, fills []domain.Fill) error {
	records := make([]FillRecord, len(fills))
	for i, f := range fills {
		records[i] = FillRecord{
			ID:        f.ID,
			OrderID:   f.OrderID,
			Symbol:    f.Symbol,
			Side:      string(f.Side),
			Qty:       f.Qty.String(),
			Price:     f.Price.String(),
			Fee:       f.Fee.String(),
			Timestamp: f.Timestamp.UnixMilli(),
		}
	}
	return writeParquetFile(path, records)
}

// ReadFills reads fills written by WriteFills.
func ReadFills(path string) ([]domain.Fill, error) {
	records, err := readParquetFile[FillRecord](path)
	if err != nil {
		return nil, err
	}
	fills := make([]domain.Fill, len(records))
	for i, r := range records {
		f := domain.Fill{
			ID:        r.ID,
			OrderID:   r.OrderID,
			Symbol:    r.Symbol,
			Side:      domain.Side(r.Side),
			Timestamp: time.UnixMilli(r.Timestamp).UTC(),
		}
		if f.Qty, err = decimal.NewFromString(r.Qty); err != nil {
			return nil, fmt.Errorf("fill %s qty: %w", r.ID, err)
		}
		if f.Price, err = decimal.NewFromString(r.Price); err != nil {
			return nil, fmt.Errorf("fill %s price: %w", r.ID, err)
		}
		if f.Fee, err = decimal.NewFromString(r.Fee); err != nil {
			return nil, fmt.Errorf("fill %s fee: %w", r.ID, err)
		}
		fills[i] = f
	}
	return fills, nil
}

// WriteEquityCurve writes an equity curve to path.
func WriteEquityCurve(path string, curve []EquityPoint) error {
	records := make([]EquityRecord, len(curve))
	for i, p := range curve {
		v, _ := p.Equity.Float64()
		records[i] = EquityRecord{Timestamp: p.Timestamp.UnixMilli(), Equity: v}
	}
	return writeParquetFile(path, records)
}

// RunDir returns the export directory of a backtest run:
// <DataDir>/backtests/<run>.
func (s *ParquetStore) RunDir(run string) string {
	return filepath.Join(s.DataDir, "backtests", run)
}

func (s *ParquetStore) barPath(market domain.Market, symbol string, year int) string {
	return filepath.Join(s.DataDir, string(market), "daily", strings.ToUpper(symbol), strconv.Itoa(year)+".parquet")
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

// readParquetFile reports a missing file as fs.ErrNotExist.
func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return parquet.ReadFile[T](path)
}

// mergeByTimestamp combines the rows of one symbol-year file, incoming rows
// replacing stored rows with the same timestamp.
func mergeByTimestamp(stored, incoming []BarRecord) []BarRecord {
	byTS := make(map[int64]BarRecord, len(stored)+len(incoming))
	for _, rows := range [][]BarRecord{stored, incoming} {
		for _, r := range rows {
			byTS[r.Timestamp] = r
		}
	}
	out := slices.Collect(maps.Values(byTS))
	slices.SortFunc(out, func(a, b BarRecord) int { return cmp.Compare(a.Timestamp, b.Timestamp) })
	return out
}
