package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/sawpanic/backtestrun/internal/bar"
)

// loadBarsCSV reads a CSV of OHLCV bars (header: symbol,timestamp,open,high,
// low,close,volume; timestamp as RFC3339) into a per-symbol slice suitable
// for bar.NewSliceSource. Historical data ingestion proper is an external
// collaborator (spec.md §6's OHLCVSource); this is the "offline replay of
// data already materialized by an external ingestion pipeline" case
// bar.SliceSource's doc comment names, wired up for this binary.
func loadBarsCSV(path string) (map[string][]bar.Bar, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("csvsource: open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("csvsource: read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[name] = i
	}
	for _, required := range []string{"symbol", "timestamp", "open", "high", "low", "close", "volume"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("csvsource: missing required column %q", required)
		}
	}

	out := make(map[string][]bar.Bar)
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("csvsource: read row: %w", err)
		}

		b, err := parseBarRow(row, cols)
		if err != nil {
			return nil, err
		}
		out[b.Symbol] = append(out[b.Symbol], b)
	}
	return out, nil
}

func parseBarRow(row []string, cols map[string]int) (bar.Bar, error) {
	ts, err := time.Parse(time.RFC3339, row[cols["timestamp"]])
	if err != nil {
		return bar.Bar{}, fmt.Errorf("csvsource: parse timestamp %q: %w", row[cols["timestamp"]], err)
	}
	open, err := strconv.ParseFloat(row[cols["open"]], 64)
	if err != nil {
		return bar.Bar{}, fmt.Errorf("csvsource: parse open: %w", err)
	}
	high, err := strconv.ParseFloat(row[cols["high"]], 64)
	if err != nil {
		return bar.Bar{}, fmt.Errorf("csvsource: parse high: %w", err)
	}
	low, err := strconv.ParseFloat(row[cols["low"]], 64)
	if err != nil {
		return bar.Bar{}, fmt.Errorf("csvsource: parse low: %w", err)
	}
	close, err := strconv.ParseFloat(row[cols["close"]], 64)
	if err != nil {
		return bar.Bar{}, fmt.Errorf("csvsource: parse close: %w", err)
	}
	volume, err := strconv.ParseFloat(row[cols["volume"]], 64)
	if err != nil {
		return bar.Bar{}, fmt.Errorf("csvsource: parse volume: %w", err)
	}
	return bar.Bar{
		Symbol:    row[cols["symbol"]],
		Timestamp: ts,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
	}, nil
}
