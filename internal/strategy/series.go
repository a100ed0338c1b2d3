package strategy

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Bar struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
}

// Series is an ordered OHLCV bar series.
type Series struct {
	Symbol    string
	Timeframe string
	Bars      []Bar
}

func (s *Series) Len() int {
	return len(s.Bars)
}

func (s *Series) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i, b := range s.Bars {
		out[i] = b.Close
	}
	return out
}

// Window returns the bars within [start, end]. Nil bounds are open.
func (s *Series) Window(start, end *time.Time) *Series {
	out := &Series{Symbol: s.Symbol, Timeframe: s.Timeframe}
	for _, b := range s.Bars {
		if start != nil && b.Time.Before(*start) {
			continue
		}
		if end != nil && b.Time.After(*end) {
			continue
		}
		out.Bars = append(out.Bars, b)
	}
	return out
}

var csvColumns = []string{"time", "open", "high", "low", "close", "volume"}

// ParseCSV reads bars with a "time,open,high,low,close,volume" header. Time is
// either RFC3339 or unix milliseconds. Rows must be in ascending time order.
func ParseCSV(r io.Reader) (*Series, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, errors.Wrap(err, "reading csv header")
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, c := range csvColumns {
		if _, ok := index[c]; !ok {
			return nil, fmt.Errorf("csv header misses column %q", c)
		}
	}

	series := &Series{}
	line := 1
	for {
		rec, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, errors.Wrapf(err, "reading csv line %d", line)
		}

		bar, err := parseBar(rec, index)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		if n := len(series.Bars); n > 0 && !bar.Time.After(series.Bars[n-1].Time) {
			return nil, fmt.Errorf("line %d: bars are not in ascending time order", line)
		}
		series.Bars = append(series.Bars, bar)
	}
	return series, nil
}

func parseBar(rec []string, index map[string]int) (Bar, error) {
	var (
		bar Bar
		err error
	)
	if bar.Time, err = parseTime(rec[index["time"]]); err != nil {
		return bar, err
	}
	fields := []struct {
		name string
		dst  *float64
	}{
		{"open", &bar.Open},
		{"high", &bar.High},
		{"low", &bar.Low},
		{"close", &bar.Close},
		{"volume", &bar.Volume},
	}
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(rec[index[f.name]]), 64)
		if err != nil {
			return bar, errors.Wrapf(err, "parsing %s", f.name)
		}
		*f.dst = v
	}
	return bar, nil
}

func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "parsing time")
	}
	return t.UTC(), nil
}
