// Package timeseries provides forward-only as-of joins between independently
// sampled time series. A Cursor never looks backward, so joining a slow series
// (funding, open interest) onto a fast backbone (minute bars) can never leak
// data from the future.
package timeseries

import "sort"

// Row is one element of a time-ordered series.
type Row interface {
	Timestamp() int64
}

// Series is an immutable, timestamp-ordered slice of rows.
type Series struct {
	rows []Row
}

// New builds a series from rows, sorting them by timestamp if needed.
func New(rows []Row) *Series {
	sorted := sort.SliceIsSorted(rows, func(i, j int) bool {
		return rows[i].Timestamp() < rows[j].Timestamp()
	})
	if !sorted {
		out := make([]Row, len(rows))
		copy(out, rows)
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Timestamp() < out[j].Timestamp()
		})
		rows = out
	}
	return &Series{rows: rows}
}

// Len returns the number of rows.
func (s *Series) Len() int {
	return len(s.rows)
}

// At returns the i-th row.
func (s *Series) At(i int) Row {
	return s.rows[i]
}

// Last returns the final row, or nil for an empty series.
func (s *Series) Last() Row {
	if len(s.rows) == 0 {
		return nil
	}
	return s.rows[len(s.rows)-1]
}

// Cursor is a forward-only read pointer into a series. Callers must query with
// non-decreasing target times; already-consumed rows are never re-examined.
type Cursor struct {
	series *Series
	next   int // index of the first row not yet consumed
	cur    Row // last row with Timestamp() <= the most recent target
}

// Cursor returns a fresh cursor positioned before the first row.
func (s *Series) Cursor() *Cursor {
	return &Cursor{series: s}
}

// Advance moves the cursor forward while the next row's timestamp <= target and
// returns the last such row, or nil when no row qualifies yet. The returned
// row's timestamp is always <= target.
func (c *Cursor) Advance(target int64) Row {
	for c.next < c.series.Len() && c.series.At(c.next).Timestamp() <= target {
		c.cur = c.series.At(c.next)
		c.next++
	}
	return c.cur
}

// Current returns the row from the most recent Advance without moving.
func (c *Cursor) Current() Row {
	return c.cur
}
