package timeseries

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpfeed/internal/domain"
)

func point(ts int64, v float64) domain.OpenInterestPoint {
	return domain.OpenInterestPoint{Symbol: "BTCUSDT", Time: ts, Value: v}
}

func TestCursorAdvanceMonotone(t *testing.T) {
	s := New([]Row{point(1000, 1), point(5000, 2)})
	c := s.Cursor()

	assert.Nil(t, c.Advance(500))

	row := c.Advance(1000)
	require.NotNil(t, row)
	assert.EqualValues(t, 1000, row.Timestamp())

	row = c.Advance(4000)
	require.NotNil(t, row)
	assert.EqualValues(t, 1000, row.Timestamp())

	row = c.Advance(6000)
	require.NotNil(t, row)
	assert.EqualValues(t, 5000, row.Timestamp())

	// Cursor stays parked at the end on further queries.
	row = c.Advance(10000)
	assert.EqualValues(t, 5000, row.Timestamp())
}

func TestCursorNeverReturnsFutureRow(t *testing.T) {
	rows := []Row{point(100, 1), point(200, 2), point(300, 3), point(900, 4)}
	s := New(rows)
	c := s.Cursor()

	for target := int64(0); target <= 1000; target += 50 {
		row := c.Advance(target)
		if row != nil {
			assert.LessOrEqual(t, row.Timestamp(), target)
		}
	}
}

func TestNewSortsUnorderedRows(t *testing.T) {
	s := New([]Row{point(300, 3), point(100, 1), point(200, 2)})
	require.Equal(t, 3, s.Len())
	assert.EqualValues(t, 100, s.At(0).Timestamp())
	assert.EqualValues(t, 300, s.Last().Timestamp())
}

func TestEmptySeries(t *testing.T) {
	s := New(nil)
	assert.Nil(t, s.Last())
	assert.Nil(t, s.Cursor().Advance(1_000_000))
}
