package payroll_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/payroll"
)

func TestDateRange_Days(t *testing.T) {
	r := payroll.DateRange{Start: payroll.MustParseDate("2025-01-01"), End: payroll.MustParseDate("2025-01-14")}
	assert.Equal(t, 14, r.Days())
	assert.True(t, r.Contains(payroll.MustParseDate("2025-01-01")))
	assert.True(t, r.Contains(payroll.MustParseDate("2025-01-14")))
	assert.False(t, r.Contains(payroll.MustParseDate("2025-01-15")))
}

func TestDateRange_Next(t *testing.T) {
	r := payroll.DateRange{Start: payroll.MustParseDate("2025-01-01"), End: payroll.MustParseDate("2025-01-14")}
	next := r.Next()
	assert.Equal(t, "2025-01-15", next.Start.String())
	assert.Equal(t, "2025-01-28", next.End.String())
	assert.False(t, r.Overlaps(next))
}

func TestDateRange_Intersect(t *testing.T) {
	a := payroll.DateRange{Start: payroll.NewDate(2025, time.January, 1), End: payroll.NewDate(2025, time.January, 31)}
	b := payroll.DateRange{Start: payroll.NewDate(2025, time.January, 20), End: payroll.NewDate(2025, time.February, 10)}

	got, ok := a.Intersect(b)
	require.True(t, ok)
	assert.Equal(t, "[2025-01-20, 2025-01-31]", got.String())

	c := payroll.DateRange{Start: payroll.NewDate(2025, time.March, 1), End: payroll.NewDate(2025, time.March, 2)}
	_, ok = a.Intersect(c)
	assert.False(t, ok)
}

func TestDateRange_Validate(t *testing.T) {
	bad := payroll.DateRange{Start: payroll.MustParseDate("2025-02-01"), End: payroll.MustParseDate("2025-01-01")}
	err := bad.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, payroll.ErrInvalidInput))

	assert.Error(t, payroll.DateRange{}.Validate())
}

func TestParseDate_Invalid(t *testing.T) {
	_, err := payroll.ParseDate("01/02/2025")
	assert.Error(t, err)
}

func TestRoundMinor_HalfToEven(t *testing.T) {
	cases := map[string]string{
		"0.125":  "0.12",
		"0.135":  "0.14",
		"2.675":  "2.68",
		"10.005": "10",
		"-0.125": "-0.12",
		"1.1":    "1.1",
	}
	for in, want := range cases {
		got := payroll.RoundMinor(decimal.RequireFromString(in))
		assert.True(t, got.Equal(decimal.RequireFromString(want)), "%s -> %s, want %s", in, got, want)
	}
}

func TestEmployee_Active(t *testing.T) {
	period := payroll.DateRange{Start: payroll.MustParseDate("2025-01-01"), End: payroll.MustParseDate("2025-01-31")}
	left := payroll.MustParseDate("2025-01-10")
	e := payroll.Employee{ActiveFrom: payroll.MustParseDate("2024-06-01"), ActiveTo: &left}

	active, ok := e.Active(period)
	require.True(t, ok)
	assert.Equal(t, 10, active.Days())

	gone := payroll.Employee{ActiveFrom: payroll.MustParseDate("2025-03-01")}
	_, ok = gone.Active(period)
	assert.False(t, ok)
}
