package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBoundaries(t *testing.T) {
	// Thursday
	at := time.Date(2019, time.May, 23, 13, 42, 17, 500, time.UTC)

	assert.Equal(t, time.Date(2019, time.May, 23, 13, 0, 0, 0, time.UTC), StartOfHour(at))
	assert.Equal(t, time.Date(2019, time.May, 23, 0, 0, 0, 0, time.UTC), StartOfDay(at))
	assert.Equal(t, time.Date(2019, time.May, 20, 0, 0, 0, 0, time.UTC), StartOfWeek(at))
	assert.Equal(t, time.Date(2019, time.May, 1, 0, 0, 0, 0, time.UTC), StartOfMonth(at))
	assert.Equal(t, time.Date(2019, time.April, 1, 0, 0, 0, 0, time.UTC), StartOfQuarter(at))
	assert.Equal(t, time.Date(2019, time.January, 1, 0, 0, 0, 0, time.UTC), StartOfYear(at))
}

func TestStartOfWeekOnSundayAndMonday(t *testing.T) {
	sunday := time.Date(2019, time.May, 26, 23, 59, 0, 0, time.UTC)
	monday := time.Date(2019, time.May, 27, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, time.Date(2019, time.May, 20, 0, 0, 0, 0, time.UTC), StartOfWeek(sunday))
	assert.Equal(t, monday, StartOfWeek(monday))
}

func TestStartOfQuarterBoundaries(t *testing.T) {
	cases := map[time.Month]time.Month{
		time.January:   time.January,
		time.March:     time.January,
		time.April:     time.April,
		time.September: time.July,
		time.December:  time.October,
	}
	for in, want := range cases {
		got := StartOfQuarter(time.Date(2020, in, 15, 8, 0, 0, 0, time.UTC))
		assert.Equal(t, want, got.Month(), "month %s", in)
		assert.Equal(t, 1, got.Day())
	}
}

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2019, time.May, 24, 12, 35, 0, 0, time.UTC)
	c := NewFakeClock(start)
	c.Advance(2 * time.Hour)
	assert.Equal(t, start.Add(2*time.Hour), c.Now())

	c.Set(start)
	assert.Equal(t, start, c.Now())
}
