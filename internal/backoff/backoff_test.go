package backoff_test

import (
	"testing"
	"time"

	lingerbackoff "github.com/dogmatiq/linger/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/procflow/internal/backoff"
)

func TestConstant(t *testing.T) {
	c := backoff.Constant{Interval: 5 * time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 5*time.Second, c.Delay(attempt))
	}
}

func TestLinear(t *testing.T) {
	l := backoff.Linear{Initial: time.Second, Max: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{3, 3 * time.Second},
		{5, 5 * time.Second},
		{50, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, l.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponential(t *testing.T) {
	e := backoff.Exponential{Initial: time.Second, Max: 10 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{200, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponential_UncappedDoesNotOverflow(t *testing.T) {
	e := backoff.Exponential{Initial: time.Second}
	assert.Positive(t, e.Delay(500))
}

func TestDefault(t *testing.T) {
	s := backoff.Default()
	assert.IsType(t, backoff.Linger(nil), s)
	for attempt := 1; attempt <= 30; attempt++ {
		d := s.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0), "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Minute, "attempt %d", attempt)
	}
}

func TestFunc(t *testing.T) {
	var s backoff.Strategy = backoff.Func(func(n int) time.Duration {
		return time.Duration(n) * time.Millisecond
	})
	assert.Equal(t, 3*time.Millisecond, s.Delay(3))
}

func TestParse(t *testing.T) {
	s, err := backoff.Parse("", 0, 0)
	require.NoError(t, err)
	assert.IsType(t, backoff.Linger(nil), s)

	s, err = backoff.Parse(backoff.NameExponential, time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, backoff.Exponential{Initial: time.Second}, s)

	s, err = backoff.Parse(backoff.NameLinear, time.Second, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, backoff.Linear{Initial: time.Second, Max: time.Minute}, s)

	s, err = backoff.Parse(backoff.NameConstant, 2*time.Second, 0)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, s.Delay(9))

	_, err = backoff.Parse("fibonacci", time.Second, 0)
	assert.ErrorContains(t, err, "unknown strategy")

	_, err = backoff.Parse(backoff.NameExponential, -time.Second, 0)
	assert.Error(t, err)
}

func TestFullJitter(t *testing.T) {
	s, err := backoff.Parse(backoff.NameJitter, time.Second, 10*time.Second)
	require.NoError(t, err)
	assert.IsType(t, backoff.Linger(nil), s)

	for attempt := 0; attempt <= 20; attempt++ {
		d := s.Delay(attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0), "attempt %d", attempt)
		assert.LessOrEqual(t, d, 10*time.Second, "attempt %d", attempt)
	}
}

func TestLinger(t *testing.T) {
	s := backoff.Linger(lingerbackoff.Constant(3 * time.Second))
	assert.Equal(t, 3*time.Second, s.Delay(0))
	assert.Equal(t, 3*time.Second, s.Delay(7))
}
