package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c := NewManual(start)
	c.Advance(90 * time.Minute)
	require.Equal(t, start.Add(90*time.Minute), c.Now())
}

func TestKyivDaysBetween(t *testing.T) {
	// 21:30 UTC 1 марта в Киеве уже 2 марта.
	arrival := time.Date(2026, 3, 1, 21, 30, 0, 0, time.UTC)
	now := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

	require.Equal(t, 2, KyivDaysBetween(arrival, now))
	require.Equal(t, 0, KyivDaysBetween(now, now))
	require.Equal(t, "2026-03-02", KyivDateString(arrival))
}

func TestKyivDaysBetween_DSTTransition(t *testing.T) {
	from := time.Date(2026, 3, 28, 12, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 30, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 2, KyivDaysBetween(from, to))
}
