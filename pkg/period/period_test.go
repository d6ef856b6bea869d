package period

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestDataPull_Period_Months(t *testing.T) {
	t.Parallel()

	t.Run("expands a range within one year", func(t *testing.T) {
		t.Parallel()

		start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC)
		got := Months(start, end)
		want := []string{"202401", "202402", "202403", "202404"}
		require.Empty(t, cmp.Diff(want, got))
	})

	t.Run("steps across a year boundary", func(t *testing.T) {
		t.Parallel()

		start := time.Date(2023, 11, 15, 0, 0, 0, 0, time.UTC)
		end := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
		got := Months(start, end)
		want := []string{"202311", "202312", "202401", "202402"}
		require.Empty(t, cmp.Diff(want, got))
	})

	t.Run("single month when start and end share a month", func(t *testing.T) {
		t.Parallel()

		start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
		end := time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC)
		require.Equal(t, []string{"202406"}, Months(start, end))
	})

	t.Run("reversed range yields nil", func(t *testing.T) {
		t.Parallel()

		start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
		end := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		require.Nil(t, Months(start, end))
	})
}

func TestDataPull_Period_LastNMonths(t *testing.T) {
	t.Parallel()

	t.Run("covers the current month and the months before it", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2024, 6, 14, 10, 30, 0, 0, time.UTC)
		start, end := LastNMonths(3, now)
		require.Equal(t, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), start)
		require.Equal(t, time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), end)
	})

	t.Run("single month range", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
		start, end := LastNMonths(1, now)
		require.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), start)
		require.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), end)
	})
}

func TestDataPull_Period_QuarterMap(t *testing.T) {
	t.Parallel()

	t.Run("advances mapped quarters", func(t *testing.T) {
		t.Parallel()

		m := DefaultQuarterMap()
		require.Equal(t, "2024Q1", m.Advance("2023Q4"))
		require.Equal(t, "2024Q4", m.Advance("2024Q3"))
	})

	t.Run("unmapped periods advance to the sentinel", func(t *testing.T) {
		t.Parallel()

		m := DefaultQuarterMap()
		require.Equal(t, Unmapped, m.Advance("202406"))
		require.Equal(t, Unmapped, m.Advance(""))
	})
}
