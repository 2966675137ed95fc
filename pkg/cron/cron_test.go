package cron

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEveryFiveMinutesMatches(t *testing.T) {
	expr, err := Parse("*/5 * * * *")
	require.NoError(t, err)

	require.True(t, expr.Matches(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.True(t, expr.Matches(time.Date(2025, 1, 1, 0, 5, 0, 0, time.UTC)))
	require.False(t, expr.Matches(time.Date(2025, 1, 1, 0, 3, 0, 0, time.UTC)))
}

func TestNamedShortcuts(t *testing.T) {
	daily, err := Parse("@daily")
	require.NoError(t, err)
	require.True(t, daily.Matches(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	require.False(t, daily.Matches(time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC)))

	hourly, err := Parse("@hourly")
	require.NoError(t, err)
	require.True(t, hourly.Matches(time.Date(2025, 1, 1, 5, 0, 0, 0, time.UTC)))
	require.False(t, hourly.Matches(time.Date(2025, 1, 1, 5, 1, 0, 0, time.UTC)))
}

func TestDayOfWeekSevenAliasesSunday(t *testing.T) {
	expr, err := Parse("0 0 * * 7")
	require.NoError(t, err)
	// 2025-01-05 is a Sunday.
	require.True(t, expr.Matches(time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)))
}

func TestMonthAndDayNames(t *testing.T) {
	expr, err := Parse("0 9 * JAN MON")
	require.NoError(t, err)
	// 2025-01-06 is a Monday in January.
	require.True(t, expr.Matches(time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC)))
	require.False(t, expr.Matches(time.Date(2025, 2, 6, 9, 0, 0, 0, time.UTC)))
}

func TestDispatchNowInvokesHandlerRegardlessOfConfiguredSet(t *testing.T) {
	var calls int32
	d := NewDispatcher(nil, func(ctx context.Context, c *Controller) error {
		atomic.AddInt32(&calls, 1)
		require.Equal(t, "* * * * *", c.Cron)
		return nil
	})
	require.NoError(t, d.DispatchNow(context.Background(), "* * * * *"))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
