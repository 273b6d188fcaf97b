package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWithinWindowAlwaysOnWhenUnset(t *testing.T) {
	require.True(t, withinWindow("", "", time.Now()))
}

func TestWithinWindowSimpleRange(t *testing.T) {
	now := time.Date(2026, 1, 1, 14, 0, 0, 0, time.UTC)
	require.True(t, withinWindow("09:00", "18:00", now))
	require.False(t, withinWindow("09:00", "12:00", now))
}

func TestWithinWindowWrapsMidnight(t *testing.T) {
	late := time.Date(2026, 1, 1, 23, 30, 0, 0, time.UTC)
	early := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	require.True(t, withinWindow("22:00", "06:00", late))
	require.True(t, withinWindow("22:00", "06:00", early))
	require.False(t, withinWindow("22:00", "06:00", time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)))
}
