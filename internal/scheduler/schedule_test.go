package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvery(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, now.Add(6*time.Hour), Every(6*time.Hour).Next(now))
}

func TestCron_Next(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) // Saturday

	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 * * * *", time.Date(2025, 3, 1, 13, 0, 0, 0, time.UTC)},
		{"*/15 * * * *", time.Date(2025, 3, 1, 12, 15, 0, 0, time.UTC)},
		{"30 3 * * *", time.Date(2025, 3, 2, 3, 30, 0, 0, time.UTC)},
		{"0 0 * * 1", time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)},
		{"0 0 1 * *", time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"0 6 1-7 * 1,3", time.Date(2025, 3, 2, 6, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			s, err := Cron(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Next(base))
		})
	}
}

func TestCron_Invalid(t *testing.T) {
	for _, expr := range []string{"", "* * * *", "60 * * * *", "* 24 * * *", "*/0 * * * *", "5-1 * * * *", "a * * * *"} {
		_, err := Cron(expr)
		assert.Error(t, err, expr)
	}
}

func TestParse(t *testing.T) {
	s, err := Parse("6h")
	require.NoError(t, err)
	assert.Equal(t, Every(6*time.Hour), s)

	s, err = Parse("30 3 * * *")
	require.NoError(t, err)
	assert.IsType(t, &CronSchedule{}, s)

	_, err = Parse("10s")
	assert.Error(t, err, "sub-minute intervals would hammer the feeds")

	_, err = Parse("daily")
	assert.Error(t, err)
}
