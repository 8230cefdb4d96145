package timespec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAt(t *testing.T) {
	now := time.Date(2025, 10, 29, 14, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		spec    string
		want    time.Time
		wantErr string
	}{
		{name: "now", spec: "now", want: now},
		{name: "now any case", spec: " NOW ", want: now},
		{name: "hours", spec: "1h", want: now.Add(-time.Hour)},
		{name: "compound duration", spec: "1h30m", want: now.Add(-90 * time.Minute)},
		{name: "rfc3339", spec: "2025-10-29T13:00:00Z", want: time.Date(2025, 10, 29, 13, 0, 0, 0, time.UTC)},
		{name: "rfc3339 with offset", spec: "2025-10-29T15:00:00+02:00", want: time.Date(2025, 10, 29, 13, 0, 0, 0, time.UTC)},
		{name: "date", spec: "2025-10-28", want: time.Date(2025, 10, 28, 0, 0, 0, 0, time.UTC)},
		{name: "date and minutes", spec: "2025-10-28 09:15", want: time.Date(2025, 10, 28, 9, 15, 0, 0, time.UTC)},
		{name: "empty", spec: "", wantErr: "empty time specification"},
		{name: "negative duration", spec: "-1h", wantErr: "negative duration"},
		{name: "garbage", spec: "yesterday", wantErr: "invalid time specification"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAt(tt.spec, now)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.UnixMilli(), got)
		})
	}
}

func TestParse_UsesWallClock(t *testing.T) {
	before := time.Now().Add(-time.Hour).UnixMilli()
	got, err := Parse("1h")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got, before)
	assert.LessOrEqual(t, got, time.Now().UnixMilli())
}

func TestParseRangeAt(t *testing.T) {
	now := time.Date(2025, 10, 29, 14, 0, 0, 0, time.UTC)

	t.Run("both bounds", func(t *testing.T) {
		since, until, err := ParseRangeAt("2h", "1h", now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(-2*time.Hour).UnixMilli(), since)
		assert.Equal(t, now.Add(-time.Hour).UnixMilli(), until)
	})

	t.Run("open ended", func(t *testing.T) {
		since, until, err := ParseRangeAt("30m", "", now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(-30*time.Minute).UnixMilli(), since)
		assert.Zero(t, until)
	})

	t.Run("inverted range", func(t *testing.T) {
		_, _, err := ParseRangeAt("1h", "2h", now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--since must be before --until")
	})

	t.Run("bad since names the flag", func(t *testing.T) {
		_, _, err := ParseRangeAt("soon", "", now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid --since")
	})

	t.Run("bad until names the flag", func(t *testing.T) {
		_, _, err := ParseRangeAt("", "later", now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid --until")
	})
}
