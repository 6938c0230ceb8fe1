package temporal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name    string
		filter  Filter
		inside  []time.Time
		outside []time.Time
	}{
		{
			name:    "during period is inclusive",
			filter:  Period(During, t0, t1),
			inside:  []time.Time{t0, t0.Add(time.Minute), t1},
			outside: []time.Time{t0.Add(-time.Nanosecond), t1.Add(time.Nanosecond), t2},
		},
		{
			name:    "equals instant",
			filter:  Instant(Equals, t1),
			inside:  []time.Time{t1},
			outside: []time.Time{t0, t2},
		},
		{
			name:    "equals empty period",
			filter:  Period(Equals, t1, t1),
			inside:  []time.Time{t1},
			outside: []time.Time{t0, t2},
		},
		{
			name:    "before instant is exclusive",
			filter:  Instant(Before, t1),
			inside:  []time.Time{t0},
			outside: []time.Time{t1, t2},
		},
		{
			name:    "before period uses begin",
			filter:  Period(Before, t1, t2),
			inside:  []time.Time{t0},
			outside: []time.Time{t1, t2},
		},
		{
			name:    "after instant is exclusive",
			filter:  Instant(After, t1),
			inside:  []time.Time{t2},
			outside: []time.Time{t0, t1},
		},
		{
			name:    "after period uses end",
			filter:  Period(After, t0, t1),
			inside:  []time.Time{t2},
			outside: []time.Time{t0, t1},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := PhenomenonTime{}.Translate(tt.filter)
			require.NoError(t, err)
			for _, ts := range tt.inside {
				require.True(t, r.Contains(ts), "%s should match %s", tt.filter, ts)
			}
			for _, ts := range tt.outside {
				require.False(t, r.Contains(ts), "%s should not match %s", tt.filter, ts)
			}
		})
	}
}

func TestTranslate_Invalid(t *testing.T) {
	invalid := []Filter{
		Instant(During, t0),
		Period(Equals, t0, t1),
		Period(During, t1, t0),
		{Operator: "overlaps", Begin: t0},
		{Operator: Before},
	}
	for _, f := range invalid {
		_, err := PhenomenonTime{}.Translate(f)
		require.ErrorIs(t, err, ErrInvalidFilter, "filter %s", f)
	}
}

func TestTranslateAll(t *testing.T) {
	ranges, err := TranslateAll(PhenomenonTime{}, nil)
	require.NoError(t, err)
	require.Nil(t, ranges)

	ranges, err = TranslateAll(PhenomenonTime{}, []Filter{Instant(After, t0), Instant(Before, t2)})
	require.NoError(t, err)
	require.Len(t, ranges, 2)

	_, err = TranslateAll(PhenomenonTime{}, []Filter{Instant(After, t0), Instant(During, t2)})
	require.ErrorIs(t, err, ErrInvalidFilter)
}
