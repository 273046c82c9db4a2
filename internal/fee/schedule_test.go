package fee_test

import (
	"testing"

	"settlement/internal/fee"

	"github.com/stretchr/testify/require"
)

func manualSchedule(t *testing.T) *fee.Schedule {
	t.Helper()
	s, err := fee.NewSchedule([]fee.Band{
		{UpTo: 100, Fee: 10},
		{UpTo: 500, Fee: 50},
		{UpTo: 1000, Fee: 100},
		{UpTo: 0, Fee: 150},
	})
	require.NoError(t, err)
	return s
}

func TestLookup(t *testing.T) {
	s := manualSchedule(t)

	tests := map[string]struct {
		amount int64
		want   int64
	}{
		"small":                {amount: 60, want: 10},
		"exactly first bound":  {amount: 100, want: 10},
		"just above first":     {amount: 101, want: 50},
		"manual withdraw band": {amount: 600, want: 100},
		"exactly 1000":         {amount: 1000, want: 100},
		"large":                {amount: 2000, want: 150},
		"very large":           {amount: 1_000_000, want: 150},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, s.Lookup(tc.amount))
		})
	}
}

func TestLookupWithoutUnboundedBand(t *testing.T) {
	s := fee.MustSchedule(fee.Band{UpTo: 1000, Fee: 10}, fee.Band{UpTo: 5000, Fee: 20})
	require.Equal(t, int64(10), s.Lookup(100))
	require.Equal(t, int64(20), s.Lookup(9000))
}

func TestNewScheduleSortsBands(t *testing.T) {
	s, err := fee.NewSchedule([]fee.Band{{UpTo: 0, Fee: 30}, {UpTo: 1000, Fee: 20}, {UpTo: 100, Fee: 10}})
	require.NoError(t, err)
	require.Equal(t, []fee.Band{{UpTo: 100, Fee: 10}, {UpTo: 1000, Fee: 20}, {UpTo: 0, Fee: 30}}, s.Bands())
}

func TestNewScheduleRejectsInvalidTables(t *testing.T) {
	_, err := fee.NewSchedule(nil)
	require.ErrorIs(t, err, fee.ErrEmptySchedule)

	_, err = fee.NewSchedule([]fee.Band{{UpTo: 0, Fee: 1}, {UpTo: 0, Fee: 2}})
	require.Error(t, err)

	_, err = fee.NewSchedule([]fee.Band{{UpTo: 100, Fee: -1}})
	require.Error(t, err)

	_, err = fee.NewSchedule([]fee.Band{{UpTo: 100, Fee: 1}, {UpTo: 100, Fee: 2}})
	require.Error(t, err)
}
