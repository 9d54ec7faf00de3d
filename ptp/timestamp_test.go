package ptp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimestamp_Add(t *testing.T) {
	ts := Timestamp{Seconds: 10, Nanoseconds: 900_000_000}

	assert.Equal(t, Timestamp{Seconds: 11, Nanoseconds: 100_000_000}, ts.Add(200_000_000))
	assert.Equal(t, Timestamp{Seconds: 9, Nanoseconds: 950_000_000}, ts.Add(-950_000_000))
	assert.Equal(t, Timestamp{Seconds: 13, Nanoseconds: 900_000_000}, ts.Add(3*nsPerSecond))
	assert.Equal(t, Timestamp{}, ts.Add(-20*nsPerSecond))
}

func TestTimestamp_Valid(t *testing.T) {
	assert.False(t, NoTimestamp.Valid())
	assert.True(t, Timestamp{}.Valid())
	assert.Equal(t, "none", NoTimestamp.String())
	assert.Equal(t, "3.000000042", Timestamp{Seconds: 3, Nanoseconds: 42}.String())
	assert.True(t, NoTimestamp.Time().IsZero())

	now := time.Unix(1700000000, 123)
	assert.True(t, now.Equal(FromTime(now).Time()))
}

func TestCorrectRx(t *testing.T) {
	tests := []struct {
		name     string
		raw, now Timestamp
		expected Timestamp
	}{
		{
			name:     "no wrap",
			raw:      Timestamp{Seconds: 5, Nanoseconds: 100},
			now:      Timestamp{Seconds: 5, Nanoseconds: 200},
			expected: Timestamp{Seconds: 5, Nanoseconds: 100},
		},
		{
			name:     "wrapped since latch",
			raw:      Timestamp{Seconds: 6, Nanoseconds: 999_999_000},
			now:      Timestamp{Seconds: 6, Nanoseconds: 500},
			expected: Timestamp{Seconds: 5, Nanoseconds: 999_999_000},
		},
		{
			name:     "seconds sampled before the wrap",
			raw:      Timestamp{Seconds: 5, Nanoseconds: 999_999_000},
			now:      Timestamp{Seconds: 6, Nanoseconds: 500},
			expected: Timestamp{Seconds: 5, Nanoseconds: 999_999_000},
		},
		{
			name:     "no timestamp",
			raw:      NoTimestamp,
			now:      Timestamp{Seconds: 6, Nanoseconds: 500},
			expected: NoTimestamp,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CorrectRx(tt.raw, tt.now))
		})
	}
}
