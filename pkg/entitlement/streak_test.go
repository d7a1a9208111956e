package entitlement_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Elisa-Alvarez/Starlight/pkg/entitlement"
)

func day(s string) time.Time {
	t, err := time.Parse(entitlement.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t.Add(15 * time.Hour)
}

func TestComputeStreak(t *testing.T) {
	dates := []string{"2024-01-10", "2024-01-09", "2024-01-08", "2024-01-05"}

	tests := []struct {
		name    string
		dates   []string
		today   time.Time
		current int
		longest int
	}{
		{"run ends today", dates, day("2024-01-10"), 3, 3},
		{"run ends yesterday", dates, day("2024-01-11"), 3, 3},
		{"run is stale", dates, day("2024-01-12"), 0, 3},
		{"older run is longest", []string{"2024-01-10", "2024-01-05", "2024-01-04", "2024-01-03", "2024-01-02"}, day("2024-01-10"), 1, 4},
		{"single day", []string{"2024-01-10"}, day("2024-01-10"), 1, 1},
		{"single stale day", []string{"2024-01-01"}, day("2024-01-10"), 0, 1},
		{"unsorted input with duplicates", []string{"2024-01-08", "2024-01-10", "2024-01-09", "2024-01-10"}, day("2024-01-10"), 3, 3},
		{"crosses month boundary", []string{"2024-03-01", "2024-02-29", "2024-02-28"}, day("2024-03-01"), 3, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := entitlement.ComputeStreak(tt.dates, tt.today)
			assert.Equal(t, tt.current, got.CurrentStreak)
			assert.Equal(t, tt.longest, got.LongestStreak)
			assert.GreaterOrEqual(t, got.LongestStreak, got.CurrentStreak)
		})
	}
}

func TestComputeStreak_Empty(t *testing.T) {
	got := entitlement.ComputeStreak(nil, day("2024-01-10"))
	assert.Equal(t, 0, got.CurrentStreak)
	assert.Equal(t, 0, got.LongestStreak)
	assert.NotNil(t, got.ViewDates)
	assert.Empty(t, got.ViewDates)
}

func TestComputeStreak_ViewDatesDescending(t *testing.T) {
	got := entitlement.ComputeStreak([]string{"2024-01-05", "2024-01-10", "2024-01-08"}, day("2024-01-10"))
	assert.Equal(t, []string{"2024-01-10", "2024-01-08", "2024-01-05"}, got.ViewDates)
}

func TestComputeStreak_TodayInUserZone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 20:00 UTC on Jan 9 is already Jan 10 in Tokyo
	now := time.Date(2024, 1, 9, 20, 0, 0, 0, time.UTC).In(tokyo)

	got := entitlement.ComputeStreak([]string{"2024-01-10"}, now)
	assert.Equal(t, 1, got.CurrentStreak)
}
