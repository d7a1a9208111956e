package entitlement

import (
	"sort"
	"time"
)

const day = 24 * time.Hour

// ComputeStreak derives streak statistics from distinct view dates (YYYY-MM-DD).
// today is interpreted in its own location. Unparseable dates are ignored.
func ComputeStreak(dates []string, today time.Time) Streak {
	days := make([]time.Time, 0, len(dates))
	seen := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		if _, ok := seen[d]; ok {
			continue
		}
		t, err := time.Parse(DateLayout, d)
		if err != nil {
			continue
		}
		seen[d] = struct{}{}
		days = append(days, t)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].After(days[j]) })

	out := Streak{ViewDates: make([]string, 0, len(days))}
	for _, d := range days {
		out.ViewDates = append(out.ViewDates, d.Format(DateLayout))
	}
	if len(days) == 0 {
		return out
	}

	todayDate, _ := time.Parse(DateLayout, today.Format(DateLayout))
	yesterday := todayDate.Add(-day)

	if days[0].Equal(todayDate) || days[0].Equal(yesterday) {
		out.CurrentStreak = 1
		for i := 1; i < len(days); i++ {
			if gapDays(days[i-1], days[i]) != 1 {
				break
			}
			out.CurrentStreak++
		}
	}

	longest, run := 1, 1
	for i := 1; i < len(days); i++ {
		if gapDays(days[i-1], days[i]) == 1 {
			run++
			if run > longest {
				longest = run
			}
		} else {
			run = 1
		}
	}
	out.LongestStreak = max(longest, out.CurrentStreak)

	return out
}

func gapDays(later, earlier time.Time) int {
	return int(later.Sub(earlier).Round(day) / day)
}
