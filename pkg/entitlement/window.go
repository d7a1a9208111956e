package entitlement

import "time"

// Clock supplies the current time. Tests substitute a fixed clock.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface
type ClockFunc func() time.Time

// Now returns f()
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns wall-clock time in UTC
type SystemClock struct{}

// Now returns time.Now().UTC()
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Location loads the IANA zone tz, falling back to UTC when it is empty or unknown
func Location(tz string) *time.Location {
	if tz == "" || tz == DefaultTimezone {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ValidateTimezone returns ErrInvalidTimezone if tz cannot be loaded
func ValidateTimezone(tz string) error {
	if tz == "" {
		return ErrInvalidTimezone
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return ErrInvalidTimezone
	}
	return nil
}

// LocalDate returns the calendar date of now in tz, formatted as YYYY-MM-DD
func LocalDate(now time.Time, tz string) string {
	return now.In(Location(tz)).Format(DateLayout)
}

// CountFor returns the usage count that applies to today's window
func CountFor(ent *Entitlement, now time.Time) int {
	if ent.WindowDate != LocalDate(now, ent.Timezone) {
		return 0
	}
	return ent.DailyCount
}

// NewEntitlement builds the record created lazily on first access
func NewEntitlement(userID string, now time.Time, trialDays int) *Entitlement {
	now = now.UTC()
	ent := &Entitlement{
		UserID:     userID,
		Tier:       TierFree,
		Timezone:   DefaultTimezone,
		WindowDate: LocalDate(now, DefaultTimezone),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if trialDays > 0 {
		trialEnds := now.Add(time.Duration(trialDays) * 24 * time.Hour)
		ent.TrialEndsAt = &trialEnds
	}
	return ent
}
