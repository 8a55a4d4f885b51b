package domain

import (
	"fmt"
	"time"
)

// Interval is a supported candle granularity.
type Interval int

const (
	Interval1m Interval = iota + 1
	Interval3m
	Interval5m
	Interval15m
	Interval30m
	Interval1h
	Interval2h
	Interval4h
	Interval6h
	Interval8h
	Interval12h
	Interval1d
	Interval3d
	Interval1w
	Interval1M
)

type intervalInfo struct {
	token string
	label string
	// fixed is zero for calendar-relative intervals.
	fixed time.Duration
}

var intervalTable = map[Interval]intervalInfo{
	Interval1m:  {"1m", "1 minute", time.Minute},
	Interval3m:  {"3m", "3 minutes", 3 * time.Minute},
	Interval5m:  {"5m", "5 minutes", 5 * time.Minute},
	Interval15m: {"15m", "15 minutes", 15 * time.Minute},
	Interval30m: {"30m", "30 minutes", 30 * time.Minute},
	Interval1h:  {"1h", "1 hour", time.Hour},
	Interval2h:  {"2h", "2 hours", 2 * time.Hour},
	Interval4h:  {"4h", "4 hours", 4 * time.Hour},
	Interval6h:  {"6h", "6 hours", 6 * time.Hour},
	Interval8h:  {"8h", "8 hours", 8 * time.Hour},
	Interval12h: {"12h", "12 hours", 12 * time.Hour},
	Interval1d:  {"1d", "1 day", 24 * time.Hour},
	Interval3d:  {"3d", "3 days", 3 * 24 * time.Hour},
	Interval1w:  {"1w", "1 week", 7 * 24 * time.Hour},
	Interval1M:  {"1M", "1 month", 0},
}

var tokenTable = func() map[string]Interval {
	m := make(map[string]Interval, len(intervalTable))
	for iv, info := range intervalTable {
		if _, dup := m[info.token]; dup {
			panic(fmt.Sprintf("domain: duplicate interval token %q", info.token))
		}
		m[info.token] = iv
	}
	return m
}()

// Intervals returns every supported interval, shortest first.
func Intervals() []Interval {
	return []Interval{
		Interval1m, Interval3m, Interval5m, Interval15m, Interval30m,
		Interval1h, Interval2h, Interval4h, Interval6h, Interval8h, Interval12h,
		Interval1d, Interval3d, Interval1w, Interval1M,
	}
}

// ParseInterval maps an exchange wire token (e.g. "15m", "1M") to an
// Interval. Tokens are case-sensitive: "1m" is one minute, "1M" one month.
func ParseInterval(token string) (Interval, error) {
	iv, ok := tokenTable[token]
	if !ok {
		return 0, &UnknownTokenError{Token: token}
	}
	return iv, nil
}

// Valid reports whether i is a member of the catalog.
func (i Interval) Valid() bool {
	_, ok := intervalTable[i]
	return ok
}

// Token returns the exchange wire token. Unknown intervals yield "".
func (i Interval) Token() string {
	return intervalTable[i].token
}

// String implements fmt.Stringer using the wire token.
func (i Interval) String() string {
	if t := i.Token(); t != "" {
		return t
	}
	return fmt.Sprintf("Interval(%d)", int(i))
}

// MarshalText encodes the interval as its wire token.
func (i Interval) MarshalText() ([]byte, error) {
	if !i.Valid() {
		return nil, &UnknownTokenError{Token: i.String()}
	}
	return []byte(i.Token()), nil
}

// UnmarshalText parses a wire token.
func (i *Interval) UnmarshalText(text []byte) error {
	iv, err := ParseInterval(string(text))
	if err != nil {
		return err
	}
	*i = iv
	return nil
}

// Label returns a human readable name such as "4 hours".
func (i Interval) Label() string {
	return intervalTable[i].label
}

// IsCalendar reports whether the interval length depends on the calendar.
func (i Interval) IsCalendar() bool {
	return i == Interval1M
}

// Duration returns the length of the bucket that starts at ref. Only the
// month interval looks at ref; it uses the true number of days in ref's month.
func (i Interval) Duration(ref time.Time) time.Duration {
	if i == Interval1M {
		ref = ref.UTC()
		return time.Duration(DaysInMonth(ref.Year(), ref.Month())) * 24 * time.Hour
	}
	return intervalTable[i].fixed
}

// Seconds returns Duration(ref) in whole seconds.
func (i Interval) Seconds(ref time.Time) int64 {
	return int64(i.Duration(ref) / time.Second)
}

// Minutes returns Duration(ref) in whole minutes.
func (i Interval) Minutes(ref time.Time) int64 {
	return int64(i.Duration(ref) / time.Minute)
}

// Next returns the open time of the bucket following the one opened at t.
func (i Interval) Next(t time.Time) time.Time {
	return t.Add(i.Duration(t))
}

// Align returns the open time of the bucket containing t, in UTC. Weeks open
// on Monday 00:00 and months on the 1st, matching the exchange.
func (i Interval) Align(t time.Time) time.Time {
	t = t.UTC()
	switch i {
	case Interval1M:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Interval1w:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default:
		// Fixed buckets are counted from the Unix epoch, not Go's zero time.
		step := intervalTable[i].fixed.Milliseconds()
		ms := t.UnixMilli()
		rem := ms % step
		if rem < 0 {
			rem += step
		}
		return time.UnixMilli(ms - rem).UTC()
	}
}

// IsLeapYear applies the Gregorian rule.
func IsLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

// DaysInMonth returns the number of days in the given month.
func DaysInMonth(year int, month time.Month) int {
	switch month {
	case time.February:
		if IsLeapYear(year) {
			return 29
		}
		return 28
	case time.April, time.June, time.September, time.November:
		return 30
	default:
		return 31
	}
}
