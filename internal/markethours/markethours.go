// Package markethours holds the NSE session calendar and the clock
// arithmetic used by the trading runtime. Every session-local computation is
// done in IST regardless of the host time zone.
package markethours

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Session clock points in IST.
var (
	Open  = Clock{9, 15}
	Close = Clock{15, 30}

	// OpeningRangeStart/End bound the Opening Range band [start, end).
	OpeningRangeStart = Clock{9, 15}
	OpeningRangeEnd   = Clock{9, 45}

	// EntryFloor is the earliest time any entry may be taken.
	EntryFloor = Clock{9, 45}

	// TimeExit is the hard cutoff after which every open position is closed.
	TimeExit = Clock{15, 20}
)

// Clock is a wall-clock time of day in IST, minute resolution.
type Clock struct {
	Hour   int
	Minute int
}

// Minutes returns minutes since midnight.
func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

// String formats the clock as HH:MM.
func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// On returns the absolute instant of this clock on t's IST date.
func (c Clock) On(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), c.Hour, c.Minute, 0, 0, IST)
}

// ParseClock parses "HH:MM" (also "H:MM" and "HH:MM:SS").
func ParseClock(s string) (Clock, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Clock{}, fmt.Errorf("markethours: invalid clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return Clock{}, fmt.Errorf("markethours: invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return Clock{}, fmt.Errorf("markethours: invalid minute in %q", s)
	}
	return Clock{h, m}, nil
}

// ClockOf returns t's IST time of day.
func ClockOf(t time.Time) Clock {
	ist := t.In(IST)
	return Clock{ist.Hour(), ist.Minute()}
}

// MinuteOfDay returns minutes since IST midnight for t.
func MinuteOfDay(t time.Time) int {
	ist := t.In(IST)
	return ist.Hour()*60 + ist.Minute()
}

// SessionDate returns t's IST calendar date as "2006-01-02".
func SessionDate(t time.Time) string {
	return t.In(IST).Format("2006-01-02")
}

// StartOfDay returns IST midnight of t's date.
func StartOfDay(t time.Time) time.Time {
	ist := t.In(IST)
	return time.Date(ist.Year(), ist.Month(), ist.Day(), 0, 0, 0, 0, IST)
}

// IsMarketOpen returns true if t falls within NSE trading hours
// (9:15 AM – 3:30 PM IST, Mon–Fri, excluding holidays).
func IsMarketOpen(t time.Time) bool {
	if !IsTradingDay(t) {
		return false
	}
	hm := MinuteOfDay(t)
	return hm >= Open.Minutes() && hm < Close.Minutes()
}

// IsWeekday returns true if t is Mon–Fri.
func IsWeekday(t time.Time) bool {
	wd := t.In(IST).Weekday()
	return wd >= time.Monday && wd <= time.Friday
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func IsTradingDay(t time.Time) bool {
	return IsWeekday(t) && !IsHoliday(t)
}

// NextOpen returns the next market open time (9:15 AM IST on next trading day).
// If t is before today's open on a trading day, returns today's open.
func NextOpen(t time.Time) time.Time {
	todayOpen := Open.On(t)
	if t.Before(todayOpen) && IsTradingDay(t) {
		return todayOpen
	}
	d := StartOfDay(t).AddDate(0, 0, 1)
	for i := 0; i < 10; i++ { // weekends + holiday clusters
		if IsTradingDay(d) {
			return Open.On(d)
		}
		d = d.AddDate(0, 0, 1)
	}
	return Open.On(StartOfDay(t).AddDate(0, 0, 1))
}

// TodayClose returns today's market close time (3:30 PM IST).
func TodayClose(t time.Time) time.Time {
	return Close.On(t)
}

// StatusString returns a human-readable market status.
func StatusString(t time.Time) string {
	if IsMarketOpen(t) {
		return fmt.Sprintf("Market Open — closes in %s", fmtDur(TodayClose(t).Sub(t)))
	}
	next := NextOpen(t)
	ist := next.In(IST)
	return fmt.Sprintf("Market Closed — opens %s %s (%s)",
		ist.Weekday().String()[:3], ist.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
