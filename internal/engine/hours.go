package engine

import (
	"fmt"
	"time"
)

// Hours gates signal generation to the exchange session. Candles are
// still aggregated outside the session; only entries are blocked.
type Hours struct {
	loc      *time.Location
	openMin  int // minutes since midnight, exchange time
	closeMin int
}

// NewHours parses "HH:MM" open/close times in the given timezone.
func NewHours(timezone, open, close string) (*Hours, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", timezone, err)
	}
	openMin, err := parseClock(open)
	if err != nil {
		return nil, fmt.Errorf("invalid session open: %w", err)
	}
	closeMin, err := parseClock(close)
	if err != nil {
		return nil, fmt.Errorf("invalid session close: %w", err)
	}
	if closeMin <= openMin {
		return nil, fmt.Errorf("session close %s must be after open %s", close, open)
	}
	return &Hours{loc: loc, openMin: openMin, closeMin: closeMin}, nil
}

func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("clock out of range: %q", s)
	}
	return h*60 + m, nil
}

// InSession reports whether t falls inside the trading session.
// Weekends are always out.
func (h *Hours) InSession(t time.Time) bool {
	local := t.In(h.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= h.openMin && minutes < h.closeMin
}

// AfterClose reports whether t is past the session close on a weekday.
func (h *Hours) AfterClose(t time.Time) bool {
	local := t.In(h.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return local.Hour()*60+local.Minute() >= h.closeMin
}

// SessionDate formats t's trading date in exchange time.
func (h *Hours) SessionDate(t time.Time) string {
	return t.In(h.loc).Format("2006-01-02")
}

// SinceOpen returns minutes elapsed since the session open, negative
// before the open.
func (h *Hours) SinceOpen(t time.Time) int {
	local := t.In(h.loc)
	return local.Hour()*60 + local.Minute() - h.openMin
}
