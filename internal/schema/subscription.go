package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Resolution is the sampling period of a subscription.
type Resolution uint8

const (
	ResolutionUnknown Resolution = iota
	ResolutionTick
	ResolutionSecond
	ResolutionMinute
	ResolutionHour
	ResolutionDaily
)

// Duration returns the length of one period. Tick resolution has no period.
func (r Resolution) Duration() time.Duration {
	switch r {
	case ResolutionSecond:
		return time.Second
	case ResolutionMinute:
		return time.Minute
	case ResolutionHour:
		return time.Hour
	case ResolutionDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

func (r Resolution) String() string {
	switch r {
	case ResolutionTick:
		return "tick"
	case ResolutionSecond:
		return "1s"
	case ResolutionMinute:
		return "1m"
	case ResolutionHour:
		return "1h"
	case ResolutionDaily:
		return "1d"
	default:
		return "unknown"
	}
}

// ParseResolution accepts the short forms produced by Resolution.String
// and their long names.
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tick":
		return ResolutionTick, nil
	case "1s", "second":
		return ResolutionSecond, nil
	case "1m", "minute":
		return ResolutionMinute, nil
	case "1h", "hour":
		return ResolutionHour, nil
	case "1d", "daily", "day":
		return ResolutionDaily, nil
	default:
		return ResolutionUnknown, fmt.Errorf("unknown resolution: %q", s)
	}
}

// SessionHours is a regular trading session expressed in minutes after
// local midnight. The zero value means the whole day.
type SessionHours struct {
	Open  int
	Close int
}

// ParseSessionHours parses "HH:MM-HH:MM". An empty string yields the whole day.
func ParseSessionHours(s string) (SessionHours, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return SessionHours{}, nil
	}
	from, to, ok := strings.Cut(s, "-")
	if !ok {
		return SessionHours{}, fmt.Errorf("invalid session %q: expected HH:MM-HH:MM", s)
	}
	o, err := parseClock(from)
	if err != nil {
		return SessionHours{}, fmt.Errorf("invalid session open %q: %w", from, err)
	}
	c, err := parseClock(to)
	if err != nil {
		return SessionHours{}, fmt.Errorf("invalid session close %q: %w", to, err)
	}
	if c <= o {
		return SessionHours{}, fmt.Errorf("invalid session %q: close must be after open", s)
	}
	return SessionHours{Open: o, Close: c}, nil
}

func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("missing ':'")
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, err
	}
	m, err := strconv.Atoi(mm)
	if err != nil {
		return 0, err
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("out of range")
	}
	return h*60 + m, nil
}

// IsWholeDay reports whether the session spans the full day.
func (s SessionHours) IsWholeDay() bool {
	return s.Open == 0 && (s.Close == 0 || s.Close == 24*60)
}

func (s SessionHours) closeMinute() int {
	if s.Close == 0 {
		return 24 * 60
	}
	return s.Close
}

// OpenOn returns the session open on the local day containing t.
func (s SessionHours) OpenOn(t time.Time, loc *time.Location) time.Time {
	day := midnight(t, loc)
	return day.Add(time.Duration(s.Open) * time.Minute)
}

// CloseOn returns the session close on the local day containing t.
func (s SessionHours) CloseOn(t time.Time, loc *time.Location) time.Time {
	day := midnight(t, loc)
	return day.Add(time.Duration(s.closeMinute()) * time.Minute)
}

// NextOpen returns the first session open strictly after t.
func (s SessionHours) NextOpen(t time.Time, loc *time.Location) time.Time {
	open := s.OpenOn(t, loc)
	if open.After(t) {
		return open
	}
	return s.OpenOn(midnight(t, loc).AddDate(0, 0, 1), loc)
}

// Contains reports whether the period [start, end] lies inside the session of its day.
func (s SessionHours) Contains(start, end time.Time, loc *time.Location) bool {
	if s.IsWholeDay() {
		return true
	}
	open := s.OpenOn(start, loc)
	closeAt := s.CloseOn(start, loc)
	return !start.Before(open) && !end.After(closeAt)
}

func midnight(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}

// SourceKind selects the DataSourceAdapter variant backing a subscription.
type SourceKind string

const (
	SourceWAL   SourceKind = "wal"
	SourceStore SourceKind = "store"
	SourceLive  SourceKind = "live"
)

// SubscriptionID identifies an active subscription for the lifetime of a run.
type SubscriptionID uint32

// SubscriptionKey is the uniqueness key of a subscription.
type SubscriptionKey struct {
	Symbol     SymbolID
	Resolution Resolution
}

func (k SubscriptionKey) String() string {
	return fmt.Sprintf("%d-%s", k.Symbol, k.Resolution)
}

// Subscription is an immutable request for one instrument at one resolution.
type Subscription struct {
	ID            SubscriptionID
	Symbol        SymbolID
	Resolution    Resolution
	Kind          DataKind
	TimeZone      string
	Location      *time.Location
	FillForward   bool
	ExtendedHours bool
	Session       SessionHours
	Source        SourceKind
	// History, when set on a live subscription, is replayed before the live stream.
	History SourceKind
}

// Key returns the (instrument, resolution) pair.
func (s Subscription) Key() SubscriptionKey {
	return SubscriptionKey{Symbol: s.Symbol, Resolution: s.Resolution}
}

// Loc returns the subscription time zone, defaulting to UTC.
func (s Subscription) Loc() *time.Location {
	if s.Location != nil {
		return s.Location
	}
	return time.UTC
}

// InSession reports whether a point ending at end belongs to the regular session,
// or true when extended hours are requested.
func (s Subscription) InSession(end time.Time) bool {
	if s.ExtendedHours || s.Session.IsWholeDay() || s.Resolution >= ResolutionDaily {
		return true
	}
	start := end.Add(-s.Resolution.Duration())
	return s.Session.Contains(start, end, s.Loc())
}
