package index

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MaxBuckets caps the number of buckets a range lookup may touch.
const MaxBuckets = 4096

// ErrRangeTooWide is returned when a time window spans more than MaxBuckets buckets.
var ErrRangeTooWide = errors.New("rowsaga: time range spans too many buckets")

// Granularity is the width of a time bucket.
type Granularity int

const (
	Year Granularity = iota + 1
	Month
	Day
	Hour
	Minute
	Second
)

var layouts = map[Granularity]string{
	Year:   "2006",
	Month:  "2006-01",
	Day:    "2006-01-02",
	Hour:   "2006-01-02T15",
	Minute: "2006-01-02T15:04",
	Second: "2006-01-02T15:04:05",
}

func (g Granularity) String() string {
	switch g {
	case Year:
		return "year"
	case Month:
		return "month"
	case Day:
		return "day"
	case Hour:
		return "hour"
	case Minute:
		return "minute"
	case Second:
		return "second"
	default:
		return fmt.Sprintf("granularity(%d)", int(g))
	}
}

// ParseGranularity parses a granularity name such as "day".
func ParseGranularity(s string) (Granularity, error) {
	for g := Year; g <= Second; g++ {
		if strings.EqualFold(s, g.String()) {
			return g, nil
		}
	}
	return 0, fmt.Errorf("unknown granularity %q", s)
}

// Truncate returns the start of the bucket holding t, in UTC.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Year:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	case Month:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Hour:
		return t.Truncate(time.Hour)
	case Minute:
		return t.Truncate(time.Minute)
	default:
		return t.Truncate(time.Second)
	}
}

// Bucket returns the lookup key of the bucket holding t.
func (g Granularity) Bucket(t time.Time) string {
	layout, ok := layouts[g]
	if !ok {
		layout = layouts[Second]
	}
	return g.Truncate(t).Format(layout)
}

func (g Granularity) next(t time.Time) time.Time {
	switch g {
	case Year:
		return t.AddDate(1, 0, 0)
	case Month:
		return t.AddDate(0, 1, 0)
	case Day:
		return t.AddDate(0, 0, 1)
	case Hour:
		return t.Add(time.Hour)
	case Minute:
		return t.Add(time.Minute)
	default:
		return t.Add(time.Second)
	}
}

// Buckets returns the keys of every bucket overlapping [from, to] in
// chronological order.
func Buckets(from, to time.Time, g Granularity) ([]string, error) {
	if to.Before(from) {
		from, to = to, from
	}
	var out []string
	for t := g.Truncate(from); !t.After(to); t = g.next(t) {
		if len(out) == MaxBuckets {
			return nil, fmt.Errorf("%w: %s to %s by %s", ErrRangeTooWide, from, to, g)
		}
		out = append(out, g.Bucket(t))
	}
	return out, nil
}
