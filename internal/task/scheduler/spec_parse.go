package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a schedule string classified as cron or interval.
//
// Accepted:
//
//	"*/5 * * * *", "0 3 * * *", "@daily"     cron (robfig syntax)
//	"@every 90s", "55m", "2h30m"             interval
//	"02:30"                                  interval of 2h30m
//	"cron:<expr>", "interval:<d>", "every:<d>" force the kind
type ParsedSpec struct {
	Kind  SpecKind
	Cron  string
	Every time.Duration
}

var errNonPositive = errors.New("interval must be > 0")

func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}

	if rest, ok := cutPrefixFold(s, "cron:"); ok {
		if rest == "" {
			return ParsedSpec{}, errors.New("cron expression required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: rest}, nil
	}
	// @every is handled here rather than by cron so the job gets the
	// anchored interval schedule.
	for _, p := range []string{"interval:", "every:", "@every"} {
		if rest, ok := cutPrefixFold(s, p); ok {
			return intervalSpec(rest)
		}
	}

	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t\r\n") {
		return ParsedSpec{Kind: SpecCron, Cron: s}, nil
	}
	if ps, err := intervalSpec(s); err == nil || errors.Is(err, errNonPositive) {
		return ps, err
	}
	return ParsedSpec{}, fmt.Errorf("invalid schedule %q: want cron ('*/5 * * * *'), HH:MM ('02:30') or a duration ('55m')", raw)
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(s[len(prefix):]), true
}

func intervalSpec(v string) (ParsedSpec, error) {
	d, err := parseInterval(v)
	if err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: SpecInterval, Every: d}, nil
}

// parseInterval accepts a Go duration or HH:MM (hours unbounded, minutes < 60).
func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, errors.New("interval required")
	}

	var d time.Duration
	if hh, mm, ok := strings.Cut(v, ":"); ok {
		h, err1 := strconv.Atoi(hh)
		m, err2 := strconv.Atoi(mm)
		if err1 != nil || err2 != nil || len(mm) != 2 || h < 0 || m < 0 {
			return 0, fmt.Errorf("invalid HH:MM %q", v)
		}
		if m > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(h)*time.Hour + time.Duration(m)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return 0, fmt.Errorf("invalid interval %q", v)
		}
	}
	if d <= 0 {
		return 0, errNonPositive
	}
	return d, nil
}
