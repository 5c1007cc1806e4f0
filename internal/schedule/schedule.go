// Package schedule parses the trigger expressions of the scheduled functions.
//
// Both the standard five-field cron form and the cloud event forms
// `cron(min hour dom month dow year)` and `rate(n unit)` are accepted.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron"
)

var dowNumber = regexp.MustCompile(`\d+`)

// Parse returns the schedule described by expr.
func Parse(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	switch {
	case expr == "":
		return nil, errors.New("schedule expression is required")
	case strings.HasPrefix(expr, "rate(") && strings.HasSuffix(expr, ")"):
		d, err := parseRate(strings.TrimSuffix(strings.TrimPrefix(expr, "rate("), ")"))
		if err != nil {
			return nil, err
		}
		return cron.Every(d), nil
	case strings.HasPrefix(expr, "cron(") && strings.HasSuffix(expr, ")"):
		standard, err := fromEventCron(strings.TrimSuffix(strings.TrimPrefix(expr, "cron("), ")"))
		if err != nil {
			return nil, err
		}
		return parseStandard(standard)
	default:
		return parseStandard(expr)
	}
}

// Next returns the first activation of expr strictly after from.
func Next(expr string, from time.Time) (time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(from), nil
}

func parseStandard(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}
	return sched, nil
}

// fromEventCron converts the six-field event form to standard cron.
// Day-of-week numbers are 1-7 starting on Sunday in the event form.
func fromEventCron(expr string) (string, error) {
	fields := strings.Fields(expr)
	if len(fields) != 6 {
		return "", fmt.Errorf("cron(%s): expected 6 fields, got %d", expr, len(fields))
	}
	if year := fields[5]; year != "*" && year != "?" {
		return "", fmt.Errorf("cron(%s): year field %q is not supported", expr, year)
	}
	if fields[2] != "?" && fields[4] != "?" {
		return "", fmt.Errorf("cron(%s): one of day-of-month or day-of-week must be ?", expr)
	}
	var convErr error
	fields[4] = dowNumber.ReplaceAllStringFunc(fields[4], func(s string) string {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 7 {
			convErr = fmt.Errorf("cron(%s): day-of-week %q out of range", expr, s)
			return s
		}
		return strconv.Itoa(n - 1)
	})
	if convErr != nil {
		return "", convErr
	}
	return strings.Join(fields[:5], " "), nil
}

func parseRate(expr string) (time.Duration, error) {
	parts := strings.Fields(expr)
	if len(parts) != 2 {
		return 0, fmt.Errorf("rate(%s): expected value and unit", expr)
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("rate(%s): value must be a positive integer", expr)
	}
	var unit time.Duration
	switch strings.TrimSuffix(parts[1], "s") {
	case "minute":
		unit = time.Minute
	case "hour":
		unit = time.Hour
	case "day":
		unit = 24 * time.Hour
	default:
		return 0, fmt.Errorf("rate(%s): unknown unit %q", expr, parts[1])
	}
	return time.Duration(n) * unit, nil
}
