// Package jobs materialises expert execution schedules into cron entries and
// feeds the worker queue when they fire. Schedule changes flow through a
// single control channel, so cron mutation is never concurrent.
package jobs

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/akrivos/helmsman/internal/domain"
)

// Schedule is the persisted execution schedule of an expert: the weekdays it
// runs on and the wall-clock times it fires at.
type Schedule struct {
	Days  map[string]bool `json:"days"`
	Times []string        `json:"times"`
}

// dayAbbrev maps schedule day names to cron day-of-week tokens.
var dayAbbrev = map[string]string{
	"monday":    "MON",
	"tuesday":   "TUE",
	"wednesday": "WED",
	"thursday":  "THU",
	"friday":    "FRI",
	"saturday":  "SAT",
	"sunday":    "SUN",
}

// dayOrder keeps generated cron specs deterministic.
var dayOrder = []string{"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday"}

// ParseSchedule decodes and validates a schedule document. A usable schedule
// needs at least one enabled day and one valid HH:MM time.
func ParseSchedule(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, domain.ValidationErrorf("malformed schedule: %v", err)
	}

	for day := range s.Days {
		if _, ok := dayAbbrev[strings.ToLower(day)]; !ok {
			return nil, domain.ValidationErrorf("unknown schedule day %q", day)
		}
	}
	if len(s.enabledDays()) == 0 {
		return nil, domain.ValidationErrorf("schedule enables no days")
	}

	if len(s.Times) == 0 {
		return nil, domain.ValidationErrorf("schedule has no times")
	}
	for _, t := range s.Times {
		if _, _, err := parseTime(t); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

// CronSpecs expands the schedule into one six-field cron spec per time.
func (s *Schedule) CronSpecs() []string {
	days := strings.Join(s.enabledDays(), ",")

	specs := make([]string, 0, len(s.Times))
	times := append([]string(nil), s.Times...)
	sort.Strings(times)
	for _, t := range times {
		hour, minute, err := parseTime(t)
		if err != nil {
			continue // validated at parse time
		}
		specs = append(specs, fmt.Sprintf("0 %d %d * * %s", minute, hour, days))
	}
	return specs
}

func (s *Schedule) enabledDays() []string {
	var days []string
	for _, day := range dayOrder {
		if s.Days[day] {
			days = append(days, dayAbbrev[day])
		}
	}
	return days
}

// parseTime accepts strict HH:MM wall-clock times only; trailing text or
// out-of-range components are rejected.
func parseTime(t string) (hour, minute int, err error) {
	parsed, err := time.Parse("15:04", t)
	if err != nil {
		return 0, 0, domain.ValidationErrorf("malformed schedule time %q", t)
	}
	return parsed.Hour(), parsed.Minute(), nil
}
