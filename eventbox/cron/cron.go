package cron

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/AltairBanking/lib-eventbox/v2/eventbox/assert"
)

// ErrInvalidExpression is returned when a cron expression cannot be parsed
// due to incorrect field count, out-of-range values, or malformed syntax.
var ErrInvalidExpression = errors.New("invalid cron expression")

// ErrNoMatch is returned when Next exhausts its search horizon without
// finding a time that satisfies all cron fields.
var ErrNoMatch = errors.New("cron: no matching time found within iteration limit")

// ErrNilSchedule is returned when Next is called on a nil schedule receiver.
var ErrNilSchedule = errors.New("cron schedule is nil")

// fieldSpec describes one position of a 5-field expression.
type fieldSpec struct {
	name string
	min  int
	max  int
}

var fieldSpecs = [5]fieldSpec{
	{name: "minute", min: 0, max: 59},
	{name: "hour", min: 0, max: 23},
	{name: "day-of-month", min: 1, max: 31},
	{name: "month", min: 1, max: 12},
	{name: "day-of-week", min: 0, max: 6},
}

// fieldMask is a bit set over the allowed values of one cron field. Bit v
// is set when value v matches. All field domains fit in 64 bits.
type fieldMask uint64

func (m fieldMask) has(v int) bool {
	return m&(1<<uint(v)) != 0
}

func (m *fieldMask) span(lo, hi, step int) {
	for v := lo; v <= hi; v += step {
		*m |= 1 << uint(v)
	}
}

// Schedule represents a parsed cron schedule capable of computing
// the next execution time after a given reference time.
type Schedule interface {
	Next(time.Time) (time.Time, error)
}

type schedule struct {
	minute fieldMask
	hour   fieldMask
	dom    fieldMask
	month  fieldMask
	dow    fieldMask
}

// Parse parses a standard 5-field cron expression
// (minute hour day-of-month month day-of-week) and returns a Schedule.
// Lists, ranges, steps and "*" are supported in every field. Returns
// ErrInvalidExpression when the expression is malformed or a value falls
// outside its field's domain.
func Parse(expr string) (Schedule, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}

	if len(fields) != len(fieldSpecs) {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidExpression, len(fieldSpecs), len(fields))
	}

	var masks [5]fieldMask

	for i, raw := range fields {
		mask, err := parseField(raw, fieldSpecs[i])
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", fieldSpecs[i].name, err)
		}

		masks[i] = mask
	}

	return &schedule{
		minute: masks[0],
		hour:   masks[1],
		dom:    masks[2],
		month:  masks[3],
		dow:    masks[4],
	}, nil
}

// searchHorizon bounds Next to a little over one year of minutes, enough
// for any satisfiable 5-field expression.
const searchHorizon = 366 * 24 * 60

// Next computes the next execution time strictly after from, in UTC.
// The candidate starts at the following whole minute and is advanced
// field by field (month, then day, then hour, then minute) until every
// mask matches. Returns ErrNoMatch when the horizon is exhausted, which
// only happens for impossible day/month combinations.
func (sched *schedule) Next(from time.Time) (time.Time, error) {
	if sched == nil {
		asserter := assert.New(context.Background(), nil, "cron", "Next")
		_ = asserter.NoError(context.Background(), ErrNilSchedule, "cannot calculate next run from nil schedule")

		return time.Time{}, ErrNilSchedule
	}

	candidate := from.UTC().Truncate(time.Minute).Add(time.Minute)

	for i := 0; i < searchHorizon; i++ {
		switch {
		case !sched.month.has(int(candidate.Month())):
			// Jump to the first minute of the next month.
			candidate = time.Date(candidate.Year(), candidate.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		case !sched.dom.has(candidate.Day()) || !sched.dow.has(int(candidate.Weekday())):
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1, 0, 0, 0, 0, time.UTC)
		case !sched.hour.has(candidate.Hour()):
			candidate = candidate.Add(time.Hour).Truncate(time.Hour)
		case !sched.minute.has(candidate.Minute()):
			candidate = candidate.Add(time.Minute)
		default:
			return candidate, nil
		}
	}

	return time.Time{}, ErrNoMatch
}

// parseField builds the value mask for one comma-separated field.
func parseField(raw string, spec fieldSpec) (fieldMask, error) {
	var mask fieldMask

	for _, item := range strings.Split(raw, ",") {
		if err := parseItem(item, spec, &mask); err != nil {
			return 0, err
		}
	}

	return mask, nil
}

// parseItem handles one list item: "*", "lo-hi", a bare value, each with
// an optional "/step" suffix. A bare value with a step opens a range up to
// the field maximum, matching vixie cron.
func parseItem(item string, spec fieldSpec, mask *fieldMask) error {
	base := item
	step := 1

	if idx := strings.IndexByte(item, '/'); idx >= 0 {
		parsed, err := strconv.Atoi(item[idx+1:])
		if err != nil || parsed <= 0 {
			return fmt.Errorf("%w: invalid step %q", ErrInvalidExpression, item[idx+1:])
		}

		base = item[:idx]
		step = parsed
	}

	hasStep := base != item

	switch {
	case base == "*":
		mask.span(spec.min, spec.max, step)
	case strings.ContainsRune(base, '-'):
		lo, hi, err := splitRange(base, spec)
		if err != nil {
			return err
		}

		mask.span(lo, hi, step)
	default:
		v, err := strconv.Atoi(base)
		if err != nil {
			return fmt.Errorf("%w: invalid value %q", ErrInvalidExpression, base)
		}

		if v < spec.min || v > spec.max {
			return fmt.Errorf("%w: value %d out of bounds [%d, %d]", ErrInvalidExpression, v, spec.min, spec.max)
		}

		if hasStep {
			mask.span(v, spec.max, step)
		} else {
			mask.span(v, v, 1)
		}
	}

	return nil
}

func splitRange(base string, spec fieldSpec) (int, int, error) {
	bounds := strings.SplitN(base, "-", 2)

	lo, err := strconv.Atoi(bounds[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid range start %q", ErrInvalidExpression, bounds[0])
	}

	hi, err := strconv.Atoi(bounds[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid range end %q", ErrInvalidExpression, bounds[1])
	}

	if lo < spec.min || hi > spec.max || lo > hi {
		return 0, 0, fmt.Errorf("%w: range %d-%d out of bounds [%d, %d]", ErrInvalidExpression, lo, hi, spec.min, spec.max)
	}

	return lo, hi, nil
}
