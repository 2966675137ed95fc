package cron

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is a parsed five-field cron expression.
type Expr struct {
	raw    string
	minute fieldSet
	hour   fieldSet
	dom    fieldSet
	month  fieldSet
	dow    fieldSet
}

// String returns the expression as originally given to Parse.
func (e Expr) String() string {
	return e.raw
}

type fieldSet map[int]bool

var shortcuts = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

var monthNames = map[string]int{
	"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
	"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
}

var dayNames = map[string]int{
	"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
}

// Parse parses a standard five-field cron expression or one of the named
// shortcuts (@daily, @hourly, ...) into an Expr.
func Parse(expr string) (Expr, error) {
	trimmed := strings.TrimSpace(expr)
	if expanded, ok := shortcuts[strings.ToLower(trimmed)]; ok {
		trimmed = expanded
	}

	fields := strings.Fields(trimmed)
	if len(fields) != 5 {
		return Expr{}, fmt.Errorf("cron: expected 5 fields, got %d in %q", len(fields), expr)
	}

	minute, err := parseField(fields[0], 0, 59, nil)
	if err != nil {
		return Expr{}, fmt.Errorf("cron: minute field: %w", err)
	}
	hour, err := parseField(fields[1], 0, 23, nil)
	if err != nil {
		return Expr{}, fmt.Errorf("cron: hour field: %w", err)
	}
	dom, err := parseField(fields[2], 1, 31, nil)
	if err != nil {
		return Expr{}, fmt.Errorf("cron: day-of-month field: %w", err)
	}
	month, err := parseField(fields[3], 1, 12, monthNames)
	if err != nil {
		return Expr{}, fmt.Errorf("cron: month field: %w", err)
	}
	dow, err := parseField(fields[4], 0, 7, dayNames)
	if err != nil {
		return Expr{}, fmt.Errorf("cron: day-of-week field: %w", err)
	}
	// 7 is an accepted alias for Sunday (0) in the day-of-week field.
	if dow[7] {
		delete(dow, 7)
		dow[0] = true
	}

	return Expr{raw: expr, minute: minute, hour: hour, dom: dom, month: month, dow: dow}, nil
}

// parseField parses one comma-separated cron field into the set of values
// it matches. names, if non-nil, maps case-insensitive symbolic names (JAN,
// MON, ...) to their numeric value, tried before numeric parsing.
func parseField(field string, min, max int, names map[string]int) (fieldSet, error) {
	set := make(fieldSet)
	for _, part := range strings.Split(field, ",") {
		if err := parseRangePart(part, min, max, names, set); err != nil {
			return nil, err
		}
	}
	return set, nil
}

func parseRangePart(part string, min, max int, names map[string]int, set fieldSet) error {
	rangeSpec, stepStr, hasStep := strings.Cut(part, "/")
	step := 1
	if hasStep {
		var err error
		step, err = strconv.Atoi(stepStr)
		if err != nil || step <= 0 {
			return fmt.Errorf("invalid step %q", stepStr)
		}
	}

	var lo, hi int
	switch {
	case rangeSpec == "*":
		lo, hi = min, max
	default:
		fromStr, toStr, isRange := strings.Cut(rangeSpec, "-")
		from, err := resolveValue(fromStr, names)
		if err != nil {
			return err
		}
		if isRange {
			to, err := resolveValue(toStr, names)
			if err != nil {
				return err
			}
			lo, hi = from, to
		} else {
			if hasStep {
				// "A/S" means "every S starting at A" through the field's max.
				lo, hi = from, max
			} else {
				lo, hi = from, from
			}
		}
	}

	if lo < min || hi > max || lo > hi {
		return fmt.Errorf("value out of range %d-%d for field bound %d-%d", lo, hi, min, max)
	}

	for v := lo; v <= hi; v += step {
		set[v] = true
	}
	return nil
}

func resolveValue(s string, names map[string]int) (int, error) {
	if names != nil {
		if v, ok := names[strings.ToUpper(s)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q", s)
	}
	return v, nil
}
