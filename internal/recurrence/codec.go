// Package recurrence parses, serializes and evaluates the supported subset of RFC5545 rules.
//
// github.com/teambition/rrule-go does the tokenizing and the date iteration; this package narrows
// its options to FREQ (DAILY..YEARLY), INTERVAL, BYDAY (plain weekdays), COUNT and UNTIL and keeps
// every caller away from the library types.
package recurrence

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/and161185/gophcal/internal/civil"
	"github.com/and161185/gophcal/internal/errs"
	"github.com/and161185/gophcal/internal/model"
)

// untilLayout is the RFC5545 UTC DATE-TIME form.
const untilLayout = "20060102T150405Z"

// Codec is the rule codec consumed by the service layer.
type Codec interface {
	Parse(text string, start time.Time, loc *time.Location) (model.RecurrenceRule, error)
	Serialize(rule model.RecurrenceRule) string
	ShiftWeekdays(rule model.RecurrenceRule, originalStart, newStart time.Time) model.RecurrenceRule
}

// RRule implements Codec on top of rrule-go.
type RRule struct{}

var _ Codec = RRule{}

func (RRule) Parse(text string, start time.Time, loc *time.Location) (model.RecurrenceRule, error) {
	return Parse(text, start, loc)
}

func (RRule) Serialize(rule model.RecurrenceRule) string { return Serialize(rule) }

func (RRule) ShiftWeekdays(rule model.RecurrenceRule, originalStart, newStart time.Time) model.RecurrenceRule {
	return ShiftWeekdays(rule, originalStart, newStart)
}

// Parse reads a rule ("RRULE:FREQ=..." or bare "FREQ=...", optionally preceded by a DTSTART line
// which is ignored in favour of start). UNTIL without a zone suffix is read in loc.
func Parse(text string, start time.Time, loc *time.Location) (model.RecurrenceRule, error) {
	raw := ruleLine(text)
	if raw == "" {
		return model.RecurrenceRule{}, &errs.RuleError{Rule: text, Reason: "empty rule"}
	}
	if !strings.Contains(strings.ToUpper(raw), "FREQ=") {
		return model.RecurrenceRule{}, &errs.RuleError{Rule: raw, Reason: "FREQ is required"}
	}
	if loc == nil {
		loc = time.UTC
	}
	opt, err := rrule.StrToROptionInLocation(raw, loc)
	if err != nil {
		return model.RecurrenceRule{}, &errs.RuleError{Rule: raw, Reason: err.Error()}
	}
	if part := unsupportedPart(opt); part != "" {
		return model.RecurrenceRule{}, &errs.RuleError{Rule: raw, Reason: part + " is not supported"}
	}

	out := model.RecurrenceRule{Interval: opt.Interval, Count: opt.Count}
	switch opt.Freq {
	case rrule.DAILY:
		out.Freq = model.Daily
	case rrule.WEEKLY:
		out.Freq = model.Weekly
	case rrule.MONTHLY:
		out.Freq = model.Monthly
	case rrule.YEARLY:
		out.Freq = model.Yearly
	default:
		return model.RecurrenceRule{}, &errs.RuleError{Rule: raw, Reason: fmt.Sprintf("frequency %v is not supported", opt.Freq)}
	}
	if out.Interval <= 0 {
		out.Interval = 1
	}
	for _, wd := range opt.Byweekday {
		if wd.N() != 0 {
			return model.RecurrenceRule{}, &errs.RuleError{Rule: raw, Reason: "ordinal weekdays are not supported"}
		}
		d := fromRRuleWeekday(wd)
		if !out.HasWeekday(d) {
			out.ByWeekday = append(out.ByWeekday, d)
		}
	}
	sortWeekdays(out.ByWeekday)
	if !opt.Until.IsZero() {
		if out.Count > 0 {
			return model.RecurrenceRule{}, &errs.RuleError{Rule: raw, Reason: "COUNT and UNTIL are mutually exclusive"}
		}
		u := opt.Until.UTC()
		if !start.IsZero() && u.Before(start) {
			return model.RecurrenceRule{}, &errs.RuleError{Rule: raw, Reason: "UNTIL precedes the event start"}
		}
		out.Until = &u
	}
	if out.Count < 0 {
		return model.RecurrenceRule{}, &errs.RuleError{Rule: raw, Reason: "negative COUNT"}
	}
	return out, nil
}

// Validate checks a structured rule built outside Parse.
func Validate(rule model.RecurrenceRule) error {
	switch rule.Freq {
	case model.Daily, model.Weekly, model.Monthly, model.Yearly:
	default:
		return &errs.RuleError{Rule: rule.Freq.String(), Reason: "unknown frequency"}
	}
	if rule.Interval < 1 {
		return &errs.RuleError{Rule: Serialize(rule), Reason: "INTERVAL must be >= 1"}
	}
	if rule.Count < 0 {
		return &errs.RuleError{Rule: Serialize(rule), Reason: "negative COUNT"}
	}
	if rule.Count > 0 && rule.Until != nil {
		return &errs.RuleError{Rule: Serialize(rule), Reason: "COUNT and UNTIL are mutually exclusive"}
	}
	return nil
}

// Serialize renders the canonical form FREQ;INTERVAL;BYDAY;COUNT|UNTIL, without the RRULE: prefix.
func Serialize(rule model.RecurrenceRule) string {
	interval := rule.Interval
	if interval < 1 {
		interval = 1
	}
	parts := []string{"FREQ=" + rule.Freq.String(), "INTERVAL=" + strconv.Itoa(interval)}
	if len(rule.ByWeekday) > 0 {
		days := append([]time.Weekday(nil), rule.ByWeekday...)
		sortWeekdays(days)
		tokens := make([]string, 0, len(days))
		for _, d := range days {
			tokens = append(tokens, dayTokens[d])
		}
		parts = append(parts, "BYDAY="+strings.Join(tokens, ","))
	}
	switch {
	case rule.Count > 0:
		parts = append(parts, "COUNT="+strconv.Itoa(rule.Count))
	case rule.Until != nil:
		parts = append(parts, "UNTIL="+rule.Until.UTC().Format(untilLayout))
	}
	return strings.Join(parts, ";")
}

// ShiftWeekdays rotates an explicit weekly weekday set by the weekday delta between originalStart
// and newStart, then adds newStart's weekday if the rotated set lacks it. Weekdays are read from
// the times as given, so callers pass them in the event's zone. Other rules come back unchanged.
func ShiftWeekdays(rule model.RecurrenceRule, originalStart, newStart time.Time) model.RecurrenceRule {
	out := rule.Clone()
	if rule.Freq != model.Weekly || len(rule.ByWeekday) == 0 {
		return out
	}
	delta := (int(newStart.Weekday()) - int(originalStart.Weekday()) + 7) % 7
	shifted := make([]time.Weekday, 0, len(rule.ByWeekday)+1)
	seen := make(map[time.Weekday]bool, 7)
	for _, d := range rule.ByWeekday {
		nd := time.Weekday((int(d) + delta) % 7)
		if !seen[nd] {
			seen[nd] = true
			shifted = append(shifted, nd)
		}
	}
	if !seen[newStart.Weekday()] {
		shifted = append(shifted, newStart.Weekday())
	}
	sortWeekdays(shifted)
	out.ByWeekday = shifted
	return out
}

// Between returns the civil instances of rule seeded at start that fall in [from, to].
// The rule's UNTIL instant is mapped onto the wall clock of loc.
func Between(rule model.RecurrenceRule, start civil.Time, loc *time.Location, from, to civil.Time) ([]civil.Time, error) {
	opt := rrule.ROption{
		Freq:     toRRuleFreq(rule.Freq),
		Dtstart:  start.Floating(),
		Interval: rule.Interval,
		Count:    rule.Count,
	}
	if opt.Interval < 1 {
		opt.Interval = 1
	}
	for _, d := range rule.ByWeekday {
		opt.Byweekday = append(opt.Byweekday, toRRuleWeekday(d))
	}
	if rule.Until != nil {
		opt.Until = civil.ToCivil(*rule.Until, loc).Floating()
	}
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, &errs.RuleError{Rule: Serialize(rule), Reason: err.Error()}
	}
	times := r.Between(from.Floating(), to.Floating(), true)
	out := make([]civil.Time, 0, len(times))
	for _, t := range times {
		out = append(out, civil.FromFloating(t))
	}
	return out, nil
}

// Covers reports whether the rule's weekday filter already produces start's weekday.
// An empty weekly set defaults to the start weekday; non-weekly rules are seeded at start.
func Covers(rule model.RecurrenceRule, weekday time.Weekday) bool {
	if len(rule.ByWeekday) == 0 {
		return true
	}
	return rule.HasWeekday(weekday)
}

func ruleLine(text string) string {
	for _, line := range strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == '\r' }) {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "DTSTART"):
			continue
		case strings.HasPrefix(upper, "RRULE:"):
			return strings.TrimSpace(line[len("RRULE:"):])
		case line != "":
			return line
		}
	}
	return ""
}

func unsupportedPart(opt *rrule.ROption) string {
	switch {
	case len(opt.Bysetpos) > 0:
		return "BYSETPOS"
	case len(opt.Bymonth) > 0:
		return "BYMONTH"
	case len(opt.Bymonthday) > 0:
		return "BYMONTHDAY"
	case len(opt.Byyearday) > 0:
		return "BYYEARDAY"
	case len(opt.Byweekno) > 0:
		return "BYWEEKNO"
	case len(opt.Byhour) > 0:
		return "BYHOUR"
	case len(opt.Byminute) > 0:
		return "BYMINUTE"
	case len(opt.Bysecond) > 0:
		return "BYSECOND"
	case len(opt.Byeaster) > 0:
		return "BYEASTER"
	}
	return ""
}

func toRRuleFreq(f model.Frequency) rrule.Frequency {
	switch f {
	case model.Daily:
		return rrule.DAILY
	case model.Monthly:
		return rrule.MONTHLY
	case model.Yearly:
		return rrule.YEARLY
	default:
		return rrule.WEEKLY
	}
}

var dayTokens = [7]string{"SU", "MO", "TU", "WE", "TH", "FR", "SA"}

var rruleWeekdays = [7]rrule.Weekday{rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA, rrule.SU}

// rrule-go numbers weekdays from Monday = 0.
func toRRuleWeekday(d time.Weekday) rrule.Weekday { return rruleWeekdays[(int(d)+6)%7] }

func fromRRuleWeekday(wd rrule.Weekday) time.Weekday { return time.Weekday((wd.Day() + 1) % 7) }

// sortWeekdays orders Monday first, as RFC5545 lists them.
func sortWeekdays(days []time.Weekday) {
	sort.Slice(days, func(i, j int) bool { return (int(days[i])+6)%7 < (int(days[j])+6)%7 })
}

// String renders the rule as an iCalendar RRULE property value line; nil renders empty.
func String(rule *model.RecurrenceRule) string {
	if rule == nil {
		return ""
	}
	return fmt.Sprintf("RRULE:%s", Serialize(*rule))
}
