// Package recurrence resolves a series' recurrence rule into concrete
// fire instants. Resolution is pure: the same rule and window always
// produce the same ascending, deduplicated sequence, which is what makes
// re-materialization after a restart safe.
package recurrence

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"

	"github.com/korjavin/gamenight/pkg/models"
)

// ErrInvalidRule indicates a malformed recurrence definition. Rules are
// validated when a series is created or edited, never at fire time.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// ErrEmptyRange indicates a resolution window with to <= from.
var ErrEmptyRange = errors.New("empty resolution range")

// maxOccurrencesPerWindow caps a single resolution to guard against
// pathological rules (e.g. an every-second cron over a long horizon).
const maxOccurrencesPerWindow = 5000

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Validate checks that the rule is well formed: exactly one of Cron or
// RRule, a known timezone, and consistent bounds.
func Validate(rule models.RecurrenceRule) error {
	if (rule.Cron == "") == (rule.RRule == "") {
		return fmt.Errorf("%w: exactly one of cron or rrule must be set", ErrInvalidRule)
	}
	if rule.Timezone == "" {
		return fmt.Errorf("%w: timezone is required", ErrInvalidRule)
	}
	if _, err := time.LoadLocation(rule.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidRule, rule.Timezone)
	}
	if rule.NotBefore != nil && rule.NotAfter != nil && !rule.NotAfter.After(*rule.NotBefore) {
		return fmt.Errorf("%w: not_after must be after not_before", ErrInvalidRule)
	}
	if rule.Cron != "" {
		if _, err := cronParser.Parse(rule.Cron); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}
	if rule.RRule != "" {
		opt, err := rrule.StrToROption(rule.RRule)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		// rrule-go substitutes time.Now() for a missing DTSTART, which
		// would anchor every resolution to the wall clock of the call.
		if opt.Dtstart.IsZero() {
			return fmt.Errorf("%w: rrule requires a DTSTART", ErrInvalidRule)
		}
		if _, err := rrule.NewRRule(*opt); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}
	return nil
}

// Resolve returns the ascending, deduplicated fire instants of rule
// within [from, to). The rule is evaluated in its own timezone so
// daylight-saving transitions keep the intended local time.
func Resolve(rule models.RecurrenceRule, from, to time.Time) ([]time.Time, error) {
	if !to.After(from) {
		return nil, fmt.Errorf("%w: [%s, %s)", ErrEmptyRange, from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	if err := Validate(rule); err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(rule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidRule, rule.Timezone)
	}

	// Clamp the window to the rule's optional bounds.
	if rule.NotBefore != nil && rule.NotBefore.After(from) {
		from = *rule.NotBefore
	}
	if rule.NotAfter != nil && rule.NotAfter.Before(to) {
		to = *rule.NotAfter
	}
	if !to.After(from) {
		return nil, nil
	}

	var instants []time.Time
	if rule.Cron != "" {
		instants, err = resolveCron(rule.Cron, loc, from, to)
	} else {
		instants, err = resolveRRule(rule.RRule, loc, from, to)
	}
	if err != nil {
		return nil, err
	}

	return normalize(instants, from, to), nil
}

func resolveCron(expr string, loc *time.Location, from, to time.Time) ([]time.Time, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	var out []time.Time
	// Next is strictly after its argument, so step back one second to
	// make `from` itself eligible.
	cursor := from.In(loc).Add(-time.Second)
	for len(out) < maxOccurrencesPerWindow {
		next := schedule.Next(cursor)
		if next.IsZero() || !next.Before(to) {
			break
		}
		out = append(out, next)
		cursor = next
	}
	return out, nil
}

func resolveRRule(expr string, loc *time.Location, from, to time.Time) ([]time.Time, error) {
	r, err := rrule.StrToRRule(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}

	var set rrule.Set
	set.RRule(r)

	occ := set.Between(from.In(loc), to.In(loc), true)
	if len(occ) > maxOccurrencesPerWindow {
		occ = occ[:maxOccurrencesPerWindow]
	}
	return occ, nil
}

// normalize converts to UTC, sorts, deduplicates, and enforces the
// half-open [from, to) window.
func normalize(instants []time.Time, from, to time.Time) []time.Time {
	out := make([]time.Time, 0, len(instants))
	for _, t := range instants {
		t = t.UTC()
		if t.Before(from) || !t.Before(to) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })

	dedup := make([]time.Time, 0, len(out))
	for _, t := range out {
		if len(dedup) > 0 && t.Equal(dedup[len(dedup)-1]) {
			continue
		}
		dedup = append(dedup, t)
	}
	return dedup
}
