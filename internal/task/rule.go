package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"remindd/internal/storage"
)

type RuleKind string

const (
	KindOnce    RuleKind = "once"
	KindDaily   RuleKind = "daily"
	KindWeekly  RuleKind = "weekly"
	KindMonthly RuleKind = "monthly"
)

// Rule is a reminder rule. The concrete types are Once, Daily, Weekly and Monthly.
type Rule interface {
	Kind() RuleKind
	Validate() error
	clone() Rule
}

// Once fires a single time, at or after At.
type Once struct {
	At time.Time
}

// Daily fires once in each listed hour (0-23), every day.
type Daily struct {
	Hours []int
}

// Weekly fires once per matching (ISO weekday, hour); weekdays are 1=Monday..7=Sunday.
type Weekly struct {
	Weekdays []int
	Hour     int
}

// Monthly fires once per matching (day of month, hour). Days absent from a
// month (31 in April) never match that month.
type Monthly struct {
	Days []int
	Hour int
}

func (Once) Kind() RuleKind    { return KindOnce }
func (Daily) Kind() RuleKind   { return KindDaily }
func (Weekly) Kind() RuleKind  { return KindWeekly }
func (Monthly) Kind() RuleKind { return KindMonthly }

func (r Once) Validate() error {
	if r.At.IsZero() {
		return fmt.Errorf("once: at is required")
	}
	return nil
}

func (r Daily) Validate() error {
	return checkSet("daily: hours", r.Hours, 0, 23)
}

func (r Weekly) Validate() error {
	if err := checkSet("weekly: weekdays", r.Weekdays, 1, 7); err != nil {
		return err
	}
	return checkRange("weekly: hour", r.Hour, 0, 23)
}

func (r Monthly) Validate() error {
	if err := checkSet("monthly: days", r.Days, 1, 31); err != nil {
		return err
	}
	return checkRange("monthly: hour", r.Hour, 0, 23)
}

func (r Once) clone() Rule    { return r }
func (r Daily) clone() Rule   { return Daily{Hours: slices.Clone(r.Hours)} }
func (r Weekly) clone() Rule  { return Weekly{Weekdays: slices.Clone(r.Weekdays), Hour: r.Hour} }
func (r Monthly) clone() Rule { return Monthly{Days: slices.Clone(r.Days), Hour: r.Hour} }

func checkSet(name string, vals []int, lo, hi int) error {
	if len(vals) == 0 {
		return fmt.Errorf("%s must not be empty", name)
	}
	for _, v := range vals {
		if err := checkRange(name, v, lo, hi); err != nil {
			return err
		}
	}
	return nil
}

func checkRange(name string, v, lo, hi int) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s: %d out of range [%d,%d]", name, v, lo, hi)
	}
	return nil
}

// ruleWire is the JSON form: {"type":"weekly","weekdays":[1,3],"hour":9}.
type ruleWire struct {
	Type     string `json:"type"`
	At       string `json:"at,omitempty"`
	Hours    []int  `json:"hours,omitempty"`
	Weekdays []int  `json:"weekdays,omitempty"`
	Days     []int  `json:"days,omitempty"`
	Hour     *int   `json:"hour,omitempty"`
}

// DecodeRule parses an encoded rule. Empty input or JSON null means "no
// reminder" and returns (nil, nil). Anything that is not a valid variant
// fails with ErrMalformedRule.
func DecodeRule(raw json.RawMessage) (Rule, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var w ruleWire
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRule, err)
	}

	var r Rule
	switch RuleKind(strings.ToLower(strings.TrimSpace(w.Type))) {
	case KindOnce:
		at, err := storage.ParseLocalTime(w.At)
		if err != nil {
			return nil, fmt.Errorf("%w: once: %v", ErrMalformedRule, err)
		}
		r = Once{At: at}
	case KindDaily:
		r = Daily{Hours: normalizeSet(w.Hours)}
	case KindWeekly:
		if w.Hour == nil {
			return nil, fmt.Errorf("%w: weekly: hour is required", ErrMalformedRule)
		}
		r = Weekly{Weekdays: normalizeSet(w.Weekdays), Hour: *w.Hour}
	case KindMonthly:
		if w.Hour == nil {
			return nil, fmt.Errorf("%w: monthly: hour is required", ErrMalformedRule)
		}
		r = Monthly{Days: normalizeSet(w.Days), Hour: *w.Hour}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedRule, w.Type)
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRule, err)
	}
	return r, nil
}

// EncodeRule is the inverse of DecodeRule. A nil rule encodes to nil.
func EncodeRule(r Rule) (json.RawMessage, error) {
	if r == nil {
		return nil, nil
	}
	w := ruleWire{Type: string(r.Kind())}
	switch v := r.(type) {
	case Once:
		w.At = v.At.Local().Format(time.RFC3339)
	case Daily:
		w.Hours = normalizeSet(v.Hours)
	case Weekly:
		h := v.Hour
		w.Weekdays = normalizeSet(v.Weekdays)
		w.Hour = &h
	case Monthly:
		h := v.Hour
		w.Days = normalizeSet(v.Days)
		w.Hour = &h
	default:
		return nil, fmt.Errorf("%w: unsupported rule %T", ErrInvalidRule, r)
	}
	return json.Marshal(w)
}

// normalizeSet returns a sorted copy without duplicates.
func normalizeSet(in []int) []int {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
