package canbus

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// Filter is one acceptance rule. A mask rule matches when
// (frame.Identifier ^ ID) & Mask == 0. A range rule matches identifiers in
// [ID, Max] and has no mask. Extended must equal the frame's identifier type
// in both cases.
type Filter struct {
	ID       uint32
	Mask     uint32
	Extended bool
	Range    bool
	Max      uint32
}

// NewMaskFilter is a shorthand for an id/mask rule.
func NewMaskFilter(id, mask uint32, extended bool) Filter {
	return Filter{ID: id, Mask: mask, Extended: extended}
}

// NewRangeFilter matches identifiers in [lo, hi].
func NewRangeFilter(lo, hi uint32, extended bool) Filter {
	return Filter{ID: lo, Max: hi, Extended: extended, Range: true}
}

func widthMask(extended bool) uint32 {
	if extended {
		return MaxExtendedID
	}
	return MaxStandardID
}

// Match evaluates a single rule.
func (r Filter) Match(f *Frame) bool {
	if f.Extended != r.Extended {
		return false
	}
	if r.Range {
		return f.Identifier >= r.ID && f.Identifier <= r.Max
	}
	return (f.Identifier^r.ID)&r.Mask == 0
}

// Validate checks that the rule fits the declared identifier width.
func (r Filter) Validate() error {
	width := widthMask(r.Extended)
	switch {
	case r.ID > width:
		return &FilterError{Filter: r, Detail: fmt.Sprintf("id 0x%X exceeds 0x%X", r.ID, width)}
	case r.Mask > width:
		return &FilterError{Filter: r, Detail: fmt.Sprintf("mask 0x%X exceeds 0x%X", r.Mask, width)}
	case r.Range && r.Max > width:
		return &FilterError{Filter: r, Detail: fmt.Sprintf("range end 0x%X exceeds 0x%X", r.Max, width)}
	case r.Range && r.Max < r.ID:
		return &FilterError{Filter: r, Detail: "range end before start"}
	case r.Range && r.Mask != 0:
		return &FilterError{Filter: r, Detail: "range rule with mask"}
	case !r.Range && r.Max != 0:
		return &FilterError{Filter: r, Detail: "range end on mask rule"}
	}
	return nil
}

func (r Filter) String() string {
	kind := "std"
	if r.Extended {
		kind = "ext"
	}
	if r.Range {
		return fmt.Sprintf("%X-%X/%s", r.ID, r.Max, kind)
	}
	return fmt.Sprintf("%X:%X/%s", r.ID, r.Mask, kind)
}

// ParseFilter parses "id:mask" or "lo-hi" in hex. The rule is extended when
// the id is written with 8 digits or does not fit 11 bits.
func ParseFilter(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		l, err := parseHexID(lo)
		if err != nil {
			return Filter{}, err
		}
		h, err := parseHexID(hi)
		if err != nil {
			return Filter{}, err
		}
		ext := isExtendedNotation(lo, l) || isExtendedNotation(hi, h)
		f := NewRangeFilter(l, h, ext)
		return f, f.Validate()
	}
	idStr, maskStr, ok := strings.Cut(s, ":")
	id, err := parseHexID(idStr)
	if err != nil {
		return Filter{}, err
	}
	ext := isExtendedNotation(idStr, id)
	mask := widthMask(ext)
	if ok {
		if mask, err = parseHexID(maskStr); err != nil {
			return Filter{}, err
		}
	}
	f := NewMaskFilter(id, mask, ext)
	return f, f.Validate()
}

// ParseFilters parses a comma separated list of filters.
func ParseFilters(s string) ([]Filter, error) {
	var out []Filter
	for i, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		f, err := ParseFilter(part)
		if err != nil {
			if fe, ok := err.(*FilterError); ok {
				fe.Index = i
			}
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func parseHexID(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid identifier %q: %w", s, err)
	}
	return uint32(v), nil
}

func isExtendedNotation(s string, v uint32) bool {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	return len(s) == 8 || v > MaxStandardID
}

func matchAny(filters []Filter, f *Frame) bool {
	if len(filters) == 0 {
		return true
	}
	for _, r := range filters {
		if r.Match(f) {
			return true
		}
	}
	return false
}

// FilterEngine holds the active rule set. Replacing the set is atomic with
// respect to Accepts: a frame is evaluated against one whole set.
type FilterEngine struct {
	rules atomic.Pointer[[]Filter]
}

func NewFilterEngine(filters ...Filter) (*FilterEngine, error) {
	e := &FilterEngine{}
	if err := e.Set(filters...); err != nil {
		return nil, err
	}
	return e, nil
}

// Set validates all filters and replaces the active set. On error the
// previous set stays in place.
func (e *FilterEngine) Set(filters ...Filter) error {
	for i, r := range filters {
		if err := r.Validate(); err != nil {
			err.(*FilterError).Index = i
			return err
		}
	}
	rules := make([]Filter, len(filters))
	copy(rules, filters)
	e.rules.Store(&rules)
	return nil
}

// Accepts reports whether f matches any rule. An empty set accepts all.
func (e *FilterEngine) Accepts(f *Frame) bool {
	p := e.rules.Load()
	if p == nil {
		return true
	}
	return matchAny(*p, f)
}

// Filters returns a copy of the active set.
func (e *FilterEngine) Filters() []Filter {
	p := e.rules.Load()
	if p == nil {
		return nil
	}
	out := make([]Filter, len(*p))
	copy(out, *p)
	return out
}

// Active reports whether any rule is set.
func (e *FilterEngine) Active() bool {
	p := e.rules.Load()
	return p != nil && len(*p) > 0
}
