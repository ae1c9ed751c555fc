package queryir

import (
	"fmt"
	"slices"
	"time"
)

// ValidationResult lists the problems found in a query.
type ValidationResult struct {
	// Valid is true when Problems is empty.
	Valid bool

	// Problems lists every malformed part of the query, in traversal order.
	Problems []string
}

// Validate checks that a query can be compiled and run:
//  1. Every field is known and values match its kind
//  2. In and HasTags are not empty
//  3. Range bounds are ordered (Max not before Min)
//  4. Limit is within 1..MaxLimit (0 means DefaultLimit)
//  5. Validity and tag match modes are known values
//
// Validate is a pure function with no side effects.
func Validate(query Query) ValidationResult {
	v := &validator{
		problems: []string{},
	}
	v.validateQuery(query)

	return ValidationResult{
		Valid:    len(v.problems) == 0,
		Problems: v.problems,
	}
}

// validator accumulates problems during traversal.
type validator struct {
	problems []string
}

func (v *validator) addProblem(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	if q == nil {
		v.addProblem("nil query")
		return
	}

	switch query := q.(type) {
	case Search:
		v.validateSearch(query)
	case *Search:
		v.validateSearch(*query)
	default:
		v.addProblem("unknown query type: %T", q)
	}
}

func (v *validator) validateSearch(s Search) {
	if s.Validity != "" && !slices.Contains(Validities, s.Validity) {
		v.addProblem("invalid validity %q: must be one of %v", s.Validity, Validities)
	}
	if s.Limit < 0 || s.Limit > MaxLimit {
		v.addProblem("limit %d out of range 1..%d", s.Limit, MaxLimit)
	}
	if s.After != nil && s.After.EntryID == "" {
		v.addProblem("cursor has no entry id")
	}
	v.validatePredicate(s.Filter)
}

func (v *validator) validatePredicate(p Predicate) {
	if p == nil {
		return // nil predicates are valid (no filter)
	}

	switch pred := p.(type) {
	case Equals:
		v.validateEquals(pred)
	case *Equals:
		v.validateEquals(*pred)
	case In:
		v.validateIn(pred)
	case *In:
		v.validateIn(*pred)
	case Range:
		v.validateRange(pred)
	case *Range:
		v.validateRange(*pred)
	case Contains:
		v.validateContains(pred)
	case *Contains:
		v.validateContains(*pred)
	case AnyContains:
		v.validateAnyContains(pred)
	case *AnyContains:
		v.validateAnyContains(*pred)
	case HasTags:
		v.validateHasTags(pred)
	case *HasTags:
		v.validateHasTags(*pred)
	case IsNull:
		if !Nullable[pred.Field] {
			v.addProblem("field %q is never null", pred.Field)
		}
	case *IsNull:
		if !Nullable[pred.Field] {
			v.addProblem("field %q is never null", pred.Field)
		}
	case And:
		v.validateAnd(pred)
	case *And:
		v.validateAnd(*pred)
	default:
		v.addProblem("unknown predicate type: %T", p)
	}
}

// field returns the kind of name, recording a problem if it is unknown.
func (v *validator) field(name string) (Kind, bool) {
	k, ok := Fields[name]
	if !ok {
		v.addProblem("unknown field %q", name)
	}
	return k, ok
}

func (v *validator) checkValue(field string, kind Kind, value any) {
	if !valueMatches(kind, value) {
		v.addProblem("field %q expects a %s value, got %T", field, kind, value)
	}
}

func (v *validator) validateEquals(eq Equals) {
	if k, ok := v.field(eq.Field); ok {
		v.checkValue(eq.Field, k, eq.Value)
	}
}

func (v *validator) validateIn(in In) {
	k, ok := v.field(in.Field)
	if !ok {
		return
	}
	if len(in.Values) == 0 {
		v.addProblem("field %q: empty value list", in.Field)
	}
	for _, val := range in.Values {
		v.checkValue(in.Field, k, val)
	}
}

func (v *validator) validateRange(r Range) {
	k, ok := v.field(r.Field)
	if !ok {
		return
	}
	if k != KindInt && k != KindTime {
		v.addProblem("field %q is not ordered", r.Field)
		return
	}
	if r.Min == nil && r.Max == nil {
		v.addProblem("field %q: range has no bounds", r.Field)
		return
	}
	if r.Min != nil {
		v.checkValue(r.Field, k, r.Min)
	}
	if r.Max != nil {
		v.checkValue(r.Field, k, r.Max)
	}
	if r.Min == nil || r.Max == nil || !valueMatches(k, r.Min) || !valueMatches(k, r.Max) {
		return
	}
	if less(r.Max, r.Min) {
		v.addProblem("field %q: max %v precedes min %v", r.Field, r.Max, r.Min)
	}
}

func (v *validator) validateContains(c Contains) {
	if k, ok := v.field(c.Field); ok && k != KindText {
		v.addProblem("field %q is not text", c.Field)
	}
}

func (v *validator) validateAnyContains(c AnyContains) {
	if k, ok := v.field(c.Field); ok && k != KindList {
		v.addProblem("field %q is not a list", c.Field)
	}
	if len(c.Substrs) == 0 {
		v.addProblem("field %q: empty value list", c.Field)
	}
}

func (v *validator) validateHasTags(h HasTags) {
	switch h.Match {
	case MatchAny, MatchAll, MatchNone:
	default:
		v.addProblem("invalid tag match %q: must be any, all or none", h.Match)
	}
	if len(h.Tags) == 0 {
		v.addProblem("tag filter has no tags")
	}
}

func (v *validator) validateAnd(and And) {
	for _, subPred := range and.Predicates {
		v.validatePredicate(subPred)
	}
}

// valueMatches reports whether value has the Go type kind expects.
func valueMatches(kind Kind, value any) bool {
	switch kind {
	case KindText, KindList:
		_, ok := value.(string)
		return ok
	case KindInt:
		switch value.(type) {
		case int, int64:
			return true
		}
		return false
	case KindBool:
		_, ok := value.(bool)
		return ok
	case KindTime:
		_, ok := value.(time.Time)
		return ok
	default:
		return false
	}
}

// less compares two values of the same ordered kind.
func less(a, b any) bool {
	switch x := a.(type) {
	case time.Time:
		return x.Before(b.(time.Time))
	default:
		return toInt64(a) < toInt64(b)
	}
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int64:
		return x
	default:
		return 0
	}
}
