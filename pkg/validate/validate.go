// Package validate implements allow-list checks for every externally
// supplied filter value before it can reach the runner command line.
package validate

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidInput is wrapped by every validation failure.
var ErrInvalidInput = errors.New("invalid input")

// Kind identifies a class of filter value with its own rules.
type Kind string

const (
	KindTestClass  Kind = "testClass"
	KindTestMethod Kind = "testMethod"
	KindTag        Kind = "tag"
	KindGrep       Kind = "grepPattern"
	KindSuite      Kind = "suiteName"
	KindParamKey   Kind = "parameterKey"
	KindParamValue Kind = "parameterValue"

	KindExecutionID Kind = "executionId"
	KindEnvironment Kind = "environment"
)

// MaxTags bounds the cardinality of a tag list.
const MaxTags = 50

// InvalidInputError describes which field failed which rule.
type InvalidInputError struct {
	Field  string
	Rule   string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *InvalidInputError) Unwrap() error {
	return ErrInvalidInput
}

type rule struct {
	tag      string
	pattern  *regexp.Regexp
	allowed  string
	maxLen   int
	reserved []string
}

var rules = map[Kind]rule{
	KindTestClass: {
		tag:     "testclass",
		pattern: regexp.MustCompile(`^[a-zA-Z0-9._-]+$`),
		allowed: "letters, digits, '.', '_' and '-'",
		maxLen:  500,
	},
	KindTestMethod: {
		tag:     "testmethod",
		pattern: regexp.MustCompile(`^[a-zA-Z0-9_]+$`),
		allowed: "letters, digits and '_'",
		maxLen:  200,
	},
	KindTag: {
		tag:     "testtag",
		pattern: regexp.MustCompile(`^[a-zA-Z0-9_-]+$`),
		allowed: "letters, digits, '_' and '-'",
		maxLen:  100,
	},
	KindGrep: {
		tag:     "grep",
		pattern: regexp.MustCompile(`^[a-zA-Z0-9._*?-]+$`),
		allowed: "letters, digits, '.', '_', '-', '*' and '?'",
		maxLen:  500,
	},
	KindSuite: {
		tag:     "suitename",
		pattern: regexp.MustCompile(`^[a-zA-Z0-9._-]+$`),
		allowed: "letters, digits, '.', '_' and '-'",
		maxLen:  500,
	},
	KindParamKey: {
		tag:     "paramkey",
		pattern: regexp.MustCompile(`^[a-zA-Z0-9._-]+$`),
		allowed: "letters, digits, '.', '_' and '-'",
		maxLen:  200,
	},
	KindExecutionID: {
		tag:     "executionid",
		pattern: regexp.MustCompile(`^[a-zA-Z0-9._-]+$`),
		allowed: "letters, digits, '.', '_' and '-'",
		maxLen:  191,
		// Fixed segments under /api/v1/executions and path dots.
		reserved: []string{"active", "recent", "individual", "tags", "grep", "suite", ".", ".."},
	},
	KindEnvironment: {
		tag:     "environment",
		pattern: regexp.MustCompile(`^[a-zA-Z0-9_-]+$`),
		allowed: "letters, digits, '_' and '-'",
		maxLen:  32,
	},
	KindParamValue: {
		tag:     "paramvalue",
		pattern: regexp.MustCompile(`^[^;&|` + "`" + `$<>\\\n\r]*$`),
		allowed: "no shell metacharacters",
		maxLen:  1000,
	},
}

var v = newValidator()

func newValidator() *validator.Validate {
	val := validator.New()

	for _, r := range rules {
		pattern := r.pattern

		_ = val.RegisterValidation(r.tag, func(fl validator.FieldLevel) bool {
			return pattern.MatchString(fl.Field().String())
		})
	}

	return val
}

// Value checks one trimmed value against the rules of kind.
func Value(kind Kind, value string) error {
	r, ok := rules[kind]
	if !ok {
		return &InvalidInputError{
			Field:  string(kind),
			Rule:   "kind",
			Reason: "unknown filter kind",
		}
	}

	value = strings.TrimSpace(value)

	required := "required,"
	if kind == KindParamValue {
		required = ""
	}

	tags := fmt.Sprintf("%smax=%d,%s", required, r.maxLen, r.tag)
	for _, word := range r.reserved {
		tags += ",ne=" + word
	}

	err := v.Var(value, tags)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &InvalidInputError{Field: string(kind), Rule: "unknown", Reason: err.Error()}
	}

	failed := verrs[0].Tag()

	var reason string

	switch failed {
	case "required":
		reason = "must not be empty"
	case "max":
		reason = fmt.Sprintf("must be at most %d characters", r.maxLen)
	case "ne":
		failed = "reserved"
		reason = fmt.Sprintf("%q is reserved", value)
	default:
		failed = "pattern"
		reason = "may only contain " + r.allowed
	}

	return &InvalidInputError{Field: string(kind), Rule: failed, Reason: reason}
}

// Tags checks a tag list: non-empty, at most MaxTags entries, every entry
// a valid tag.
func Tags(tags []string) error {
	if len(tags) == 0 {
		return &InvalidInputError{Field: "tags", Rule: "required", Reason: "must not be empty"}
	}

	if len(tags) > MaxTags {
		return &InvalidInputError{
			Field:  "tags",
			Rule:   "max",
			Reason: fmt.Sprintf("must contain at most %d entries", MaxTags),
		}
	}

	for i, tag := range tags {
		if err := Value(KindTag, tag); err != nil {
			var ie *InvalidInputError
			if errors.As(err, &ie) {
				ie.Field = fmt.Sprintf("tags[%d]", i)
			}

			return err
		}
	}

	return nil
}

// Parameter checks a runner parameter pair.
func Parameter(key, value string) error {
	if err := Value(KindParamKey, key); err != nil {
		return err
	}

	return Value(KindParamValue, value)
}
