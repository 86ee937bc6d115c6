package orchestrator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ethpandaops/runwatch/pkg/validate"
)

// Kind names a filter variant.
type Kind string

const (
	KindIndividual Kind = "individual"
	KindTags       Kind = "tags"
	KindGrep       Kind = "grep"
	KindSuite      Kind = "suite"
)

// Filter selects which tests a runner invocation executes. The set of
// variants is closed: IndividualFilter, TagsFilter, GrepFilter and
// SuiteFilter.
type Filter interface {
	Kind() Kind
	// Validate checks every user-supplied field.
	Validate() error
	// SuiteName is the label stored with the execution.
	SuiteName() string
	Description() string
	// RunnerArgs is the filter's fixed translation to runner arguments.
	RunnerArgs() []string
	// Selectors lists the filter's own test selectors.
	Selectors() []string

	isFilter()
}

// IndividualFilter runs one test class, or one method of it.
type IndividualFilter struct {
	TestClass  string `json:"testClass"`
	TestMethod string `json:"testMethod,omitempty"`
}

func (IndividualFilter) Kind() Kind { return KindIndividual }

func (f IndividualFilter) Validate() error {
	if err := validate.Value(validate.KindTestClass, f.TestClass); err != nil {
		return err
	}

	if strings.TrimSpace(f.TestMethod) != "" {
		return validate.Value(validate.KindTestMethod, f.TestMethod)
	}

	return nil
}

func (f IndividualFilter) SuiteName() string {
	if class := strings.TrimSpace(f.TestClass); class != "" {
		return class
	}

	return "individual-test"
}

func (f IndividualFilter) Description() string {
	method := ""
	if m := strings.TrimSpace(f.TestMethod); m != "" {
		method = "#" + m
	}

	return fmt.Sprintf("Individual test: %s%s", strings.TrimSpace(f.TestClass), method)
}

func (f IndividualFilter) RunnerArgs() []string {
	return []string{"-Dtest=" + f.Selectors()[0]}
}

func (f IndividualFilter) Selectors() []string {
	sel := strings.TrimSpace(f.TestClass)
	if m := strings.TrimSpace(f.TestMethod); m != "" {
		sel += "#" + m
	}

	return []string{sel}
}

func (IndividualFilter) isFilter() {}

// TagsFilter runs every test carrying any of the tags.
type TagsFilter struct {
	Tags []string `json:"tags"`
}

func (TagsFilter) Kind() Kind { return KindTags }

func (f TagsFilter) Validate() error {
	return validate.Tags(f.Tags)
}

func (f TagsFilter) SuiteName() string {
	return "tagged-tests-" + strings.Join(f.trimmed(), "-")
}

func (f TagsFilter) Description() string {
	return "Tests with tags: " + strings.Join(f.trimmed(), ", ")
}

func (f TagsFilter) RunnerArgs() []string {
	return []string{"-Djunit.jupiter.includeTags=" + strings.Join(f.trimmed(), "|")}
}

func (f TagsFilter) Selectors() []string {
	out := make([]string, 0, len(f.Tags))
	for _, t := range f.trimmed() {
		out = append(out, "@"+t)
	}

	return out
}

func (f TagsFilter) trimmed() []string {
	out := make([]string, 0, len(f.Tags))
	for _, t := range f.Tags {
		out = append(out, strings.TrimSpace(t))
	}

	return out
}

func (TagsFilter) isFilter() {}

// GrepFilter runs every test class matching a wildcard pattern.
type GrepFilter struct {
	Pattern string `json:"pattern"`
}

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

func (GrepFilter) Kind() Kind { return KindGrep }

func (f GrepFilter) Validate() error {
	return validate.Value(validate.KindGrep, f.Pattern)
}

func (f GrepFilter) SuiteName() string {
	return "grep-" + nonAlnum.ReplaceAllString(strings.TrimSpace(f.Pattern), "-")
}

func (f GrepFilter) Description() string {
	return "Tests matching pattern: " + strings.TrimSpace(f.Pattern)
}

func (f GrepFilter) RunnerArgs() []string {
	return []string{"-Dtest=" + strings.TrimSpace(f.Pattern)}
}

func (f GrepFilter) Selectors() []string {
	return []string{strings.TrimSpace(f.Pattern)}
}

func (GrepFilter) isFilter() {}

// SuiteFilter runs a named test suite class.
type SuiteFilter struct {
	Suite string `json:"suiteName"`
}

func (SuiteFilter) Kind() Kind { return KindSuite }

func (f SuiteFilter) Validate() error {
	return validate.Value(validate.KindSuite, f.Suite)
}

func (f SuiteFilter) SuiteName() string {
	return strings.TrimSpace(f.Suite)
}

func (f SuiteFilter) Description() string {
	return "Test suite: " + strings.TrimSpace(f.Suite)
}

func (f SuiteFilter) RunnerArgs() []string {
	return []string{"-Dtest=" + strings.TrimSpace(f.Suite) + "TestSuite"}
}

func (f SuiteFilter) Selectors() []string {
	return []string{strings.TrimSpace(f.Suite) + "TestSuite"}
}

func (SuiteFilter) isFilter() {}

// parameterArgs turns runner parameters into -Dkey=value arguments in key
// order. Pairs failing validation are returned in skipped.
func parameterArgs(params map[string]string) (args []string, skipped []string) {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		v := params[k]
		if err := validate.Parameter(k, v); err != nil {
			skipped = append(skipped, k)

			continue
		}

		args = append(args, fmt.Sprintf("-D%s=%s", strings.TrimSpace(k), strings.TrimSpace(v)))
	}

	return args, skipped
}
