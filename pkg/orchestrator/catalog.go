package orchestrator

import "context"

// Catalog resolves a filter into the tests it is expected to run.
type Catalog interface {
	TestsFor(ctx context.Context, f Filter) ([]string, error)
}

// SelectorCatalog knows no tests and answers with the filter's own
// selectors.
type SelectorCatalog struct{}

var _ Catalog = SelectorCatalog{}

func (SelectorCatalog) TestsFor(_ context.Context, f Filter) ([]string, error) {
	return f.Selectors(), nil
}
