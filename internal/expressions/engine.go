package expressions

import "context"

// Engine evaluates expressions against a workflow run's execution
// context. Three implementations: CEL and Expr for condition guards,
// GoJQ for transform steps.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
