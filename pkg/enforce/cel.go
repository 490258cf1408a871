package enforce

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celEvaluator compiles and caches custom-constraint expressions. The
// environment exposes three dynamic maps: request, payload, and trust.
type celEvaluator struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newCELEvaluator() (*celEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.DynType),
		cel.Variable("payload", cel.DynType),
		cel.Variable("trust", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("enforce: creating CEL environment failed: %w", err)
	}
	return &celEvaluator{env: env, cache: make(map[string]cel.Program)}, nil
}

func (c *celEvaluator) matches(expr string, input map[string]any) (bool, error) {
	c.mu.RLock()
	prg, hit := c.cache[expr]
	c.mu.RUnlock()

	if !hit {
		c.mu.Lock()
		if prg, hit = c.cache[expr]; !hit {
			ast, issues := c.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				c.mu.Unlock()
				return false, fmt.Errorf("compile: %w", issues.Err())
			}
			p, err := c.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				c.mu.Unlock()
				return false, fmt.Errorf("program: %w", err)
			}
			c.cache[expr] = p
			prg = p
		}
		c.mu.Unlock()
	}

	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not return a bool", expr)
	}
	return val, nil
}
