package expressions

import (
	"strings"
	"sync"

	"github.com/rendis/invoiceflow/pkg/schema"
)

// maxCachedPrograms bounds each engine's cache. Workflows are few and their
// expressions fixed, so reaching it means expressions are being generated;
// the cache then starts over.
const maxCachedPrograms = 1024

// programCache memoises compiled programs by source text.
type programCache[P any] struct {
	mu       sync.RWMutex
	programs map[string]P
}

func newProgramCache[P any]() *programCache[P] {
	return &programCache[P]{programs: make(map[string]P)}
}

// get returns the compiled form of expression, compiling it on first use.
// Compile failures are not cached.
func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.programs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := compile(expression)
	if err != nil {
		return p, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.programs[expression]; ok {
		return cached, nil
	}
	if len(c.programs) >= maxCachedPrograms {
		clear(c.programs)
	}
	c.programs[expression] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.programs)
}

func requireExpression(language, expression string) error {
	if strings.TrimSpace(expression) == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", language)
	}
	return nil
}

// compileError marks a malformed expression. Callers tell it apart from an
// evaluation failure by its validation code.
func compileError(language, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s: compile %q: %v", language, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": language})
}

func evalError(language, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s: evaluate %q: %v", language, expression, err).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": language})
}
