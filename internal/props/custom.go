// ABOUTME: CEL evaluation for Custom properties
// ABOUTME: Expressions see the decoded value as `value` and must return a bool

package props

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

var ErrCustomRejected = errors.New("value rejected by custom expression")

var celEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(cel.Variable("value", cel.DynType))
})

var (
	programsMu sync.RWMutex
	programs   = map[string]cel.Program{}
)

func customProgram(expression string) (cel.Program, error) {
	programsMu.RLock()
	prg, hit := programs[expression]
	programsMu.RUnlock()
	if hit {
		return prg, nil
	}

	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("CEL env: %w", err)
	}

	programsMu.Lock()
	defer programsMu.Unlock()
	if prg, hit = programs[expression]; hit {
		return prg, nil
	}
	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	prg, err = env.Program(ast,
		cel.CostLimit(10000),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	programs[expression] = prg
	return prg, nil
}

func evalCustom(expression string, value any) error {
	if expression == "" {
		return nil
	}
	prg, err := customProgram(expression)
	if err != nil {
		return err
	}
	out, _, err := prg.Eval(map[string]any{"value": value})
	if err != nil {
		return fmt.Errorf("CEL eval error: %w", err)
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return fmt.Errorf("CEL result not boolean")
	}
	if !ok {
		return ErrCustomRejected
	}
	return nil
}
