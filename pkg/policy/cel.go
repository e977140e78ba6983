package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// celEnv compiles rule expressions against a fixed environment exposing the
// candidate text. Programs are cached so a pack shared across many scorers
// compiles each expression once.
type celEnv struct {
	env   *cel.Env
	mu    sync.Mutex
	cache map[string]*celProgram
}

type celProgram struct {
	prg cel.Program
}

func newCELEnv() (*celEnv, error) {
	env, err := cel.NewEnv(
		cel.Variable("text", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}
	return &celEnv{env: env, cache: make(map[string]*celProgram)}, nil
}

func (e *celEnv) compile(expr string) (*celProgram, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p, ok := e.cache[expr]; ok {
		return p, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must evaluate to bool, got %s", ast.OutputType())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		// Hard limit on computational complexity; rule expressions must stay
		// cheap because they run once per decode variant.
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	p := &celProgram{prg: prg}
	e.cache[expr] = p
	return p, nil
}

func (p *celProgram) eval(text string) (bool, error) {
	out, _, err := p.prg.Eval(map[string]any{"text": text})
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
