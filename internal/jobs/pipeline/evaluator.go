package pipeline

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/ternarybob/corpus/internal/common"
	"github.com/ternarybob/corpus/internal/models"
)

// maxExpressionNodes bounds the size of a compiled expression
const maxExpressionNodes = 2000

// Evaluator compiles and runs pipeline expressions with expr. Expressions
// see only the environment they are given and have no I/O builtins.
type Evaluator struct {
	timeout  time.Duration
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewEvaluator creates an evaluator that aborts runs longer than timeout
func NewEvaluator(timeout time.Duration) *Evaluator {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Evaluator{
		timeout:  timeout,
		programs: make(map[string]*vm.Program),
	}
}

func (e *Evaluator) compile(code string) (*vm.Program, error) {
	e.mu.RLock()
	program, ok := e.programs[code]
	e.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(code, expr.MaxNodes(maxExpressionNodes))
	if err != nil {
		return nil, fmt.Errorf("compile %q: %w", code, err)
	}

	e.mu.Lock()
	e.programs[code] = program
	e.mu.Unlock()
	return program, nil
}

// Check compiles code without running it. Expressions are untyped, so
// only syntax errors surface here.
func (e *Evaluator) Check(code string) error {
	_, err := e.compile(code)
	return err
}

// Eval runs code against env
func (e *Evaluator) Eval(ctx context.Context, code string, env map[string]interface{}) (interface{}, error) {
	program, err := e.compile(code)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: common.PanicError(r)}
			}
		}()
		value, err := expr.Run(program, env)
		done <- outcome{value: value, err: err}
	}()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("evaluate %q: %w", code, out.err)
		}
		return out.value, nil
	case <-timer.C:
		return nil, fmt.Errorf("evaluate %q: timed out after %s", code, e.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// EvalBool runs a guard expression and applies truthiness to the result
func (e *Evaluator) EvalBool(ctx context.Context, code string, env map[string]interface{}) (bool, error) {
	value, err := e.Eval(ctx, code, env)
	if err != nil {
		return false, err
	}
	return truthy(value), nil
}

// Bind resolves one binding: literals verbatim, computed values through Eval
func (e *Evaluator) Bind(ctx context.Context, binding models.Binding, env map[string]interface{}) (interface{}, error) {
	if !binding.IsComputed() {
		return binding.Literal, nil
	}
	return e.Eval(ctx, binding.Computed, env)
}

// truthy follows JavaScript rules: nil, false, zero, NaN and "" are false.
// Collections are true even when empty, so a guard on a list field checks presence.
func truthy(value interface{}) bool {
	if value == nil {
		return false
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() != 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() != 0
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		return f != 0 && !math.IsNaN(f)
	case reflect.String:
		return v.Len() > 0
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map:
		return !v.IsNil()
	}
	return true
}
