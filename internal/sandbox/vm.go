package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dop251/goja"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds a single strategy execution.
const DefaultTimeout = 5000 * time.Millisecond

// interrupt reasons, recovered from the InterruptedError value
const (
	interruptTimeout = "timeout"
	interruptCancel  = "canceled"
)

// prelude runs before user code. It replaces eval and Function and neuters
// every route to dynamic code generation reachable through function
// prototypes, then freezes the injected context object. blocked is a plain
// JS function so both call and new forms hit it.
const prelude = `(function() {
	"use strict";
	function blocked() { throw new TypeError("dynamic code generation is disabled"); }
	globalThis.eval = blocked;
	globalThis.Function = blocked;
	var protos = [
		Object.getPrototypeOf(function () {}),
		Object.getPrototypeOf(function* () {}),
		Object.getPrototypeOf(async function () {}),
		Object.getPrototypeOf(async function* () {})
	];
	for (var i = 0; i < protos.length; i++) {
		try {
			Object.defineProperty(protos[i], "constructor", { value: blocked });
		} catch (e) {}
	}
	if (typeof context === "object" && context !== null) {
		Object.freeze(context);
	}
})();`

// Broker is the strategy-facing order surface bound as HP.
type Broker interface {
	Buy(ctx context.Context, usd float64)
	Sell(ctx context.Context, pct float64)
	Log(ctx context.Context, level, message string, meta map[string]interface{})
}

// Bindings is everything one execution exposes to user code.
type Bindings struct {
	// Indicators are bound as top-level globals (EMA, RSI, ...).
	Indicators map[string]interface{}
	// Broker backs the HP.buy / HP.sell / HP.log facade.
	Broker Broker
	// Exchange and Symbol populate the frozen context object.
	Exchange string
	Symbol   string
}

// VM executes compiled strategy programs inside restricted goja runtimes.
// A fresh runtime is built per Run so executions never share state.
type VM struct {
	timeout time.Duration
	logger  zerolog.Logger
}

// NewVM creates a sandbox with the given wall-clock timeout per execution.
func NewVM(timeout time.Duration, logger zerolog.Logger) *VM {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &VM{
		timeout: timeout,
		logger:  logger.With().Str("component", "sandbox").Logger(),
	}
}

// Timeout returns the per-execution wall-clock budget.
func (v *VM) Timeout() time.Duration {
	return v.timeout
}

// Compile parses user source into a reusable program. The source is wrapped
// in an async IIFE so strategies may await host calls at the top level.
func Compile(name, source string) (*goja.Program, error) {
	if name == "" {
		name = "strategy.js"
	}
	wrapped := "(async () => {\n" + source + "\n})();"
	program, err := goja.Compile(name, wrapped, false)
	if err != nil {
		return nil, fmt.Errorf("failed to compile strategy: %w", err)
	}
	return program, nil
}

// Run executes a compiled program against the given bindings. It returns
// nil only when the wrapped promise fulfilled within the time budget.
func (v *VM) Run(ctx context.Context, program *goja.Program, b Bindings) error {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	if err := v.install(ctx, vm, b); err != nil {
		return err
	}

	timer := time.AfterFunc(v.timeout, func() {
		vm.Interrupt(interruptTimeout)
	})
	defer timer.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(interruptCancel)
		case <-done:
		}
	}()

	result, err := vm.RunProgram(program)
	if err != nil {
		return v.mapRunError(err)
	}

	promise, ok := result.Export().(*goja.Promise)
	if !ok {
		return nil
	}
	switch promise.State() {
	case goja.PromiseStateRejected:
		return fmt.Errorf("strategy error: %s", valueMessage(promise.Result()))
	case goja.PromiseStatePending:
		return errors.New("strategy promise did not settle")
	default:
		return nil
	}
}

// install seeds a fresh runtime: indicator globals, the context object,
// the HP facade, and the prelude with its code-generation blocks.
func (v *VM) install(ctx context.Context, vm *goja.Runtime, b Bindings) error {
	for name, fn := range b.Indicators {
		if err := vm.Set(name, fn); err != nil {
			return fmt.Errorf("failed to bind %s: %w", name, err)
		}
	}

	ctxObj := vm.NewObject()
	if err := ctxObj.Set("exchange", b.Exchange); err != nil {
		return fmt.Errorf("failed to bind context: %w", err)
	}
	if err := ctxObj.Set("symbol", b.Symbol); err != nil {
		return fmt.Errorf("failed to bind context: %w", err)
	}
	if err := vm.Set("context", ctxObj); err != nil {
		return fmt.Errorf("failed to bind context: %w", err)
	}

	hp := vm.NewObject()
	if b.Broker != nil {
		broker := b.Broker
		if err := hp.Set("buy", func(call goja.FunctionCall) goja.Value {
			broker.Buy(ctx, amountArg(call, "usd"))
			return goja.Undefined()
		}); err != nil {
			return fmt.Errorf("failed to bind HP.buy: %w", err)
		}
		if err := hp.Set("sell", func(call goja.FunctionCall) goja.Value {
			broker.Sell(ctx, amountArg(call, "pct"))
			return goja.Undefined()
		}); err != nil {
			return fmt.Errorf("failed to bind HP.sell: %w", err)
		}
		if err := hp.Set("log", func(call goja.FunctionCall) goja.Value {
			level, message, meta := logArgs(call)
			broker.Log(ctx, level, message, meta)
			return goja.Undefined()
		}); err != nil {
			return fmt.Errorf("failed to bind HP.log: %w", err)
		}
	}
	if err := vm.Set("HP", hp); err != nil {
		return fmt.Errorf("failed to bind HP: %w", err)
	}

	if _, err := vm.RunString(prelude); err != nil {
		return fmt.Errorf("failed to run prelude: %w", err)
	}
	return nil
}

func (v *VM) mapRunError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if reason, ok := interrupted.Value().(string); ok && reason == interruptCancel {
			return errors.New("execution canceled")
		}
		return fmt.Errorf("execution timed out after %s", v.timeout)
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return fmt.Errorf("strategy error: %s", valueMessage(exception.Value()))
	}
	return err
}

// amountArg extracts the numeric argument for HP.buy / HP.sell. Accepted
// shapes: an object carrying key ({usd: 100} / {pct: 50}), a bare number,
// or the legacy (symbol, number) positional form where the symbol string is
// ignored. Unresolvable arguments yield NaN, which the broker rejects.
func amountArg(call goja.FunctionCall, key string) float64 {
	amount := math.NaN()
	for _, arg := range call.Arguments {
		if arg == nil || goja.IsUndefined(arg) || goja.IsNull(arg) {
			continue
		}
		if obj, ok := arg.(*goja.Object); ok {
			val := obj.Get(key)
			if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
				return val.ToFloat()
			}
			continue
		}
		switch n := arg.Export().(type) {
		case int64:
			amount = float64(n)
		case float64:
			amount = n
		}
	}
	return amount
}

// logArgs normalizes HP.log calls: (message), (level, message) or
// (level, message, meta).
func logArgs(call goja.FunctionCall) (string, string, map[string]interface{}) {
	args := call.Arguments
	switch len(args) {
	case 0:
		return "info", "", nil
	case 1:
		return "info", args[0].String(), nil
	}
	level := args[0].String()
	message := args[1].String()
	var meta map[string]interface{}
	if len(args) > 2 {
		if m, ok := args[2].Export().(map[string]interface{}); ok {
			meta = m
		}
	}
	return level, message, meta
}

// valueMessage renders a thrown or rejected value for the run error. Error
// objects contribute their message; everything else stringifies.
func valueMessage(v goja.Value) string {
	if v == nil {
		return "unknown error"
	}
	if obj, ok := v.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) && !goja.IsNull(msg) {
			return msg.String()
		}
	}
	return v.String()
}
