// Package runtime hosts guest instances. Each Execute call gets a fresh
// instance with its own resource table and its own isolation context, runs
// one script, and tears everything down before returning.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/michaelbrown/starbox/internal/boundary"
	"github.com/michaelbrown/starbox/internal/shim"
)

// Runtime runs one script in a fresh, isolated guest.
//
// Execute returns the shim's result unchanged: the captured output, or a
// *shim.ScriptError for a script failure. Any other error is an
// infrastructure fault (*InstantiationError or *TrapError).
type Runtime interface {
	Execute(ctx context.Context, bctx *boundary.Context, script string) (string, error)
}

// Engine is the configuration shared by every instance a runtime creates.
// It is immutable after NewEngine and safe for concurrent use.
type Engine struct {
	opts shim.Options
}

func NewEngine(opts shim.Options) *Engine {
	return &Engine{opts: opts}
}

// Options returns the limits applied to every instance.
func (e *Engine) Options() shim.Options { return e.opts }

// InstantiationError means a guest instance could not be created.
type InstantiationError struct {
	Err error
}

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("instantiation failed: %v", e.Err)
}

func (e *InstantiationError) Unwrap() error { return e.Err }

// TrapError means the guest aborted abnormally instead of returning a result.
type TrapError struct {
	Reason string
	Stack  []byte
}

func (e *TrapError) Error() string {
	return "guest trapped: " + e.Reason
}

// InProcess runs the interpreter inside the host process. Isolation comes
// from the interpreter itself: a script has no builtins beyond the guest
// library, and that library reaches files only through the boundary context.
type InProcess struct {
	engine *Engine
}

func NewInProcess(engine *Engine) *InProcess {
	return &InProcess{engine: engine}
}

// Name identifies the backend in logs and history.
func (p *InProcess) Name() string { return "inprocess" }

// runGuest is replaced in tests.
var runGuest = func(ctx context.Context, g *shim.Guest, script string) (string, error) {
	return g.Run(ctx, script)
}

func (p *InProcess) Execute(ctx context.Context, bctx *boundary.Context, script string) (out string, err error) {
	if err := bctx.Claim(); err != nil {
		return "", &InstantiationError{Err: err}
	}
	st := newStore(bctx)
	defer st.close()

	if err := ctx.Err(); err != nil {
		return "", &InstantiationError{Err: err}
	}

	guest := shim.New(p.engine.opts, st, shim.Stdio{
		Stdin:  bctx.Stdin(),
		Stderr: bctx.Stderr(),
	})

	defer func() {
		if r := recover(); r != nil {
			out, err = "", &TrapError{Reason: fmt.Sprint(r), Stack: debug.Stack()}
		}
	}()
	return runGuest(ctx, guest, script)
}
