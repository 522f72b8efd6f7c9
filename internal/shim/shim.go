// Package shim is the code that runs inside a guest instance. It adapts the
// embedded Starlark interpreter to a single entry point, Run, that accepts
// script text and returns either the captured output or a failure message.
//
// The script sees only the guest standard library (see library.go). Files are
// reachable solely through the Filesystem the instance was built with, and
// everything the script prints goes to a per-call buffer.
package shim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"go.starlark.net/resolve"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// SourceName is the logical file name every script is compiled under.
const SourceName = "<embedded>"

// resultName holds the final expression's value. It is not a valid
// identifier, so no script can read or assign it.
const resultName = "<result>"

// contextKey is the thread-local holding the run's context.
const contextKey = "starbox.context"

// fileOptions enables the Python-like forms scripts commonly rely on.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// Kind classifies a script failure. Callers only need to branch on success
// versus failure; Kind exists for diagnostics.
type Kind string

const (
	KindSyntax    Kind = "syntax"
	KindRuntime   Kind = "runtime"
	KindTimeout   Kind = "timeout"
	KindCancelled Kind = "cancelled"
)

// ScriptError is a script-level failure: the script did not compile, raised
// an error, or ran out of time. It is an ordinary outcome, not a fault.
type ScriptError struct {
	Kind    Kind
	Message string
}

func (e *ScriptError) Error() string { return e.Message }

// Options are the limits applied to one Run.
type Options struct {
	// Timeout bounds wall-clock time. Zero means no limit beyond ctx.
	Timeout time.Duration
	// MaxSteps bounds executed interpreter steps. Zero means unlimited.
	MaxSteps uint64
}

// Stdio is the guest's view of standard input and standard error. Standard
// output is never taken from here; it is always captured.
type Stdio struct {
	Stdin  io.Reader
	Stderr io.Writer
}

// Guest is one instance of the shim. It is not safe for concurrent use and
// should run a single script.
type Guest struct {
	opts  Options
	fs    Filesystem
	stdio Stdio
}

// New returns a guest bound to fsys and stdio. A nil fsys denies every path.
func New(opts Options, fsys Filesystem, stdio Stdio) *Guest {
	if fsys == nil {
		fsys = denyAll{}
	}
	if stdio.Stdin == nil {
		stdio.Stdin = strings.NewReader("")
	}
	if stdio.Stderr == nil {
		stdio.Stderr = io.Discard
	}
	return &Guest{opts: opts, fs: fsys, stdio: stdio}
}

// Run compiles and executes script. On success it returns everything the
// script wrote to standard output followed by the text of its final
// expression. Any failure is returned as a *ScriptError and the captured
// output is dropped.
func (g *Guest) Run(ctx context.Context, script string) (string, error) {
	out := &outputBuffer{}
	handles := &fileSet{}
	defer handles.closeAll()

	thread := &starlark.Thread{
		Name: "guest",
		Print: func(_ *starlark.Thread, msg string) {
			out.writeLossy(msg + "\n")
		},
	}
	if g.opts.MaxSteps > 0 {
		thread.SetMaxExecutionSteps(g.opts.MaxSteps)
	}

	runCtx := ctx
	if g.opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, g.opts.Timeout)
		defer cancel()
	}
	stop := context.AfterFunc(runCtx, func() {
		thread.Cancel(context.Cause(runCtx).Error())
	})
	defer stop()

	f, err := fileOptions.Parse(SourceName, script, 0)
	if err != nil {
		return "", syntaxError(err)
	}

	// The value of a trailing expression statement is the script's result.
	// It becomes an assignment to a name scripts cannot spell, so the
	// resolver checks it with the rest of the file before anything runs.
	if n := len(f.Stmts); n > 0 {
		if es, ok := f.Stmts[n-1].(*syntax.ExprStmt); ok {
			pos, _ := es.X.Span()
			f.Stmts[n-1] = &syntax.AssignStmt{
				OpPos: pos,
				Op:    syntax.EQ,
				LHS:   &syntax.Ident{NamePos: pos, Name: resultName},
				RHS:   es.X,
			}
		}
	}

	predeclared := g.library(out, handles)
	prog, err := starlark.FileProgram(f, predeclared.Has)
	if err != nil {
		return "", syntaxError(err)
	}

	thread.SetLocal(contextKey, runCtx)
	globals, err := prog.Init(thread, predeclared)
	if err != nil {
		return "", g.runtimeError(runCtx, thread, err)
	}

	result, ok := globals[resultName]
	if !ok {
		result = starlark.None
	}

	text := valueText(result)
	if !utf8.ValidString(text) {
		return "", &ScriptError{Kind: KindRuntime, Message: "Error: result is not valid UTF-8 text"}
	}

	captured := out.bytes()
	if !utf8.Valid(captured) {
		// Every write path validates its input, so this is a shim bug.
		panic("shim: captured standard output is not valid UTF-8")
	}
	return string(captured) + text, nil
}

func valueText(v starlark.Value) string {
	switch v := v.(type) {
	case nil, starlark.NoneType:
		return ""
	case starlark.String:
		return string(v)
	default:
		return v.String()
	}
}

func syntaxError(err error) *ScriptError {
	var list resolve.ErrorList
	if errors.As(err, &list) {
		lines := make([]string, len(list))
		for i, e := range list {
			lines[i] = fmt.Sprintf("%s: %s", e.Pos, e.Msg)
		}
		return &ScriptError{Kind: KindSyntax, Message: "SyntaxError: " + strings.Join(lines, "\n")}
	}
	return &ScriptError{Kind: KindSyntax, Message: "SyntaxError: " + err.Error()}
}

func (g *Guest) runtimeError(ctx context.Context, thread *starlark.Thread, err error) *ScriptError {
	switch {
	case errors.Is(context.Cause(ctx), context.DeadlineExceeded):
		if g.opts.Timeout > 0 {
			return &ScriptError{Kind: KindTimeout, Message: fmt.Sprintf("Timeout: script exceeded %s", g.opts.Timeout)}
		}
		return &ScriptError{Kind: KindTimeout, Message: "Timeout: deadline exceeded"}
	case ctx.Err() != nil:
		return &ScriptError{Kind: KindCancelled, Message: "Cancelled: " + context.Cause(ctx).Error()}
	case g.opts.MaxSteps > 0 && thread.ExecutionSteps() >= g.opts.MaxSteps:
		return &ScriptError{Kind: KindTimeout, Message: fmt.Sprintf("Timeout: script exceeded %d execution steps", g.opts.MaxSteps)}
	}

	var list resolve.ErrorList
	if errors.As(err, &list) {
		return syntaxError(err)
	}
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return &ScriptError{Kind: KindRuntime, Message: evalErr.Backtrace()}
	}
	return &ScriptError{Kind: KindRuntime, Message: "Error: " + err.Error()}
}
