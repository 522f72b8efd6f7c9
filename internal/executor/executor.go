// Package executor is the single path every front end takes to run a
// script: it builds the isolation context from grants, hands it to the
// configured runtime, classifies the outcome and records it in history.
package executor

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/michaelbrown/starbox/internal/boundary"
	"github.com/michaelbrown/starbox/internal/grant"
	"github.com/michaelbrown/starbox/internal/runtime"
	"github.com/michaelbrown/starbox/internal/shim"
	"github.com/michaelbrown/starbox/internal/storage"
)

// Backend is a runtime with a name for logs and history.
type Backend interface {
	runtime.Runtime
	Name() string
}

// Request is one script invocation.
type Request struct {
	Script       string
	Grants       []grant.Grant
	InheritStdio bool
	Source       string // front end that submitted it: cli, repl, http, ws, mcp
	ID           string // run id; minted when empty
}

// Outcome is the result of a script that ran. Exactly one of Output and
// Failure is meaningful.
type Outcome struct {
	ID       string
	Digest   string
	Output   string
	Failure  *shim.ScriptError
	Duration time.Duration
}

// OK reports whether the script succeeded.
func (o *Outcome) OK() bool { return o.Failure == nil }

// Line renders the outcome as the single line the CLI prints.
func (o *Outcome) Line() string {
	if o.Failure != nil {
		return "Error: " + o.Failure.Message
	}
	return "Output: " + o.Output
}

// Executor runs requests against one backend. It is safe for concurrent use.
type Executor struct {
	backend Backend
	store   storage.Store
	stdin   io.Reader
	stderr  io.Writer
	logger  *slog.Logger
}

type Option func(*Executor)

// WithStore records every run in store.
func WithStore(store storage.Store) Option {
	return func(e *Executor) { e.store = store }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithStdio sets the streams a guest inherits when a request asks for them.
func WithStdio(stdin io.Reader, stderr io.Writer) Option {
	return func(e *Executor) { e.stdin, e.stderr = stdin, stderr }
}

func New(backend Backend, opts ...Option) *Executor {
	e := &Executor{backend: backend, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Backend returns the name of the runtime in use.
func (e *Executor) Backend() string { return e.backend.Name() }

// Run executes req in a fresh guest. A script failure is reported in the
// Outcome, not as an error. The returned error is reserved for the host
// failing to run the script at all: *boundary.GrantUnavailableError,
// *runtime.InstantiationError or *runtime.TrapError.
func (e *Executor) Run(ctx context.Context, req Request) (*Outcome, error) {
	sum := blake3.Sum256([]byte(req.Script))
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	o := &Outcome{ID: id, Digest: hex.EncodeToString(sum[:])}
	log := e.logger.With("run", o.ID, "runtime", e.backend.Name(), "source", req.Source)
	start := time.Now()

	bctx, err := boundary.Build(req.Grants, boundary.Options{
		InheritStdio: req.InheritStdio,
		Stdin:        e.stdin,
		Stderr:       e.stderr,
	})
	if err != nil {
		log.Error("building isolation context", "error", err)
		e.record(ctx, req, o, time.Since(start), err)
		return nil, err
	}

	log.Debug("executing script", "bytes", len(req.Script), "grants", len(req.Grants))
	output, err := e.backend.Execute(ctx, bctx, req.Script)
	o.Duration = time.Since(start)

	var scriptErr *shim.ScriptError
	switch {
	case err == nil:
		o.Output = output
		log.Info("script succeeded", "duration", o.Duration)
	case errors.As(err, &scriptErr):
		o.Failure = scriptErr
		log.Info("script failed", "kind", scriptErr.Kind, "duration", o.Duration)
	default:
		log.Error("guest fault", "error", err, "duration", o.Duration)
		e.record(ctx, req, o, o.Duration, err)
		return nil, err
	}

	e.record(ctx, req, o, o.Duration, nil)
	return o, nil
}

func (e *Executor) record(ctx context.Context, req Request, o *Outcome, d time.Duration, fault error) {
	if e.store == nil {
		return
	}

	r := &storage.Run{
		ID:       o.ID,
		Digest:   o.Digest,
		Script:   req.Script,
		Runtime:  e.backend.Name(),
		Source:   req.Source,
		Duration: d,
	}
	for _, g := range req.Grants {
		r.Grants = append(r.Grants, g.String())
	}
	switch {
	case fault != nil:
		r.Status = storage.StatusFault
		r.Message = fault.Error()
	case o.Failure != nil:
		r.Status = storage.StatusFailure
		r.Kind = string(o.Failure.Kind)
		r.Message = o.Failure.Message
	default:
		r.Status = storage.StatusSuccess
		r.Output = o.Output
	}

	// Recorded even when ctx was cancelled.
	if err := e.store.CreateRun(context.WithoutCancel(ctx), r); err != nil {
		e.logger.Warn("recording run", "run", o.ID, "error", err)
	}
}
