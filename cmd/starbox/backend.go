package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/michaelbrown/starbox/internal/config"
	"github.com/michaelbrown/starbox/internal/executor"
	"github.com/michaelbrown/starbox/internal/runtime"
	"github.com/michaelbrown/starbox/internal/sandbox"
	"github.com/michaelbrown/starbox/internal/shim"
	"github.com/michaelbrown/starbox/internal/storage"
	"github.com/michaelbrown/starbox/internal/storage/sqlite"
)

// newBackend returns the runtime selected by runtime.backend.
func newBackend(c *config.Config) (executor.Backend, error) {
	switch c.Runtime.Backend {
	case config.BackendInProcess:
		return runtime.NewInProcess(runtime.NewEngine(shim.Options{
			Timeout:  c.Runtime.Timeout,
			MaxSteps: c.Runtime.MaxSteps,
		})), nil
	case config.BackendBwrap:
		return sandbox.NewBwrap(sandbox.Policy{
			BwrapPath:    c.Sandbox.BwrapPath,
			GuestBinary:  c.Sandbox.GuestBinary,
			Timeout:      c.Runtime.Timeout,
			MaxSteps:     c.Runtime.MaxSteps,
			MaxOpenFiles: c.Sandbox.MaxOpenFiles,
		}), nil
	default:
		return nil, fmt.Errorf("unknown runtime backend %q", c.Runtime.Backend)
	}
}

// openHistory opens the history store, or returns nil when history is off.
func openHistory(c *config.Config) (storage.Store, error) {
	if !c.Storage.History {
		return nil, nil
	}
	store, err := sqlite.Open(c.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	return store, nil
}

// newExecutor wires the configured backend and history together. The
// returned close func releases the store.
func newExecutor(c *config.Config, stdin io.Reader, stderr io.Writer) (*executor.Executor, storage.Store, func(), error) {
	backend, err := newBackend(c)
	if err != nil {
		return nil, nil, nil, err
	}
	store, err := openHistory(c)
	if err != nil {
		return nil, nil, nil, err
	}

	opts := []executor.Option{executor.WithLogger(slog.Default()), executor.WithStdio(stdin, stderr)}
	closeFn := func() {}
	if store != nil {
		opts = append(opts, executor.WithStore(store))
		closeFn = func() {
			if err := store.Close(); err != nil {
				slog.Warn("closing history", "error", err)
			}
		}
	}
	return executor.New(backend, opts...), store, closeFn, nil
}
