package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/michaelbrown/starbox/internal/boundary"
	"github.com/michaelbrown/starbox/internal/grant"
	"github.com/michaelbrown/starbox/internal/protocol"
	"github.com/michaelbrown/starbox/internal/runtime"
	"github.com/michaelbrown/starbox/internal/shim"
)

// GuestOptions configure the guest side of the process backend.
type GuestOptions struct {
	MaxOpenFiles uint64

	// Stdin and Stderr are the process's own streams. They reach the script
	// only when the request asks to inherit stdio.
	Stdin  io.Reader
	Stderr io.Writer

	// Harden is applied before the request is read. Tests leave it nil.
	Harden func(maxOpenFiles uint64) error
}

// GuestPipes returns the request and response pipes a guest process
// inherits from the host.
func GuestPipes() (in, out *os.File) {
	return os.NewFile(requestFD, "request"), os.NewFile(responseFD, "response")
}

// ServeGuest answers one request: it reads the frame from in, runs the script
// with the in-process runtime against the directories already mounted at
// their guest paths, and writes exactly one response frame to out.
func ServeGuest(ctx context.Context, in io.Reader, out io.Writer, opts GuestOptions) error {
	resp := serve(ctx, in, opts)
	if err := protocol.WriteFrame(out, resp); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

func serve(ctx context.Context, in io.Reader, opts GuestOptions) protocol.Response {
	setupFault := func(err error) protocol.Response {
		return protocol.Response{Fault: err.Error(), Setup: true}
	}

	if opts.Harden != nil {
		if err := opts.Harden(opts.MaxOpenFiles); err != nil {
			return setupFault(fmt.Errorf("hardening guest: %w", err))
		}
	}

	var req protocol.Request
	if err := protocol.ReadFrame(in, &req); err != nil {
		return setupFault(fmt.Errorf("reading request: %w", err))
	}

	grants := make([]grant.Grant, 0, len(req.Mounts))
	for _, m := range req.Mounts {
		perm, err := grant.ParsePermission(m.Perm)
		if err != nil {
			return setupFault(fmt.Errorf("mount %s: %w", m.Guest, err))
		}
		grants = append(grants, grant.Grant{Host: mountPoint(m.Guest), Guest: m.Guest, Perm: perm})
	}

	bctx, err := boundary.Build(grants, boundary.Options{
		InheritStdio: req.InheritStdio,
		Stdin:        opts.Stdin,
		Stderr:       opts.Stderr,
	})
	if err != nil {
		return setupFault(err)
	}

	engine := runtime.NewEngine(shim.Options{
		Timeout:  time.Duration(req.TimeoutMillis) * time.Millisecond,
		MaxSteps: req.MaxSteps,
	})
	output, err := runtime.NewInProcess(engine).Execute(ctx, bctx, req.Script)

	var scriptErr *shim.ScriptError
	var instErr *runtime.InstantiationError
	switch {
	case err == nil:
		return protocol.Response{Output: output}
	case errors.As(err, &scriptErr):
		return protocol.Response{Failure: &protocol.Failure{Kind: string(scriptErr.Kind), Message: scriptErr.Message}}
	case errors.As(err, &instErr):
		return setupFault(err)
	default:
		return protocol.Response{Fault: err.Error()}
	}
}
