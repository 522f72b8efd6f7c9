// Package sandbox runs guests in a separate process inside a bubblewrap
// namespace. The namespace's filesystem holds only the granted directories,
// so a guest that escaped the interpreter would still find nothing else.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/michaelbrown/starbox/internal/boundary"
	"github.com/michaelbrown/starbox/internal/protocol"
	"github.com/michaelbrown/starbox/internal/runtime"
	"github.com/michaelbrown/starbox/internal/shim"
)

// killGrace is how long the host waits past the policy timeout, giving the
// guest the chance to report its own timeout before it is killed.
const killGrace = 2 * time.Second

// Bwrap is a runtime.Runtime that executes each script in a fresh
// bubblewrap-isolated child process.
type Bwrap struct {
	Policy Policy
}

var _ runtime.Runtime = (*Bwrap)(nil)

// NewBwrap creates a backend with the given policy.
func NewBwrap(policy Policy) *Bwrap {
	return &Bwrap{Policy: policy}
}

func (b *Bwrap) Name() string { return "bwrap" }

func (b *Bwrap) Execute(ctx context.Context, bctx *boundary.Context, script string) (string, error) {
	if err := bctx.Claim(); err != nil {
		return "", &runtime.InstantiationError{Err: err}
	}
	defer bctx.Close()

	grants := bctx.Grants()
	for _, g := range grants {
		if reserved(g.Guest) {
			return "", &runtime.InstantiationError{Err: fmt.Errorf("guest path %q is reserved", g.Guest)}
		}
	}

	bwrap, guestBinary, err := b.Policy.resolve()
	if err != nil {
		return "", &runtime.InstantiationError{Err: err}
	}

	dirs, err := bctx.OpenDirs()
	if err != nil {
		return "", &runtime.InstantiationError{Err: err}
	}
	childFiles := make([]*os.File, 0, 2+len(dirs))
	defer func() {
		for _, f := range childFiles {
			f.Close()
		}
	}()

	reqR, reqW, err := os.Pipe()
	if err != nil {
		closeAll(dirs)
		return "", &runtime.InstantiationError{Err: fmt.Errorf("creating request pipe: %w", err)}
	}
	defer reqW.Close()
	respR, respW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		closeAll(dirs)
		return "", &runtime.InstantiationError{Err: fmt.Errorf("creating response pipe: %w", err)}
	}
	defer respR.Close()
	childFiles = append(childFiles, reqR, respW)
	childFiles = append(childFiles, dirs...)

	runCtx := ctx
	if b.Policy.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, b.Policy.Timeout+killGrace)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, bwrap, bwrapArgs(grants, guestBinary, b.Policy.MaxOpenFiles)...)
	cmd.ExtraFiles = childFiles
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = time.Second
	if bctx.InheritStdio() {
		cmd.Stdin = bctx.Stdin()
		cmd.Stderr = bctx.Stderr()
	}

	if err := cmd.Start(); err != nil {
		return "", &runtime.InstantiationError{Err: fmt.Errorf("starting bubblewrap: %w", err)}
	}
	slog.Debug("guest process started", "pid", cmd.Process.Pid, "grants", len(grants))

	// The child holds its own copies now.
	for _, f := range childFiles {
		f.Close()
	}
	childFiles = nil

	req := protocol.Request{
		Script:        script,
		InheritStdio:  bctx.InheritStdio(),
		TimeoutMillis: b.Policy.Timeout.Milliseconds(),
		MaxSteps:      b.Policy.MaxSteps,
	}
	for _, g := range grants {
		req.Mounts = append(req.Mounts, protocol.Mount{Guest: g.Guest, Perm: g.Perm.String()})
	}
	go func() {
		// A guest that dies early makes this fail with EPIPE; the response
		// read below reports that.
		protocol.WriteFrame(reqW, req)
		reqW.Close()
	}()

	var resp protocol.Response
	readErr := protocol.ReadFrame(respR, &resp)
	waitErr := cmd.Wait()

	if ctxErr := runCtx.Err(); ctxErr != nil && readErr != nil {
		if ctx.Err() == nil || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg := "Timeout: deadline exceeded"
			if b.Policy.Timeout > 0 {
				msg = fmt.Sprintf("Timeout: script exceeded %s", b.Policy.Timeout)
			}
			return "", &shim.ScriptError{Kind: shim.KindTimeout, Message: msg}
		}
		return "", &shim.ScriptError{Kind: shim.KindCancelled, Message: "Cancelled: " + context.Cause(ctx).Error()}
	}
	if readErr != nil {
		return "", &runtime.TrapError{Reason: fmt.Sprintf("guest exited without a response: %v (read: %v)", waitErr, readErr)}
	}
	return decodeResponse(resp)
}

func decodeResponse(resp protocol.Response) (string, error) {
	switch {
	case resp.Fault != "" && resp.Setup:
		return "", &runtime.InstantiationError{Err: errors.New(resp.Fault)}
	case resp.Fault != "":
		return "", &runtime.TrapError{Reason: resp.Fault}
	case resp.Failure != nil:
		return "", &shim.ScriptError{Kind: shim.Kind(resp.Failure.Kind), Message: resp.Failure.Message}
	}
	return resp.Output, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}
