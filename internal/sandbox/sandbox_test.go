package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/michaelbrown/starbox/internal/boundary"
	"github.com/michaelbrown/starbox/internal/grant"
	"github.com/michaelbrown/starbox/internal/protocol"
	"github.com/michaelbrown/starbox/internal/runtime"
	"github.com/michaelbrown/starbox/internal/shim"
)

func TestBwrapArgs(t *testing.T) {
	grants := []grant.Grant{
		{Host: "/h/data", Guest: "/data/nested", Perm: grant.ReadWrite},
		{Host: "/h/root", Guest: "/data", Perm: grant.ReadOnly},
		{Host: "/h/rel", Guest: "rel", Perm: grant.ReadOnly},
	}
	args := bwrapArgs(grants, "/usr/bin/starbox", 64)
	joined := strings.Join(args, " ")

	for _, want := range []string{
		"--unshare-all",
		"--die-with-parent",
		"--clearenv",
		"--ro-bind /usr/bin/starbox " + guestExe,
		"--bind-fd 5 /data/nested",
		"--ro-bind-fd 6 /data",
		"--ro-bind-fd 7 /work/rel",
		"--chdir /work",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q:\n%s", want, joined)
		}
	}

	// The parent grant must be mounted before the nested one.
	parent := slices.Index(args, "/data")
	nested := slices.Index(args, "/data/nested")
	if parent < 0 || nested < 0 || parent > nested {
		t.Errorf("mount order wrong: /data at %d, /data/nested at %d", parent, nested)
	}

	if tail := args[len(args)-5:]; !slices.Equal(tail, []string{"--", guestExe, "guest", "--max-open-files", "64"}) {
		t.Errorf("command tail = %v", tail)
	}
	for _, a := range args {
		if strings.HasPrefix(a, "/h/") {
			t.Errorf("host path %q passed to bubblewrap; grants must go by fd", a)
		}
	}
}

func TestReserved(t *testing.T) {
	for guest, want := range map[string]bool{
		"/":             true,
		"/proc":         true,
		"/dev/shm":      true,
		"/.starbox":     true,
		"/.starbox/x":   true,
		"/data":         false,
		"rel":           false,
		"/processes":    false,
		"/.starboxdata": false,
	} {
		if got := reserved(guest); got != want {
			t.Errorf("reserved(%q) = %v, want %v", guest, got, want)
		}
	}
}

func TestExecuteWithoutBubblewrap(t *testing.T) {
	bctx, err := boundary.Build(nil, boundary.Options{})
	if err != nil {
		t.Fatal(err)
	}
	b := NewBwrap(Policy{BwrapPath: filepath.Join(t.TempDir(), "no-bwrap")})
	_, err = b.Execute(context.Background(), bctx, "1")

	var ie *runtime.InstantiationError
	if !errors.As(err, &ie) {
		t.Fatalf("error = %v, want *runtime.InstantiationError", err)
	}
	if err := bctx.Claim(); err == nil {
		t.Error("boundary context not released")
	}
}

func TestExecuteReservedGuestPath(t *testing.T) {
	bctx, err := boundary.Build([]grant.Grant{{Host: t.TempDir(), Guest: "/"}}, boundary.Options{})
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewBwrap(DefaultPolicy()).Execute(context.Background(), bctx, "1")
	var ie *runtime.InstantiationError
	if !errors.As(err, &ie) {
		t.Fatalf("error = %v, want *runtime.InstantiationError", err)
	}
}

func serveOne(t *testing.T, req protocol.Request) protocol.Response {
	t.Helper()
	var in, out bytes.Buffer
	if err := protocol.WriteFrame(&in, req); err != nil {
		t.Fatal(err)
	}
	if err := ServeGuest(context.Background(), &in, &out, GuestOptions{}); err != nil {
		t.Fatalf("ServeGuest: %v", err)
	}
	var resp protocol.Response
	if err := protocol.ReadFrame(&out, &resp); err != nil {
		t.Fatalf("reading response: %v", err)
	}
	return resp
}

func TestServeGuestSuccess(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "n.txt"), []byte("41"), 0o644)

	// Outside a namespace the guest path is the host path itself.
	resp := serveOne(t, protocol.Request{
		Script: "print('reading')\nint(open(" + `"` + dir + `/n.txt").read()) + 1`,
		Mounts: []protocol.Mount{{Guest: dir, Perm: "ro"}},
	})
	if resp.Fault != "" || resp.Failure != nil {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Output != "reading\n42" {
		t.Errorf("output = %q", resp.Output)
	}
}

func TestServeGuestScriptFailure(t *testing.T) {
	resp := serveOne(t, protocol.Request{Script: "1/0"})
	if resp.Failure == nil || resp.Failure.Kind != string(shim.KindRuntime) {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestServeGuestSetupFaults(t *testing.T) {
	resp := serveOne(t, protocol.Request{Script: "1", Mounts: []protocol.Mount{{Guest: "/x", Perm: "rx"}}})
	if !resp.Setup || resp.Fault == "" {
		t.Errorf("bad permission: resp = %+v", resp)
	}

	resp = serveOne(t, protocol.Request{Script: "1", Mounts: []protocol.Mount{{Guest: filepath.Join(t.TempDir(), "missing"), Perm: "ro"}}})
	if !resp.Setup || resp.Fault == "" {
		t.Errorf("missing mount: resp = %+v", resp)
	}

	var out bytes.Buffer
	if err := ServeGuest(context.Background(), strings.NewReader("not cbor"), &out, GuestOptions{}); err != nil {
		t.Fatal(err)
	}
	var garbled protocol.Response
	if err := protocol.ReadFrame(&out, &garbled); err != nil || !garbled.Setup {
		t.Errorf("garbled request: resp = %+v, err = %v", garbled, err)
	}
}

func TestServeGuestHardenFailure(t *testing.T) {
	var in, out bytes.Buffer
	protocol.WriteFrame(&in, protocol.Request{Script: "1"})
	opts := GuestOptions{Harden: func(uint64) error { return errors.New("no prctl") }}
	if err := ServeGuest(context.Background(), &in, &out, opts); err != nil {
		t.Fatal(err)
	}
	var resp protocol.Response
	protocol.ReadFrame(&out, &resp)
	if !resp.Setup || !strings.Contains(resp.Fault, "no prctl") {
		t.Errorf("resp = %+v", resp)
	}
}

func TestDecodeResponse(t *testing.T) {
	out, err := decodeResponse(protocol.Response{Output: "ok"})
	if err != nil || out != "ok" {
		t.Errorf("output: %q, %v", out, err)
	}

	_, err = decodeResponse(protocol.Response{Failure: &protocol.Failure{Kind: "timeout", Message: "Timeout"}})
	var se *shim.ScriptError
	if !errors.As(err, &se) || se.Kind != shim.KindTimeout {
		t.Errorf("failure: %v", err)
	}

	_, err = decodeResponse(protocol.Response{Fault: "bad", Setup: true})
	var ie *runtime.InstantiationError
	if !errors.As(err, &ie) {
		t.Errorf("setup fault: %v", err)
	}

	_, err = decodeResponse(protocol.Response{Fault: "panic"})
	var te *runtime.TrapError
	if !errors.As(err, &te) {
		t.Errorf("fault: %v", err)
	}
}
