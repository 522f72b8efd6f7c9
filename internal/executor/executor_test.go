package executor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/michaelbrown/starbox/internal/boundary"
	"github.com/michaelbrown/starbox/internal/grant"
	"github.com/michaelbrown/starbox/internal/runtime"
	"github.com/michaelbrown/starbox/internal/shim"
	"github.com/michaelbrown/starbox/internal/storage"
	"github.com/michaelbrown/starbox/internal/storage/sqlite"
)

func inProcess() *runtime.InProcess {
	return runtime.NewInProcess(runtime.NewEngine(shim.Options{}))
}

func testStore(t *testing.T) *sqlite.SQLiteStore {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestRunSuccess(t *testing.T) {
	store := testStore(t)
	e := New(inProcess(), WithStore(store), WithLogger(quietLogger()))

	o, err := e.Run(context.Background(), Request{Script: "print(\"hi\")\n1+1", Source: "test"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !o.OK() || o.Output != "hi\n2" {
		t.Errorf("outcome = %+v", o)
	}
	if o.Line() != "Output: hi\n2" {
		t.Errorf("line = %q", o.Line())
	}
	if len(o.Digest) != 64 {
		t.Errorf("digest = %q, want 64 hex chars", o.Digest)
	}

	r, err := store.GetRun(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if r.Status != storage.StatusSuccess || r.Output != "hi\n2" || r.Runtime != "inprocess" || r.Source != "test" {
		t.Errorf("recorded %+v", r)
	}
}

func TestRunScriptFailure(t *testing.T) {
	store := testStore(t)
	e := New(inProcess(), WithStore(store), WithLogger(quietLogger()))

	o, err := e.Run(context.Background(), Request{Script: "1/0"})
	if err != nil {
		t.Fatalf("a script failure is not an error: %v", err)
	}
	if o.OK() {
		t.Fatal("outcome should be a failure")
	}
	if !strings.HasPrefix(o.Line(), "Error: ") || !strings.Contains(o.Line(), "division by zero") {
		t.Errorf("line = %q", o.Line())
	}

	r, _ := store.GetRun(context.Background(), o.ID)
	if r.Status != storage.StatusFailure || r.Kind != "runtime" {
		t.Errorf("recorded %+v", r)
	}
}

func TestRunGrantUnavailable(t *testing.T) {
	store := testStore(t)
	e := New(inProcess(), WithStore(store), WithLogger(quietLogger()))

	missing := filepath.Join(t.TempDir(), "missing")
	_, err := e.Run(context.Background(), Request{
		Script: "1",
		Grants: []grant.Grant{{Host: missing, Guest: "/data"}},
	})
	var gu *boundary.GrantUnavailableError
	if !errors.As(err, &gu) {
		t.Fatalf("error = %v, want *boundary.GrantUnavailableError", err)
	}

	runs, _ := store.ListRuns(context.Background(), storage.RunListOptions{Status: storage.StatusFault})
	if len(runs) != 1 {
		t.Errorf("got %d fault runs, want 1", len(runs))
	}
}

func TestRunWithGrant(t *testing.T) {
	dir := t.TempDir()
	e := New(inProcess(), WithLogger(quietLogger()))

	o, err := e.Run(context.Background(), Request{
		Script: `f = open("/out/result.txt", "w")` + "\n" + `f.write("done")` + "\n" + `f.close()`,
		Grants: []grant.Grant{{Host: dir, Guest: "/out", Perm: grant.ReadWrite}},
	})
	if err != nil || !o.OK() {
		t.Fatalf("Run: %v, %+v", err, o)
	}
	data, err := os.ReadFile(filepath.Join(dir, "result.txt"))
	if err != nil || string(data) != "done" {
		t.Errorf("result.txt = %q, %v", data, err)
	}
}

type trappingBackend struct{}

func (trappingBackend) Name() string { return "trap" }

func (trappingBackend) Execute(_ context.Context, bctx *boundary.Context, _ string) (string, error) {
	bctx.Close()
	return "", &runtime.TrapError{Reason: "unreachable"}
}

func TestRunFault(t *testing.T) {
	store := testStore(t)
	e := New(trappingBackend{}, WithStore(store), WithLogger(quietLogger()))

	o, err := e.Run(context.Background(), Request{Script: "1"})
	var te *runtime.TrapError
	if !errors.As(err, &te) {
		t.Fatalf("error = %v, want *runtime.TrapError", err)
	}
	if o != nil {
		t.Error("a fault must not produce an outcome")
	}

	runs, _ := store.ListRuns(context.Background(), storage.RunListOptions{})
	if len(runs) != 1 || runs[0].Status != storage.StatusFault || runs[0].Runtime != "trap" {
		t.Errorf("recorded %+v", runs)
	}
}

type failingStore struct{ storage.Store }

func (failingStore) CreateRun(context.Context, *storage.Run) error {
	return errors.New("disk full")
}

func TestHistoryErrorsDoNotChangeOutcome(t *testing.T) {
	var logs bytes.Buffer
	e := New(inProcess(), WithStore(failingStore{}), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	o, err := e.Run(context.Background(), Request{Script: "'ok'"})
	if err != nil || o.Output != "ok" {
		t.Fatalf("Run: %v, %+v", err, o)
	}
	if !strings.Contains(logs.String(), "disk full") {
		t.Errorf("history failure not logged: %s", logs.String())
	}
}

func TestSameScriptSameDigest(t *testing.T) {
	e := New(inProcess(), WithLogger(quietLogger()))
	a, _ := e.Run(context.Background(), Request{Script: "1"})
	b, _ := e.Run(context.Background(), Request{Script: "1"})
	c, _ := e.Run(context.Background(), Request{Script: "2"})
	if a.Digest != b.Digest || a.Digest == c.Digest {
		t.Errorf("digests: %s %s %s", a.Digest, b.Digest, c.Digest)
	}
	if a.ID == b.ID {
		t.Error("run ids should be unique")
	}
}

func TestInheritStdio(t *testing.T) {
	var stderr bytes.Buffer
	e := New(inProcess(), WithLogger(quietLogger()), WithStdio(strings.NewReader("typed\n"), &stderr))

	o, err := e.Run(context.Background(), Request{Script: "sys.stderr.write('e')\ninput()", InheritStdio: true})
	if err != nil {
		t.Fatal(err)
	}
	if o.Output != "typed" || stderr.String() != "e" {
		t.Errorf("output = %q, stderr = %q", o.Output, stderr.String())
	}

	o, _ = e.Run(context.Background(), Request{Script: "sys.stderr.write('hidden')\n1"})
	if stderr.String() != "e" || o.Output != "1" {
		t.Errorf("stdio leaked without inherit: stderr = %q", stderr.String())
	}
}

func TestRunUsesSuppliedID(t *testing.T) {
	store := testStore(t)
	e := New(inProcess(), WithStore(store), WithLogger(quietLogger()))

	o, err := e.Run(context.Background(), Request{Script: "1", ID: "run-42"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if o.ID != "run-42" {
		t.Errorf("ID = %q, want run-42", o.ID)
	}
	if _, err := store.GetRun(context.Background(), "run-42"); err != nil {
		t.Errorf("GetRun: %v", err)
	}
}
