package shim

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func run(t *testing.T, g *Guest, script string) (string, error) {
	t.Helper()
	return g.Run(context.Background(), script)
}

func TestRunOutputAndFinalValue(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"print then expression", "print(\"hi\")\n1+1", "hi\n2"},
		{"expression only", "6*7", "42"},
		{"string result is unquoted", "'abc'", "abc"},
		{"none appends nothing", "print('x')\nNone", "x\n"},
		{"trailing statement", "x = 1", ""},
		{"empty script", "", ""},
		{"print kwargs", "print('a', 'b', sep='-', end='!')", "a-b!"},
		{"sys.stdout.write", "sys.stdout.write('raw')\n", "raw"},
		{"list result", "[1, 2]", "[1, 2]"},
		{"function call result", "def f(n):\n    return n * 2\nf(21)", "42"},
		{"json module", "json.encode({'a': 1})", `{"a":1}`},
		{"loop at top level", "t = 0\nfor i in range(4):\n    t += i\nt", "6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := run(t, New(Options{}, nil, Stdio{}), tt.script)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		kind     Kind
		contains string
	}{
		{"syntax", "def (:", KindSyntax, "<embedded>"},
		{"undefined name", "print('before')\nnope", KindSyntax, "undefined"},
		{"division by zero", "print('before')\n1/0", KindRuntime, "division by zero"},
		{"fail builtin", "fail('boom')", KindRuntime, "boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := run(t, New(Options{}, nil, Stdio{}), tt.script)
			var se *ScriptError
			if !errors.As(err, &se) {
				t.Fatalf("error = %v, want *ScriptError", err)
			}
			if se.Kind != tt.kind {
				t.Errorf("kind = %s, want %s", se.Kind, tt.kind)
			}
			if !strings.Contains(se.Message, tt.contains) {
				t.Errorf("message %q does not contain %q", se.Message, tt.contains)
			}
			if got != "" {
				t.Errorf("output should be dropped on failure, got %q", got)
			}
		})
	}
}

func TestRunStepLimit(t *testing.T) {
	g := New(Options{MaxSteps: 10_000}, nil, Stdio{})
	_, err := run(t, g, "while True:\n    pass")
	var se *ScriptError
	if !errors.As(err, &se) || se.Kind != KindTimeout {
		t.Fatalf("error = %v, want timeout", err)
	}
}

func TestRunTimeout(t *testing.T) {
	g := New(Options{Timeout: 50 * time.Millisecond}, nil, Stdio{})
	start := time.Now()
	_, err := run(t, g, "while True:\n    pass")
	var se *ScriptError
	if !errors.As(err, &se) || se.Kind != KindTimeout {
		t.Fatalf("error = %v, want timeout", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("timeout took %s", time.Since(start))
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Options{}, nil, Stdio{}).Run(ctx, "while True:\n    pass")
	var se *ScriptError
	if !errors.As(err, &se) || se.Kind != KindCancelled {
		t.Fatalf("error = %v, want cancelled", err)
	}
}

func TestRunRejectsInvalidText(t *testing.T) {
	// Indexing a string yields single bytes, so "é"[0] is not valid UTF-8.
	for _, script := range []string{
		`sys.stdout.write("é"[0])`,
		`print("é"[0])`,
		`"é"[0]`,
	} {
		got, err := run(t, New(Options{}, nil, Stdio{}), script)
		var se *ScriptError
		if !errors.As(err, &se) {
			t.Errorf("%s: error = %v, want *ScriptError", script, err)
		}
		if got != "" {
			t.Errorf("%s: output = %q", script, got)
		}
	}
}

func TestStdinAndStderr(t *testing.T) {
	var stderr strings.Builder
	g := New(Options{}, nil, Stdio{Stdin: strings.NewReader("alice\nrest"), Stderr: &stderr})

	got, err := run(t, g, "name = input('who? ')\nsys.stderr.write('warn')\n'hello ' + name")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "who? hello alice" {
		t.Errorf("output = %q", got)
	}
	if stderr.String() != "warn" {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestInputAtEOF(t *testing.T) {
	_, err := run(t, New(Options{}, nil, Stdio{}), "input()")
	var se *ScriptError
	if !errors.As(err, &se) || !strings.Contains(se.Message, "EOF") {
		t.Fatalf("error = %v, want EOF script error", err)
	}
}

// rootFS maps guest paths straight onto a temp directory.
type rootFS struct{ r *os.Root }

func rel(name string) string {
	if r := strings.TrimPrefix(filepath.Clean(name), "/"); r != "" {
		return r
	}
	return "."
}

func (f rootFS) OpenFile(name string, flag int) (File, error) {
	return f.r.OpenFile(rel(name), flag, 0o644)
}
func (f rootFS) ReadDir(name string) ([]fs.DirEntry, error) { return fs.ReadDir(f.r.FS(), rel(name)) }
func (f rootFS) Stat(name string) (fs.FileInfo, error)      { return f.r.Stat(rel(name)) }
func (f rootFS) Mkdir(name string) error                    { return f.r.Mkdir(rel(name), 0o755) }
func (f rootFS) Remove(name string) error                   { return f.r.Remove(rel(name)) }

func newRootFS(t *testing.T) (rootFS, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := os.OpenRoot(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return rootFS{r}, dir
}

func TestFileAccess(t *testing.T) {
	fsys, dir := newRootFS(t)
	if err := os.WriteFile(filepath.Join(dir, "in.txt"), []byte("one\ntwo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	script := `
f = open("/in.txt")
lines = f.readlines()
f.close()
out = open("/out.txt", "w")
out.write("copied %d" % len(lines))
out.close()
os.mkdir("/sub")
[os.exists("/in.txt"), os.isdir("/sub"), os.isfile("/sub"), sorted(os.listdir("/"))]
`
	got, err := run(t, New(Options{}, fsys, Stdio{}), script)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := `[True, True, False, ["in.txt", "out.txt", "sub"]]`
	if got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	if err != nil || string(data) != "copied 2" {
		t.Errorf("out.txt = %q, %v", data, err)
	}
}

func TestNoFilesystemDeniesEverything(t *testing.T) {
	_, err := run(t, New(Options{}, nil, Stdio{}), `open("/etc/passwd").read()`)
	var se *ScriptError
	if !errors.As(err, &se) || se.Kind != KindRuntime {
		t.Fatalf("error = %v, want runtime script error", err)
	}
	got, err := run(t, New(Options{}, nil, Stdio{}), `os.exists("/etc/passwd")`)
	if err != nil || got != "False" {
		t.Errorf("exists = %q, %v", got, err)
	}
}

func TestWriteToReadOnlyHandle(t *testing.T) {
	fsys, dir := newRootFS(t)
	os.WriteFile(filepath.Join(dir, "a"), []byte("x"), 0o644)

	_, err := run(t, New(Options{}, fsys, Stdio{}), `open("/a").write("y")`)
	var se *ScriptError
	if !errors.As(err, &se) || !strings.Contains(se.Message, "not writable") {
		t.Fatalf("error = %v", err)
	}
}

func TestOpenFlags(t *testing.T) {
	tests := []struct {
		mode    string
		binary  bool
		wantErr bool
	}{
		{"r", false, false},
		{"rb", true, false},
		{"w", false, false},
		{"a+", false, false},
		{"x", false, false},
		{"q", false, true},
	}
	for _, tt := range tests {
		_, binary, err := openFlags(tt.mode)
		if (err != nil) != tt.wantErr {
			t.Errorf("openFlags(%q) error = %v", tt.mode, err)
		}
		if binary != tt.binary {
			t.Errorf("openFlags(%q) binary = %v", tt.mode, binary)
		}
	}
}

func TestGuestsAreIndependent(t *testing.T) {
	a := New(Options{}, nil, Stdio{})
	b := New(Options{}, nil, Stdio{})
	if _, err := run(t, a, "print('only a')\nx = 1"); err != nil {
		t.Fatal(err)
	}
	got, err := run(t, b, "print('b')")
	if err != nil || got != "b\n" {
		t.Errorf("b output = %q, %v", got, err)
	}
}

func TestReadSizeIsAnUpperBound(t *testing.T) {
	fsys, dir := newRootFS(t)
	if err := os.WriteFile(filepath.Join(dir, "a"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		script string
		want   string
	}{
		{`open("/a").read(1 << 62)`, "abc"},
		{`open("/a").read(1 << 42)`, "abc"},
		{`open("/a").read(2)`, "ab"},
		{`open("/a").read(0)`, ""},
		{`open("/a").read(-1)`, "abc"},
	}
	for _, tt := range tests {
		got, err := run(t, New(Options{}, fsys, Stdio{}), tt.script)
		if err != nil {
			t.Errorf("%s: %v", tt.script, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s = %q, want %q", tt.script, got, tt.want)
		}
	}
}

func TestBadFinalExpressionRunsNothing(t *testing.T) {
	fsys, dir := newRootFS(t)

	script := `
f = open("/side.txt", "w")
f.write("written")
f.close()
print("ran")
undefined_name`
	got, err := run(t, New(Options{}, fsys, Stdio{}), script)
	var se *ScriptError
	if !errors.As(err, &se) || se.Kind != KindSyntax {
		t.Fatalf("error = %v, want syntax error", err)
	}
	if !strings.Contains(se.Message, "undefined_name") {
		t.Errorf("message = %q", se.Message)
	}
	if got != "" {
		t.Errorf("output = %q", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "side.txt")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("script body ran before the compile error: stat = %v", err)
	}
}

func TestFinalValueNameIsNotReachable(t *testing.T) {
	got, err := run(t, New(Options{}, nil, Stdio{}), "result = 1\nresult + 1")
	if err != nil || got != "2" {
		t.Errorf("output = %q, %v", got, err)
	}
}

func TestTimeoutInterruptsBlockedStdin(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { pw.Close() })

	for _, script := range []string{"sys.stdin.read()", "sys.stdin.readline()", "input()"} {
		g := New(Options{Timeout: 50 * time.Millisecond}, nil, Stdio{Stdin: pr})
		start := time.Now()
		_, err := run(t, g, script)
		var se *ScriptError
		if !errors.As(err, &se) || se.Kind != KindTimeout {
			t.Errorf("%s: error = %v, want timeout", script, err)
		}
		if d := time.Since(start); d > 5*time.Second {
			t.Errorf("%s: returned after %s", script, d)
		}
	}
}
