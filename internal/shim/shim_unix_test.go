//go:build unix

package shim

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestTimeoutInterruptsFIFOOpen(t *testing.T) {
	fsys, dir := newRootFS(t)
	fifo := filepath.Join(dir, "pipe")
	if err := unix.Mkfifo(fifo, 0o600); err != nil {
		t.Skipf("mkfifo: %v", err)
	}
	// Release the abandoned open once the test is done.
	t.Cleanup(func() {
		go func() {
			if f, err := os.OpenFile(fifo, os.O_WRONLY, 0); err == nil {
				f.Close()
			}
		}()
	})

	g := New(Options{Timeout: 50 * time.Millisecond}, fsys, Stdio{})
	start := time.Now()
	_, err := run(t, g, `open("/pipe").read()`)
	var se *ScriptError
	if !errors.As(err, &se) || se.Kind != KindTimeout {
		t.Fatalf("error = %v, want timeout", err)
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Errorf("returned after %s", d)
	}
}
