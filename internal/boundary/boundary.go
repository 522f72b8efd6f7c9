// Package boundary builds the isolation context a guest runs in.
//
// A Context is the guest's entire filesystem namespace: one pre-opened
// directory per capability grant, addressed only by its guest path. The host
// path strings never reach the guest, and a guest path that no grant covers
// resolves to nothing, whatever exists on the host. Inside a grant every
// lookup goes through an os.Root, so ".." and symlinks cannot leave the
// granted directory.
//
// A Context is single-use: it is claimed by exactly one guest instance and
// closed when that instance is torn down.
package boundary

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/michaelbrown/starbox/internal/grant"
)

// ErrContextClaimed is returned when a second instance tries to use a Context.
var ErrContextClaimed = errors.New("isolation context already claimed")

var errNotGranted = fmt.Errorf("not covered by any grant: %w", fs.ErrNotExist)

// GrantUnavailableError reports a grant whose host directory could not be
// opened with the requested permission.
type GrantUnavailableError struct {
	Grant grant.Grant
	Err   error
}

func (e *GrantUnavailableError) Error() string {
	return fmt.Sprintf("grant %s unavailable: %v", e.Grant, e.Err)
}

func (e *GrantUnavailableError) Unwrap() error { return e.Err }

// Options controls the standard streams a guest may reach.
type Options struct {
	// InheritStdio wires guest stdin and stderr to the host. Guest stdout is
	// always captured by the shim and never inherited.
	InheritStdio bool

	// Stdin and Stderr replace os.Stdin and os.Stderr when InheritStdio is set.
	Stdin  io.Reader
	Stderr io.Writer
}

type mount struct {
	grant grant.Grant
	guest string // cleaned guest path
	root  *os.Root
}

// Context is the per-invocation bundle of opened grants and stdio policy.
type Context struct {
	mounts []*mount
	opts   Options

	claimed   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Build opens every grant's host directory and returns a Context ready for
// one guest instance. If any grant cannot be opened, the directories already
// opened are released and a *GrantUnavailableError is returned.
func Build(grants []grant.Grant, opts Options) (*Context, error) {
	c := &Context{opts: opts}
	for _, g := range grants {
		m, err := openMount(g)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.mounts = append(c.mounts, m)
	}
	return c, nil
}

func openMount(g grant.Grant) (*mount, error) {
	root, err := os.OpenRoot(g.Host)
	if err != nil {
		return nil, &GrantUnavailableError{Grant: g, Err: err}
	}
	if err := checkAccess(g.Host, g.Perm); err != nil {
		root.Close()
		return nil, &GrantUnavailableError{Grant: g, Err: err}
	}
	return &mount{grant: g, guest: path.Clean(g.Guest), root: root}, nil
}

// Claim marks the context as owned by one guest instance.
func (c *Context) Claim() error {
	if c.closed.Load() {
		return fs.ErrClosed
	}
	if !c.claimed.CompareAndSwap(false, true) {
		return ErrContextClaimed
	}
	return nil
}

// Close releases every opened grant. It is safe to call more than once.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		var errs []error
		for _, m := range c.mounts {
			if err := m.root.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// Grants returns the grants in the order they were built.
func (c *Context) Grants() []grant.Grant {
	out := make([]grant.Grant, len(c.mounts))
	for i, m := range c.mounts {
		out[i] = m.grant
	}
	return out
}

// OpenDirs returns a fresh handle on each granted directory, in Grants order.
// The caller owns the returned files.
func (c *Context) OpenDirs() ([]*os.File, error) {
	if c.closed.Load() {
		return nil, fs.ErrClosed
	}
	dirs := make([]*os.File, 0, len(c.mounts))
	for _, m := range c.mounts {
		d, err := m.root.Open(".")
		if err != nil {
			for _, open := range dirs {
				open.Close()
			}
			return nil, &GrantUnavailableError{Grant: m.grant, Err: err}
		}
		dirs = append(dirs, d)
	}
	return dirs, nil
}

// InheritStdio reports whether guest stdin and stderr reach the host.
func (c *Context) InheritStdio() bool { return c.opts.InheritStdio }

// Stdin is what the guest reads from standard input.
func (c *Context) Stdin() io.Reader {
	if !c.opts.InheritStdio {
		return strings.NewReader("")
	}
	if c.opts.Stdin != nil {
		return c.opts.Stdin
	}
	return os.Stdin
}

// Stderr is where guest standard error goes.
func (c *Context) Stderr() io.Writer {
	if !c.opts.InheritStdio {
		return io.Discard
	}
	if c.opts.Stderr != nil {
		return c.opts.Stderr
	}
	return os.Stderr
}

// resolve maps a guest path onto the grant that covers it. The longest
// covering guest path wins; of two identical guest paths the later grant wins.
func (c *Context) resolve(op, name string) (*mount, string, error) {
	if c.closed.Load() {
		return nil, "", &fs.PathError{Op: op, Path: name, Err: fs.ErrClosed}
	}
	p := path.Clean(name)

	var best *mount
	var bestRel string
	for _, m := range c.mounts {
		rel, ok := covers(m.guest, p)
		if !ok {
			continue
		}
		if best == nil || len(m.guest) >= len(best.guest) {
			best, bestRel = m, rel
		}
	}
	if best == nil {
		return nil, "", &fs.PathError{Op: op, Path: name, Err: errNotGranted}
	}
	if !filepath.IsLocal(bestRel) {
		return nil, "", &fs.PathError{Op: op, Path: name, Err: errNotGranted}
	}
	return best, filepath.FromSlash(bestRel), nil
}

func covers(guest, p string) (string, bool) {
	switch {
	case guest == p:
		return ".", true
	case guest == "/":
		if strings.HasPrefix(p, "/") {
			return p[1:], true
		}
	case guest == ".":
		if !strings.HasPrefix(p, "/") && p != ".." && !strings.HasPrefix(p, "../") {
			return p, true
		}
	case strings.HasPrefix(p, guest+"/"):
		return p[len(guest)+1:], true
	}
	return "", false
}

const writeFlags = os.O_WRONLY | os.O_RDWR | os.O_CREATE | os.O_TRUNC | os.O_APPEND

// OpenFile opens a file inside the grant covering name. Any flag that could
// modify the file requires a ReadWrite grant.
func (c *Context) OpenFile(name string, flag int, perm fs.FileMode) (*os.File, error) {
	m, rel, err := c.resolve("open", name)
	if err != nil {
		return nil, err
	}
	if flag&writeFlags != 0 && !m.grant.Perm.CanWrite() {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrPermission}
	}
	f, err := m.root.OpenFile(rel, flag, perm)
	if err != nil {
		return nil, guestPathError(err, "open", name)
	}
	return f, nil
}

// ReadDir lists a directory inside a grant, sorted by name.
func (c *Context) ReadDir(name string) ([]fs.DirEntry, error) {
	m, rel, err := c.resolve("readdir", name)
	if err != nil {
		return nil, err
	}
	f, err := m.root.Open(rel)
	if err != nil {
		return nil, guestPathError(err, "readdir", name)
	}
	defer f.Close()

	entries, err := f.ReadDir(-1)
	if err != nil {
		return nil, guestPathError(err, "readdir", name)
	}
	slices.SortFunc(entries, func(a, b fs.DirEntry) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return entries, nil
}

// Stat describes an entry inside a grant.
func (c *Context) Stat(name string) (fs.FileInfo, error) {
	m, rel, err := c.resolve("stat", name)
	if err != nil {
		return nil, err
	}
	fi, err := m.root.Stat(rel)
	if err != nil {
		return nil, guestPathError(err, "stat", name)
	}
	return fi, nil
}

// Mkdir creates a directory inside a ReadWrite grant.
func (c *Context) Mkdir(name string, perm fs.FileMode) error {
	m, rel, err := c.resolve("mkdir", name)
	if err != nil {
		return err
	}
	if !m.grant.Perm.CanWrite() {
		return &fs.PathError{Op: "mkdir", Path: name, Err: fs.ErrPermission}
	}
	return guestPathError(m.root.Mkdir(rel, perm), "mkdir", name)
}

// Remove deletes a file or empty directory inside a ReadWrite grant. The
// granted directory itself cannot be removed.
func (c *Context) Remove(name string) error {
	m, rel, err := c.resolve("remove", name)
	if err != nil {
		return err
	}
	if !m.grant.Perm.CanWrite() || rel == "." {
		return &fs.PathError{Op: "remove", Path: name, Err: fs.ErrPermission}
	}
	return guestPathError(m.root.Remove(rel), "remove", name)
}

// guestPathError rewrites the path in err to the guest path so host paths
// never leak into messages the guest can read.
func guestPathError(err error, op, name string) error {
	if err == nil {
		return nil
	}
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return &fs.PathError{Op: op, Path: name, Err: pe.Err}
	}
	var le *os.LinkError
	if errors.As(err, &le) {
		return &fs.PathError{Op: op, Path: name, Err: le.Err}
	}
	return &fs.PathError{Op: op, Path: name, Err: err}
}
