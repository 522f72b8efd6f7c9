package shim

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// File is an open guest file.
type File interface {
	io.Reader
	io.Writer
	io.Closer
}

// Filesystem is the guest's only route to files. Names are guest paths;
// mapping them onto host directories, and refusing everything else, is the
// implementation's job.
type Filesystem interface {
	OpenFile(name string, flag int) (File, error)
	ReadDir(name string) ([]fs.DirEntry, error)
	Stat(name string) (fs.FileInfo, error)
	Mkdir(name string) error
	Remove(name string) error
}

type denyAll struct{}

func denied(op, name string) error {
	return &fs.PathError{Op: op, Path: name, Err: fs.ErrNotExist}
}

func (denyAll) OpenFile(name string, _ int) (File, error)   { return nil, denied("open", name) }
func (denyAll) ReadDir(name string) ([]fs.DirEntry, error) { return nil, denied("readdir", name) }
func (denyAll) Stat(name string) (fs.FileInfo, error)      { return nil, denied("stat", name) }
func (denyAll) Mkdir(name string) error                    { return denied("mkdir", name) }
func (denyAll) Remove(name string) error                   { return denied("remove", name) }

func errorf(b *starlark.Builtin, err error) error {
	return fmt.Errorf("%s: %w", b.Name(), err)
}

// fileSet tracks files a script left open so Run can close them.
type fileSet struct {
	open []*fileValue
}

func (s *fileSet) add(f *fileValue) { s.open = append(s.open, f) }

func (s *fileSet) closeAll() {
	for _, f := range s.open {
		f.close()
	}
	s.open = nil
}

func openFlags(mode string) (flag int, binary bool, err error) {
	binary = strings.Contains(mode, "b")
	m := strings.ReplaceAll(mode, "b", "")
	plus := strings.Contains(m, "+")
	m = strings.ReplaceAll(m, "+", "")

	switch m {
	case "r":
		flag = os.O_RDONLY
		if plus {
			flag = os.O_RDWR
		}
	case "w":
		flag = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case "a":
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	case "x":
		flag = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	default:
		return 0, false, fmt.Errorf("invalid mode: %q", mode)
	}
	if plus && m != "r" {
		flag = flag&^os.O_WRONLY | os.O_RDWR
	}
	return flag, binary, nil
}

// fileValue is the Starlark object returned by open().
type fileValue struct {
	name     string
	mode     string
	binary   bool
	readable bool
	writable bool
	f        File
	r        *bufio.Reader
	closed   bool
}

var _ starlark.HasAttrs = (*fileValue)(nil)

func (fv *fileValue) String() string        { return fmt.Sprintf("<file %q mode %q>", fv.name, fv.mode) }
func (fv *fileValue) Type() string          { return "file" }
func (fv *fileValue) Freeze()               {}
func (fv *fileValue) Truth() starlark.Bool  { return starlark.True }
func (fv *fileValue) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable: %s", fv.Type()) }

func (fv *fileValue) close() error {
	if fv.closed {
		return nil
	}
	fv.closed = true
	return fv.f.Close()
}

func (fv *fileValue) text(data []byte) (starlark.Value, error) {
	if fv.binary {
		return starlark.Bytes(data), nil
	}
	return starlark.String(data), nil
}

var errClosedFile = errors.New("I/O operation on closed file")

func (fv *fileValue) Attr(name string) (starlark.Value, error) {
	switch name {
	case "name":
		return starlark.String(fv.name), nil
	case "mode":
		return starlark.String(fv.mode), nil
	case "closed":
		return starlark.Bool(fv.closed), nil
	case "read":
		return starlark.NewBuiltin("read", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			size := -1
			if err := starlark.UnpackPositionalArgs("read", args, kwargs, 0, &size); err != nil {
				return nil, err
			}
			if err := fv.check(fv.readable, "not readable"); err != nil {
				return nil, errorf(b, err)
			}
			// The buffer grows with the data actually read; size is only
			// an upper bound.
			var src io.Reader = fv.r
			if size >= 0 {
				src = io.LimitReader(fv.r, int64(size))
			}
			data, err := interruptible(thread, func() ([]byte, error) { return io.ReadAll(src) }, nil)
			if err != nil {
				return nil, errorf(b, err)
			}
			return fv.text(data)
		}), nil
	case "readline":
		return starlark.NewBuiltin("readline", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs("readline", args, kwargs, 0); err != nil {
				return nil, err
			}
			if err := fv.check(fv.readable, "not readable"); err != nil {
				return nil, errorf(b, err)
			}
			line, err := interruptible(thread, func() ([]byte, error) { return fv.r.ReadBytes('\n') }, nil)
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, errorf(b, err)
			}
			return fv.text(line)
		}), nil
	case "readlines":
		return starlark.NewBuiltin("readlines", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs("readlines", args, kwargs, 0); err != nil {
				return nil, err
			}
			if err := fv.check(fv.readable, "not readable"); err != nil {
				return nil, errorf(b, err)
			}
			raw, err := interruptible(thread, func() ([][]byte, error) {
				var raw [][]byte
				for {
					line, err := fv.r.ReadBytes('\n')
					if len(line) > 0 {
						raw = append(raw, line)
					}
					if errors.Is(err, io.EOF) {
						return raw, nil
					}
					if err != nil {
						return nil, err
					}
				}
			}, nil)
			if err != nil {
				return nil, errorf(b, err)
			}
			lines := make([]starlark.Value, len(raw))
			for i, line := range raw {
				lines[i], _ = fv.text(line)
			}
			return starlark.NewList(lines), nil
		}), nil
	case "write":
		return starlark.NewBuiltin("write", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var data starlark.Value
			if err := starlark.UnpackPositionalArgs("write", args, kwargs, 1, &data); err != nil {
				return nil, err
			}
			if err := fv.check(fv.writable, "not writable"); err != nil {
				return nil, errorf(b, err)
			}
			var payload string
			switch d := data.(type) {
			case starlark.String:
				payload = string(d)
			case starlark.Bytes:
				payload = string(d)
			default:
				return nil, fmt.Errorf("write: got %s, want string or bytes", data.Type())
			}
			n, err := io.WriteString(fv.f, payload)
			if err != nil {
				return nil, errorf(b, err)
			}
			return starlark.MakeInt(n), nil
		}), nil
	case "close":
		return starlark.NewBuiltin("close", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs("close", args, kwargs, 0); err != nil {
				return nil, err
			}
			if err := fv.close(); err != nil {
				return nil, errorf(b, err)
			}
			return starlark.None, nil
		}), nil
	}
	return nil, nil
}

func (fv *fileValue) AttrNames() []string {
	return []string{"close", "closed", "mode", "name", "read", "readline", "readlines", "write"}
}

func (fv *fileValue) check(allowed bool, why string) error {
	if fv.closed {
		return errClosedFile
	}
	if !allowed {
		return errors.New("file " + why)
	}
	return nil
}

// openBuiltin is open(path, mode="r").
func openBuiltin(fsys Filesystem, handles *fileSet) *starlark.Builtin {
	return starlark.NewBuiltin("open", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var name string
		mode := "r"
		if err := starlark.UnpackArgs("open", args, kwargs, "path", &name, "mode?", &mode); err != nil {
			return nil, err
		}
		flag, binary, err := openFlags(mode)
		if err != nil {
			return nil, errorf(b, err)
		}
		f, err := interruptible(thread, func() (File, error) { return fsys.OpenFile(name, flag) }, func(f File) { f.Close() })
		if err != nil {
			return nil, errorf(b, err)
		}
		fv := &fileValue{
			name:     name,
			mode:     mode,
			binary:   binary,
			readable: flag&(os.O_WRONLY|os.O_RDWR) != os.O_WRONLY,
			writable: flag&(os.O_WRONLY|os.O_RDWR) != 0,
			f:        f,
			r:        bufio.NewReader(f),
		}
		handles.add(fv)
		return fv, nil
	})
}

// osModule is the path-level half of the guest filesystem API.
func osModule(fsys Filesystem) *starlarkstruct.Module {
	pathArg := func(fn string, args starlark.Tuple, kwargs []starlark.Tuple) (string, error) {
		var name string
		err := starlark.UnpackArgs(fn, args, kwargs, "path", &name)
		return name, err
	}

	return &starlarkstruct.Module{
		Name: "os",
		Members: starlark.StringDict{
			"sep": starlark.String("/"),
			"listdir": starlark.NewBuiltin("listdir", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				name, err := pathArg("listdir", args, kwargs)
				if err != nil {
					return nil, err
				}
				entries, err := fsys.ReadDir(name)
				if err != nil {
					return nil, errorf(b, err)
				}
				names := make([]starlark.Value, len(entries))
				for i, e := range entries {
					names[i] = starlark.String(e.Name())
				}
				return starlark.NewList(names), nil
			}),
			"exists": starlark.NewBuiltin("exists", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				name, err := pathArg("exists", args, kwargs)
				if err != nil {
					return nil, err
				}
				_, err = fsys.Stat(name)
				return starlark.Bool(err == nil), nil
			}),
			"isdir": starlark.NewBuiltin("isdir", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				name, err := pathArg("isdir", args, kwargs)
				if err != nil {
					return nil, err
				}
				fi, err := fsys.Stat(name)
				return starlark.Bool(err == nil && fi.IsDir()), nil
			}),
			"isfile": starlark.NewBuiltin("isfile", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				name, err := pathArg("isfile", args, kwargs)
				if err != nil {
					return nil, err
				}
				fi, err := fsys.Stat(name)
				return starlark.Bool(err == nil && fi.Mode().IsRegular()), nil
			}),
			"stat": starlark.NewBuiltin("stat", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				name, err := pathArg("stat", args, kwargs)
				if err != nil {
					return nil, err
				}
				fi, err := fsys.Stat(name)
				if err != nil {
					return nil, errorf(b, err)
				}
				return starlarkstruct.FromStringDict(starlark.String("stat_result"), starlark.StringDict{
					"size":   starlark.MakeInt64(fi.Size()),
					"is_dir": starlark.Bool(fi.IsDir()),
					"mode":   starlark.MakeInt(int(fi.Mode().Perm())),
					"mtime":  starlark.Float(float64(fi.ModTime().UnixNano()) / 1e9),
				}), nil
			}),
			"mkdir": starlark.NewBuiltin("mkdir", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				name, err := pathArg("mkdir", args, kwargs)
				if err != nil {
					return nil, err
				}
				if err := fsys.Mkdir(name); err != nil {
					return nil, errorf(b, err)
				}
				return starlark.None, nil
			}),
			"remove": starlark.NewBuiltin("remove", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				name, err := pathArg("remove", args, kwargs)
				if err != nil {
					return nil, err
				}
				if err := fsys.Remove(name); err != nil {
					return nil, errorf(b, err)
				}
				return starlark.None, nil
			}),
		},
	}
}
