package shim

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"unicode/utf8"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

var errNotText = errors.New("argument is not valid UTF-8 text")

// outputBuffer is the substitute standard output for one Run. It is passed
// explicitly to every builtin that writes to it and is never shared.
type outputBuffer struct {
	buf bytes.Buffer
}

func (b *outputBuffer) write(s string) error {
	if !utf8.ValidString(s) {
		return errNotText
	}
	b.buf.WriteString(s)
	return nil
}

// writeLossy is for text the script did not choose byte-for-byte, such as
// the interpreter's own print hook.
func (b *outputBuffer) writeLossy(s string) {
	b.buf.WriteString(strings.ToValidUTF8(s, "�"))
}

func (b *outputBuffer) bytes() []byte { return b.buf.Bytes() }

func str(v starlark.Value) string {
	if s, ok := v.(starlark.String); ok {
		return string(s)
	}
	return v.String()
}

// printBuiltin is print(*args, sep=" ", end="\n") writing to out.
func printBuiltin(out *outputBuffer) *starlark.Builtin {
	return starlark.NewBuiltin("print", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		sep, end := " ", "\n"
		if err := starlark.UnpackArgs("print", nil, kwargs, "sep?", &sep, "end?", &end); err != nil {
			return nil, err
		}
		var sb strings.Builder
		for i, a := range args {
			if i > 0 {
				sb.WriteString(sep)
			}
			sb.WriteString(str(a))
		}
		sb.WriteString(end)
		if err := out.write(sb.String()); err != nil {
			return nil, errorf(b, err)
		}
		return starlark.None, nil
	})
}

// inputBuiltin is input(prompt="") reading one line from stdin.
func inputBuiltin(out *outputBuffer, in *bufio.Reader) *starlark.Builtin {
	return starlark.NewBuiltin("input", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var prompt string
		if err := starlark.UnpackArgs("input", args, kwargs, "prompt?", &prompt); err != nil {
			return nil, err
		}
		if err := out.write(prompt); err != nil {
			return nil, errorf(b, err)
		}
		line, err := interruptible(thread, func() (string, error) { return in.ReadString('\n') }, nil)
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) {
				return nil, errorf(b, errors.New("EOF when reading a line"))
			}
			return nil, errorf(b, err)
		}
		return starlark.String(strings.TrimSuffix(line, "\n")), nil
	})
}

// sysModule exposes stdout, stderr and stdin as stream objects.
func sysModule(out *outputBuffer, stderr io.Writer, in *bufio.Reader) *starlarkstruct.Module {
	stdout := starlarkstruct.FromStringDict(starlark.String("stream"), starlark.StringDict{
		"write": starlark.NewBuiltin("write", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			if err := starlark.UnpackPositionalArgs("write", args, kwargs, 1, &s); err != nil {
				return nil, err
			}
			if err := out.write(s); err != nil {
				return nil, errorf(b, err)
			}
			return starlark.MakeInt(len(s)), nil
		}),
		"flush": noopFlush(),
	})

	errStream := starlarkstruct.FromStringDict(starlark.String("stream"), starlark.StringDict{
		"write": starlark.NewBuiltin("write", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			var s string
			if err := starlark.UnpackPositionalArgs("write", args, kwargs, 1, &s); err != nil {
				return nil, err
			}
			n, err := io.WriteString(stderr, s)
			if err != nil {
				return nil, errorf(b, err)
			}
			return starlark.MakeInt(n), nil
		}),
		"flush": noopFlush(),
	})

	inStream := starlarkstruct.FromStringDict(starlark.String("stream"), starlark.StringDict{
		"read": starlark.NewBuiltin("read", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs("read", args, kwargs, 0); err != nil {
				return nil, err
			}
			data, err := interruptible(thread, func() ([]byte, error) { return io.ReadAll(in) }, nil)
			if err != nil {
				return nil, errorf(b, err)
			}
			return starlark.String(data), nil
		}),
		"readline": starlark.NewBuiltin("readline", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
			if err := starlark.UnpackPositionalArgs("readline", args, kwargs, 0); err != nil {
				return nil, err
			}
			line, err := interruptible(thread, func() (string, error) { return in.ReadString('\n') }, nil)
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, errorf(b, err)
			}
			return starlark.String(line), nil
		}),
	})

	return &starlarkstruct.Module{
		Name: "sys",
		Members: starlark.StringDict{
			"stdout": stdout,
			"stderr": errStream,
			"stdin":  inStream,
		},
	}
}

func noopFlush() *starlark.Builtin {
	return starlark.NewBuiltin("flush", func(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		return starlark.None, nil
	})
}
