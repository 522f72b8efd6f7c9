package shim

import (
	"bufio"
	"sync"

	"go.starlark.net/lib/json"
	"go.starlark.net/lib/math"
	"go.starlark.net/lib/time"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// The stateless part of the guest library is built once, frozen, and shared
// by every instance. Frozen values are safe for concurrent readers.
var (
	sharedOnce sync.Once
	shared     starlark.StringDict
)

func sharedLibrary() starlark.StringDict {
	sharedOnce.Do(func() {
		shared = starlark.StringDict{
			"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
			"json":   json.Module,
			"math":   math.Module,
			"time":   time.Module,
		}
		shared.Freeze()
	})
	return shared
}

// library returns the predeclared names for one Run. Everything that touches
// output, input or files is bound to this instance alone.
func (g *Guest) library(out *outputBuffer, handles *fileSet) starlark.StringDict {
	in := bufio.NewReader(g.stdio.Stdin)

	lib := make(starlark.StringDict, len(sharedLibrary())+5)
	for name, v := range sharedLibrary() {
		lib[name] = v
	}
	lib["print"] = printBuiltin(out)
	lib["input"] = inputBuiltin(out, in)
	lib["sys"] = sysModule(out, g.stdio.Stderr, in)
	lib["open"] = openBuiltin(g.fs, handles)
	lib["os"] = osModule(g.fs)
	return lib
}
