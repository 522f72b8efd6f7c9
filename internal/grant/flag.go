package grant

import (
	"strings"

	"github.com/spf13/pflag"
)

// ListFlag collects repeated -m flags. Each value is parsed as soon as it is
// set, so a bad spec fails flag parsing before any sandbox exists.
type ListFlag struct {
	grants []Grant
}

var _ pflag.SliceValue = (*ListFlag)(nil)

func (f *ListFlag) String() string {
	specs := make([]string, len(f.grants))
	for i, g := range f.grants {
		specs[i] = g.String()
	}
	return "[" + strings.Join(specs, ",") + "]"
}

func (f *ListFlag) Set(spec string) error {
	g, err := Parse(spec)
	if err != nil {
		return err
	}
	f.grants = append(f.grants, g)
	return nil
}

func (f *ListFlag) Type() string { return "mount" }

func (f *ListFlag) Append(spec string) error { return f.Set(spec) }

func (f *ListFlag) Replace(specs []string) error {
	grants, err := ParseAll(specs)
	if err != nil {
		return err
	}
	f.grants = grants
	return nil
}

func (f *ListFlag) GetSlice() []string {
	specs := make([]string, len(f.grants))
	for i, g := range f.grants {
		specs[i] = g.String()
	}
	return specs
}

// Grants returns a copy of the collected grants.
func (f *ListFlag) Grants() []Grant {
	return append([]Grant(nil), f.grants...)
}
