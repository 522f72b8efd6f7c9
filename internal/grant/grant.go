// Package grant parses capability grants: the textual mount specifications
// that decide which host directories a guest script may see.
package grant

import (
	"errors"
	"fmt"
	"strings"
)

// Permission is the access level a grant confers on its subtree.
type Permission int

const (
	// ReadOnly allows directory listing and file reads.
	ReadOnly Permission = iota
	// ReadWrite additionally allows creating, writing and deleting entries.
	ReadWrite
)

func (p Permission) String() string {
	switch p {
	case ReadOnly:
		return "ro"
	case ReadWrite:
		return "rw"
	default:
		return fmt.Sprintf("Permission(%d)", int(p))
	}
}

// CanWrite reports whether the permission allows mutation.
func (p Permission) CanWrite() bool { return p == ReadWrite }

var (
	ErrInvalidPermission = errors.New("invalid permission")
	ErrMalformed         = errors.New("malformed mount specification")
)

// ParseError describes a mount specification that could not be parsed.
type ParseError struct {
	Spec string
	Tag  string // offending permission tag, if any
	Err  error
}

func (e *ParseError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("mount %q: %v: %s", e.Spec, e.Err, e.Tag)
	}
	return fmt.Sprintf("mount %q: %v", e.Spec, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParsePermission maps "ro" and "rw" to their Permission.
func ParsePermission(tag string) (Permission, error) {
	switch tag {
	case "ro":
		return ReadOnly, nil
	case "rw":
		return ReadWrite, nil
	}
	return ReadOnly, ErrInvalidPermission
}

// Grant maps a host directory to the path under which a guest sees it.
// Grants are values; copying one never widens what it allows.
type Grant struct {
	Host  string
	Guest string
	Perm  Permission
}

// String renders the canonical host:guest:perm form accepted by Parse.
func (g Grant) String() string {
	return g.Host + ":" + g.Guest + ":" + g.Perm.String()
}

// Parse turns "<host>:<guest>[:ro|rw]" into a Grant. A missing permission
// defaults to ReadOnly. Paths containing ':' cannot be expressed.
// Parse does no I/O; whether the host path exists is checked when the
// boundary is built.
func Parse(spec string) (Grant, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 {
		return Grant{}, &ParseError{Spec: spec, Err: ErrMalformed}
	}
	if parts[0] == "" || parts[1] == "" {
		return Grant{}, &ParseError{Spec: spec, Err: ErrMalformed}
	}

	perm := ReadOnly
	if len(parts) == 3 {
		p, err := ParsePermission(parts[2])
		if err != nil {
			return Grant{}, &ParseError{Spec: spec, Tag: parts[2], Err: err}
		}
		perm = p
	}

	return Grant{Host: parts[0], Guest: parts[1], Perm: perm}, nil
}

// ParseAll parses every spec, stopping at the first error.
func ParseAll(specs []string) ([]Grant, error) {
	grants := make([]Grant, 0, len(specs))
	for _, s := range specs {
		g, err := Parse(s)
		if err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, nil
}
