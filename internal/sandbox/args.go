package sandbox

import (
	"cmp"
	"path"
	"slices"
	"strconv"
	"strings"

	"github.com/michaelbrown/starbox/internal/grant"
)

const (
	guestExe = "/.starbox/guest"
	workDir  = "/work"

	// Child fd layout: 3 carries the request in, 4 the response out, and
	// granted directories follow from firstGrantFD in grant order.
	requestFD    = 3
	responseFD   = 4
	firstGrantFD = 5
)

// mountPoint is where a guest path lives in the guest's namespace. Relative
// guest paths hang off the working directory.
func mountPoint(guest string) string {
	p := path.Clean(guest)
	if !path.IsAbs(p) {
		return path.Join(workDir, p)
	}
	return p
}

// bwrapArgs builds the bubblewrap argument vector for one guest. The guest
// filesystem is an empty tmpfs root plus /proc, a minimal /dev, the guest
// binary and the granted directories, each bound from an inherited fd.
func bwrapArgs(grants []grant.Grant, guestBinary string, maxOpenFiles uint64) []string {
	args := []string{
		"--unshare-all",
		"--die-with-parent",
		"--new-session",
		"--clearenv",
		"--proc", "/proc",
		"--dev", "/dev",
		"--dir", workDir,
		"--ro-bind", guestBinary, guestExe,
	}

	// Parents must be mounted before the grants nested in them. The sort is
	// stable so a later grant on the same path still shadows an earlier one.
	order := make([]int, len(grants))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(depth(mountPoint(grants[a].Guest)), depth(mountPoint(grants[b].Guest)))
	})

	for _, i := range order {
		g := grants[i]
		bind := "--ro-bind-fd"
		if g.Perm.CanWrite() {
			bind = "--bind-fd"
		}
		args = append(args, bind, strconv.Itoa(firstGrantFD+i), mountPoint(g.Guest))
	}

	args = append(args, "--chdir", workDir, "--", guestExe, "guest", "--max-open-files", strconv.FormatUint(maxOpenFiles, 10))
	return args
}

func depth(p string) int {
	if p == "/" {
		return 0
	}
	return strings.Count(p, "/")
}

// reserved reports guest paths the process backend cannot mount without
// hiding the guest binary or the system mounts.
func reserved(guest string) bool {
	p := mountPoint(guest)
	return p == "/" || p == "/proc" || p == "/dev" ||
		p == path.Dir(guestExe) || strings.HasPrefix(p, path.Dir(guestExe)+"/") ||
		strings.HasPrefix(p, "/proc/") || strings.HasPrefix(p, "/dev/")
}
