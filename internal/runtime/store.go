package runtime

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/michaelbrown/starbox/internal/boundary"
	"github.com/michaelbrown/starbox/internal/shim"
)

// ResourceTable tracks the host handles one instance holds. Closing the
// table closes every handle the guest did not release itself.
type ResourceTable struct {
	mu     sync.Mutex
	next   uint64
	open   map[uint64]io.Closer
	closed bool
}

func NewResourceTable() *ResourceTable {
	return &ResourceTable{open: make(map[uint64]io.Closer)}
}

// Add registers c and returns its handle.
func (t *ResourceTable) Add(c io.Closer) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return 0, fs.ErrClosed
	}
	t.next++
	t.open[t.next] = c
	return t.next, nil
}

// Release closes one handle and forgets it.
func (t *ResourceTable) Release(id uint64) error {
	t.mu.Lock()
	c, ok := t.open[id]
	delete(t.open, id)
	t.mu.Unlock()
	if !ok {
		return fs.ErrClosed
	}
	return c.Close()
}

// Len reports how many handles are still open.
func (t *ResourceTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}

// Close releases every remaining handle. Later Adds fail.
func (t *ResourceTable) Close() error {
	t.mu.Lock()
	open := t.open
	t.open = make(map[uint64]io.Closer)
	t.closed = true
	t.mu.Unlock()

	var errs []error
	for _, c := range open {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// store is the per-instance state: the claimed boundary context plus the
// resource table. It is the guest's shim.Filesystem.
type store struct {
	bctx  *boundary.Context
	table *ResourceTable
}

var _ shim.Filesystem = (*store)(nil)

func newStore(bctx *boundary.Context) *store {
	return &store{bctx: bctx, table: NewResourceTable()}
}

func (s *store) close() error {
	return errors.Join(s.table.Close(), s.bctx.Close())
}

type trackedFile struct {
	*os.File
	table *ResourceTable
	id    uint64
}

func (f *trackedFile) Close() error { return f.table.Release(f.id) }

func (s *store) OpenFile(name string, flag int) (shim.File, error) {
	f, err := s.bctx.OpenFile(name, flag, 0o644)
	if err != nil {
		return nil, err
	}
	id, err := s.table.Add(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &trackedFile{File: f, table: s.table, id: id}, nil
}

func (s *store) ReadDir(name string) ([]fs.DirEntry, error) { return s.bctx.ReadDir(name) }
func (s *store) Stat(name string) (fs.FileInfo, error)      { return s.bctx.Stat(name) }
func (s *store) Mkdir(name string) error                    { return s.bctx.Mkdir(name, 0o755) }
func (s *store) Remove(name string) error                   { return s.bctx.Remove(name) }
