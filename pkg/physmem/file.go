package physmem

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type window struct {
	m mmap.MMap
}

// File maps page-aligned windows of a file, such as /dev/mem or a memory
// image, at physical address Base.
type File struct {
	log  hclog.Logger
	f    *os.File
	base uint64
	size uint64

	live map[*byte]*window
}

var _ Space = (*File)(nil)

func OpenFile(log hclog.Logger, path string, base uint64) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening physical memory %s", path)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	size := uint64(fi.Size())

	// Character devices like /dev/mem report no size.
	if fi.Mode()&os.ModeCharDevice != 0 {
		size = ^uint64(0) - base
	}

	return &File{
		log:  log,
		f:    f,
		base: base,
		size: size,
		live: make(map[*byte]*window),
	}, nil
}

func (f *File) Map(paddr uint64, size int) ([]byte, error) {
	if err := checkRange(f.base, f.base+f.size, paddr, size); err != nil {
		return nil, err
	}

	pg := uint64(unix.Getpagesize())

	off := paddr - f.base
	aligned := off &^ (pg - 1)
	delta := off - aligned

	m, err := mmap.MapRegion(f.f, int(delta)+size, mmap.RDWR, 0, int64(aligned))
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %#x+%#x", paddr, size)
	}

	b := m[delta : delta+uint64(size) : delta+uint64(size)]

	f.live[&b[0]] = &window{m: m}

	f.log.Trace("mapped physical memory", "paddr", paddr, "size", size, "aligned", aligned)

	return b, nil
}

func (f *File) Unmap(b []byte) error {
	if len(b) == 0 {
		return errors.Wrapf(ErrNotMapped, "empty buffer")
	}

	w, ok := f.live[&b[0]]
	if !ok {
		return ErrNotMapped
	}

	delete(f.live, &b[0])

	if err := w.m.Flush(); err != nil {
		return err
	}

	return w.m.Unmap()
}

func (f *File) Close() error {
	for key, w := range f.live {
		w.m.Unmap()
		delete(f.live, key)
	}

	return f.f.Close()
}
