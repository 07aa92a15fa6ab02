package blkmap

import (
	"fmt"

	"github.com/lab47/blkmap/pkg/blockdev"
	"github.com/lab47/blkmap/pkg/physmem"
)

// Backend is what a slice forwards its blocks to. The set of backends is
// closed: *Linear and *Memory.
type Backend interface {
	fmt.Stringer
	backend()
}

// Linear forwards to a range of another block device starting at Start.
type Linear struct {
	Target blockdev.Device
	Class  string
	Index  int
	Start  LBA
}

func (*Linear) backend() {}

func (l *Linear) String() string {
	return fmt.Sprintf("%s %d block %#x", l.Class, l.Index, uint64(l.Start))
}

// Memory copies blocks in and out of a byte buffer. When the buffer came from
// mapping physical memory the slice owns that mapping and releases it on
// destroy.
type Memory struct {
	Data []byte

	Phys  uint64
	space physmem.Space
}

func (*Memory) backend() {}

func (m *Memory) Owned() bool {
	return m.space != nil
}

func (m *Memory) String() string {
	if m.Owned() {
		return fmt.Sprintf("mem %#x", m.Phys)
	}

	return fmt.Sprintf("buffer %p", m.Data)
}

// Slice maps the blocks of Extent onto Backend. Block numbers handed to the
// backend are relative to the start of the extent.
type Slice struct {
	Extent
	Backend Backend
}

func (s *Slice) String() string {
	return fmt.Sprintf("%#x+%#x %s", uint64(s.LBA), s.Blocks, s.Backend)
}

func (s *Slice) read(bs int, nr LBA, cnt uint64, buf []byte) (uint64, error) {
	switch b := s.Backend.(type) {
	case *Linear:
		return b.Target.ReadBlocks(b.Start+nr, cnt, buf)
	case *Memory:
		off := uint64(nr) * uint64(bs)
		sz := cnt * uint64(bs)
		copy(buf[:sz], b.Data[off:off+sz])
		return cnt, nil
	default:
		panic(fmt.Sprintf("unknown slice backend %T", s.Backend))
	}
}

func (s *Slice) write(bs int, nr LBA, cnt uint64, buf []byte) (uint64, error) {
	switch b := s.Backend.(type) {
	case *Linear:
		return b.Target.WriteBlocks(b.Start+nr, cnt, buf)
	case *Memory:
		off := uint64(nr) * uint64(bs)
		sz := cnt * uint64(bs)
		copy(b.Data[off:off+sz], buf[:sz])
		return cnt, nil
	default:
		panic(fmt.Sprintf("unknown slice backend %T", s.Backend))
	}
}

func (s *Slice) destroy() error {
	switch b := s.Backend.(type) {
	case *Linear:
		return nil
	case *Memory:
		if !b.Owned() {
			return nil
		}

		if err := b.space.Unmap(b.Data); err != nil {
			return err
		}

		b.space = nil
		b.Data = nil
		return nil
	default:
		panic(fmt.Sprintf("unknown slice backend %T", s.Backend))
	}
}
