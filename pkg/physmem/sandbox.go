package physmem

import (
	"github.com/pkg/errors"
)

// Sandbox is a flat RAM arena standing in for physical memory starting at
// Base. Mappings alias the arena directly.
type Sandbox struct {
	base uint64
	ram  []byte
	live map[*byte]int
}

var _ Space = (*Sandbox)(nil)

func NewSandbox(base uint64, size int) *Sandbox {
	return &Sandbox{
		base: base,
		ram:  make([]byte, size),
		live: make(map[*byte]int),
	}
}

func (s *Sandbox) Base() uint64 {
	return s.base
}

func (s *Sandbox) Size() int {
	return len(s.ram)
}

func (s *Sandbox) Map(paddr uint64, size int) ([]byte, error) {
	if err := checkRange(s.base, s.base+uint64(len(s.ram)), paddr, size); err != nil {
		return nil, err
	}

	off := paddr - s.base
	b := s.ram[off : off+uint64(size) : off+uint64(size)]

	s.live[&b[0]]++

	return b, nil
}

func (s *Sandbox) Unmap(b []byte) error {
	if len(b) == 0 {
		return errors.Wrapf(ErrNotMapped, "empty buffer")
	}

	key := &b[0]

	n, ok := s.live[key]
	if !ok {
		return ErrNotMapped
	}

	if n == 1 {
		delete(s.live, key)
	} else {
		s.live[key] = n - 1
	}

	return nil
}

// Mappings returns the number of outstanding mappings.
func (s *Sandbox) Mappings() int {
	var total int
	for _, n := range s.live {
		total += n
	}

	return total
}
