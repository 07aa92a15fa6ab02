// Package physmem maps physical address ranges into the process so they can
// back memory slices.
package physmem

import (
	"github.com/pkg/errors"
)

var (
	ErrOutOfRange = errors.New("physical range outside of memory")
	ErrNotMapped  = errors.New("buffer is not a live mapping")
)

// Space is a physical address space. Every successful Map must be balanced by
// exactly one Unmap of the returned slice.
type Space interface {
	Map(paddr uint64, size int) ([]byte, error)
	Unmap(b []byte) error
}

func checkRange(base, limit, paddr uint64, size int) error {
	if size <= 0 {
		return errors.Wrapf(ErrOutOfRange, "empty mapping at %#x", paddr)
	}

	end := paddr + uint64(size)
	if paddr < base || end < paddr || end > limit {
		return errors.Wrapf(ErrOutOfRange, "%#x+%#x not within %#x-%#x", paddr, size, base, limit)
	}

	return nil
}
