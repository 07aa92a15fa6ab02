package blkmap

import (
	"fmt"

	"github.com/lab47/blkmap/pkg/blockdev"
)

type LBA = blockdev.LBA

// Extent is a half-open block range [LBA, LBA+Blocks).
type Extent struct {
	LBA    LBA
	Blocks uint64
}

func (e Extent) String() string {
	return fmt.Sprintf("%d:%d", e.LBA, e.Blocks)
}

func (e Extent) Contains(lba LBA) bool {
	return lba >= e.LBA && lba < (e.LBA+LBA(e.Blocks))
}

func (e Extent) Last() LBA {
	return (e.LBA + LBA(e.Blocks) - 1)
}

// End is the first block past the extent.
func (e Extent) End() LBA {
	return e.LBA + LBA(e.Blocks)
}

func (e Extent) Range() (LBA, LBA) {
	return e.LBA, e.Last()
}

func (e Extent) Valid() bool {
	return e.Blocks > 0
}
