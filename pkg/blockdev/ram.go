package blockdev

// RAM is a block device backed by a byte slice.
type RAM struct {
	bs   int
	data []byte
}

var _ Device = (*RAM)(nil)

func NewRAM(blockSize int, blocks LBA) *RAM {
	return &RAM{
		bs:   blockSize,
		data: make([]byte, uint64(blocks)*uint64(blockSize)),
	}
}

func (r *RAM) BlockSize() int {
	return r.bs
}

func (r *RAM) Blocks() LBA {
	return LBA(len(r.data) / r.bs)
}

// Bytes exposes the backing memory.
func (r *RAM) Bytes() []byte {
	return r.data
}

func (r *RAM) ReadBlocks(blk LBA, cnt uint64, buf []byte) (uint64, error) {
	if err := checkBuffer(r.bs, cnt, buf); err != nil {
		return 0, err
	}

	cnt = clampCount(r.Blocks(), blk, cnt)

	off := uint64(blk) * uint64(r.bs)
	copy(buf, r.data[off:off+cnt*uint64(r.bs)])

	return cnt, nil
}

func (r *RAM) WriteBlocks(blk LBA, cnt uint64, buf []byte) (uint64, error) {
	if err := checkBuffer(r.bs, cnt, buf); err != nil {
		return 0, err
	}

	cnt = clampCount(r.Blocks(), blk, cnt)

	off := uint64(blk) * uint64(r.bs)
	copy(r.data[off:off+cnt*uint64(r.bs)], buf)

	return cnt, nil
}
