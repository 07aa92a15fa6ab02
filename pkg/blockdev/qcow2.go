package blockdev

import (
	"io"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/lima-vm/go-qcow2reader"
	"github.com/pkg/errors"
)

type image interface {
	io.ReaderAt
	Size() int64
}

// QCOW2 exposes a qcow2 image as a read-only block device.
type QCOW2 struct {
	f      *os.File
	img    image
	bs     int
	blocks LBA
}

var _ Device = (*QCOW2)(nil)

func OpenQCOW2(log hclog.Logger, path string, blockSize int) (*QCOW2, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	img, err := qcow2reader.Open(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "opening qcow2 image %s", path)
	}

	log.Debug("opened qcow2 disk", "path", path, "size", img.Size())

	return &QCOW2{
		f:      f,
		img:    img,
		bs:     blockSize,
		blocks: LBA(img.Size() / int64(blockSize)),
	}, nil
}

func (q *QCOW2) BlockSize() int {
	return q.bs
}

func (q *QCOW2) Blocks() LBA {
	return q.blocks
}

func (q *QCOW2) ReadBlocks(blk LBA, cnt uint64, buf []byte) (uint64, error) {
	if err := checkBuffer(q.bs, cnt, buf); err != nil {
		return 0, err
	}

	cnt = clampCount(q.blocks, blk, cnt)
	if cnt == 0 {
		return 0, nil
	}

	n, err := q.img.ReadAt(buf[:cnt*uint64(q.bs)], int64(blk)*int64(q.bs))
	if err != nil {
		return uint64(n / q.bs), errors.Wrapf(err, "reading qcow2 block %d", blk)
	}

	return cnt, nil
}

func (q *QCOW2) WriteBlocks(blk LBA, cnt uint64, buf []byte) (uint64, error) {
	return 0, ErrReadOnly
}

func (q *QCOW2) Close() error {
	return q.f.Close()
}
