package blockdev

import (
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// File is a block device backed by a host file or raw disk image. The device
// size is the file size rounded down to whole blocks.
type File struct {
	log    hclog.Logger
	f      *os.File
	bs     int
	blocks LBA
	ro     bool
}

var _ Device = (*File)(nil)

func OpenFile(log hclog.Logger, path string, blockSize int, readOnly bool) (*File, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening disk image %s", path)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	log.Debug("opened file disk", "path", path, "size", fi.Size(), "read-only", readOnly)

	return &File{
		log:    log,
		f:      f,
		bs:     blockSize,
		blocks: LBA(fi.Size() / int64(blockSize)),
		ro:     readOnly,
	}, nil
}

// CreateFile creates (or truncates) path to hold blocks blocks and opens it.
func CreateFile(log hclog.Logger, path string, blockSize int, blocks LBA) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	err = f.Truncate(int64(blocks) * int64(blockSize))
	f.Close()
	if err != nil {
		return nil, errors.Wrapf(err, "sizing disk image %s", path)
	}

	return OpenFile(log, path, blockSize, false)
}

func (f *File) BlockSize() int {
	return f.bs
}

func (f *File) Blocks() LBA {
	return f.blocks
}

func (f *File) ReadBlocks(blk LBA, cnt uint64, buf []byte) (uint64, error) {
	if err := checkBuffer(f.bs, cnt, buf); err != nil {
		return 0, err
	}

	cnt = clampCount(f.blocks, blk, cnt)
	if cnt == 0 {
		return 0, nil
	}

	n, err := f.f.ReadAt(buf[:cnt*uint64(f.bs)], int64(blk)*int64(f.bs))
	if err != nil {
		f.log.Error("error reading file disk", "error", err, "block", blk, "count", cnt)
		return uint64(n / f.bs), err
	}

	return cnt, nil
}

func (f *File) WriteBlocks(blk LBA, cnt uint64, buf []byte) (uint64, error) {
	if f.ro {
		return 0, ErrReadOnly
	}

	if err := checkBuffer(f.bs, cnt, buf); err != nil {
		return 0, err
	}

	cnt = clampCount(f.blocks, blk, cnt)
	if cnt == 0 {
		return 0, nil
	}

	n, err := f.f.WriteAt(buf[:cnt*uint64(f.bs)], int64(blk)*int64(f.bs))
	if err != nil {
		f.log.Error("error writing file disk", "error", err, "block", blk, "count", cnt)
		return uint64(n / f.bs), err
	}

	return cnt, nil
}

func (f *File) Sync() error {
	return f.f.Sync()
}

func (f *File) Close() error {
	return f.f.Close()
}
