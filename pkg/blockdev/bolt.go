package blockdev

import (
	"bytes"
	"encoding/binary"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

var (
	blocksBucket = []byte("blocks")
	metaBucket   = []byte("meta")
	geometryKey  = []byte("geometry")
)

// Bolt is a sparse block device stored in a bbolt database. Only blocks
// containing non-zero data occupy a key.
type Bolt struct {
	log    hclog.Logger
	db     *bbolt.DB
	bs     int
	blocks LBA
}

var _ Device = (*Bolt)(nil)

// OpenBolt opens or creates the database at path. An existing database must
// have been created with the same block size; its recorded block count wins
// over blocks.
func OpenBolt(log hclog.Logger, path string, blockSize int, blocks LBA) (*Bolt, error) {
	db, err := bbolt.Open(path, 0644, bbolt.DefaultOptions)
	if err != nil {
		return nil, errors.Wrapf(err, "opening bolt disk %s", path)
	}

	b := &Bolt{
		log:    log,
		db:     db,
		bs:     blockSize,
		blocks: blocks,
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blocksBucket); err != nil {
			return err
		}

		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}

		if geo := meta.Get(geometryKey); len(geo) == 16 {
			bs := int(binary.BigEndian.Uint64(geo))
			if bs != blockSize {
				return errors.Wrapf(ErrInvalidArgument,
					"bolt disk block size %d does not match %d", bs, blockSize)
			}

			b.blocks = LBA(binary.BigEndian.Uint64(geo[8:]))
			return nil
		}

		var geo [16]byte
		binary.BigEndian.PutUint64(geo[:], uint64(blockSize))
		binary.BigEndian.PutUint64(geo[8:], uint64(blocks))

		return meta.Put(geometryKey, geo[:])
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	log.Debug("opened bolt disk", "path", path, "blocks", b.blocks)

	return b, nil
}

func (b *Bolt) BlockSize() int {
	return b.bs
}

func (b *Bolt) Blocks() LBA {
	return b.blocks
}

func blockKey(lba LBA) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(lba))
	return k[:]
}

func (b *Bolt) ReadBlocks(blk LBA, cnt uint64, buf []byte) (uint64, error) {
	if err := checkBuffer(b.bs, cnt, buf); err != nil {
		return 0, err
	}

	cnt = clampCount(b.blocks, blk, cnt)

	err := b.db.View(func(tx *bbolt.Tx) error {
		buk := tx.Bucket(blocksBucket)

		for i := uint64(0); i < cnt; i++ {
			dest := buf[i*uint64(b.bs) : (i+1)*uint64(b.bs)]

			if data := buk.Get(blockKey(blk + LBA(i))); data != nil {
				copy(dest, data)
			} else {
				clear(dest)
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return cnt, nil
}

func (b *Bolt) WriteBlocks(blk LBA, cnt uint64, buf []byte) (uint64, error) {
	if err := checkBuffer(b.bs, cnt, buf); err != nil {
		return 0, err
	}

	cnt = clampCount(b.blocks, blk, cnt)

	err := b.db.Update(func(tx *bbolt.Tx) error {
		buk := tx.Bucket(blocksBucket)

		for i := uint64(0); i < cnt; i++ {
			key := blockKey(blk + LBA(i))
			data := buf[i*uint64(b.bs) : (i+1)*uint64(b.bs)]

			if emptyBlock(data) {
				if err := buk.Delete(key); err != nil {
					return err
				}
				continue
			}

			if err := buk.Put(key, bytes.Clone(data)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		b.log.Error("error writing bolt disk", "error", err, "block", blk, "count", cnt)
		return 0, err
	}

	return cnt, nil
}

// Populated returns how many blocks currently hold data.
func (b *Bolt) Populated() (int, error) {
	var n int

	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(blocksBucket).Stats().KeyN
		return nil
	})

	return n, err
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func emptyBlock(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}

	return true
}
