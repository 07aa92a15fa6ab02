package blkmap

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/lab47/blkmap/pkg/nbd"
	"github.com/lab47/mode"
	"github.com/pkg/errors"
)

// nbdWrapper exports one block-map device. Every call takes mu, which is
// shared with anything else touching the registry.
type nbdWrapper struct {
	log hclog.Logger
	mu  sync.Locker
	reg *Registry
	id  DeviceId
}

var _ nbd.Backend = &nbdWrapper{}

func NBDWrapper(log hclog.Logger, mu sync.Locker, reg *Registry, id DeviceId) nbd.Backend {
	return &nbdWrapper{
		log: log.Named("nbd").With("device", int(id)),
		mu:  mu,
		reg: reg,
		id:  id,
	}
}

// Exports builds an NBD export named blkmap<N> for every live device.
func Exports(log hclog.Logger, mu sync.Locker, reg *Registry) []*nbd.Export {
	mu.Lock()
	defer mu.Unlock()

	var exports []*nbd.Export

	for _, d := range reg.Devices() {
		exports = append(exports, &nbd.Export{
			Name:        d.Name(),
			Description: fmt.Sprintf("%s %s %s (%s)", Vendor, Product, Revision, d.Serial()),
			Backend:     NBDWrapper(log, mu, reg, d.Id()),
		})
	}

	return exports
}

// extent converts a byte range into blocks of d, requiring block alignment.
func (n *nbdWrapper) extent(d *Device, off, size int64) (LBA, uint64, error) {
	bs := int64(d.BlockSize())

	if off < 0 || off%bs != 0 || size%bs != 0 {
		return 0, 0, errors.Wrapf(ErrInvalidArgument, "unaligned request %d+%d", off, size)
	}

	return LBA(off / bs), uint64(size / bs), nil
}

func (n *nbdWrapper) Idle() {}

func (n *nbdWrapper) ReadAt(b []byte, off int64) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	d, err := n.reg.Lookup(n.id)
	if err != nil {
		return 0, err
	}

	blk, cnt, err := n.extent(d, off, int64(len(b)))
	if err != nil {
		return 0, err
	}

	n.log.Trace("nbd read-at", "size", len(b), "offset", off, "extent", Extent{blk, cnt})

	got, err := d.ReadBlocks(blk, cnt, b)
	if err != nil {
		n.log.Error("nbd read-at error", "error", err, "block", blk)
		return int(got) * d.BlockSize(), err
	}

	if got != cnt {
		n.log.Error("nbd read-at hit unmapped blocks", "block", blk, "requested", cnt, "read", got)
		return int(got) * d.BlockSize(), errors.Wrapf(ErrShortTransfer, "read %d of %d blocks at %d", got, cnt, blk)
	}

	if mode.Debug() {
		logBlocks(n.log, "read block sums", d.BlockSize(), blk, b)
	}

	return len(b), nil
}

func (n *nbdWrapper) WriteAt(b []byte, off int64) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	d, err := n.reg.Lookup(n.id)
	if err != nil {
		return 0, err
	}

	blk, cnt, err := n.extent(d, off, int64(len(b)))
	if err != nil {
		return 0, err
	}

	n.log.Trace("nbd write-at", "size", len(b), "offset", off, "extent", Extent{blk, cnt})

	got, err := d.WriteBlocks(blk, cnt, b)
	if err != nil {
		n.log.Error("nbd write-at error", "error", err, "block", blk)
		return int(got) * d.BlockSize(), err
	}

	if got != cnt {
		n.log.Error("nbd write-at hit unmapped blocks", "block", blk, "requested", cnt, "written", got)
		return int(got) * d.BlockSize(), errors.Wrapf(ErrShortTransfer, "wrote %d of %d blocks at %d", got, cnt, blk)
	}

	return len(b), nil
}

const zeroChunkBlocks = 256

func (n *nbdWrapper) ZeroAt(off, size int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	d, err := n.reg.Lookup(n.id)
	if err != nil {
		return err
	}

	blk, cnt, err := n.extent(d, off, size)
	if err != nil {
		return err
	}

	n.log.Trace("nbd zero-at", "size", size, "offset", off, "extent", Extent{blk, cnt})

	zero := make([]byte, min(cnt, zeroChunkBlocks)*uint64(d.BlockSize()))

	for cnt > 0 {
		chunk := min(cnt, zeroChunkBlocks)

		got, err := d.WriteBlocks(blk, chunk, zero)
		if err != nil {
			n.log.Error("nbd zero-at error", "error", err, "block", blk)
			return err
		}

		if got != chunk {
			return errors.Wrapf(ErrShortTransfer, "zeroed %d of %d blocks at %d", got, chunk, blk)
		}

		blk += LBA(chunk)
		cnt -= chunk
	}

	return nil
}

// Trim is accepted and ignored; slices have no notion of discarding.
func (n *nbdWrapper) Trim(off, size int64) error {
	n.log.Trace("nbd trim", "size", size, "offset", off)
	return nil
}

func (n *nbdWrapper) Size() (int64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	d, err := n.reg.Lookup(n.id)
	if err != nil {
		return 0, err
	}

	sz := d.Size()

	n.log.Info("reporting size to nbd", "size", sz)
	return sz, nil
}

func (n *nbdWrapper) Sync() error {
	n.log.Trace("nbd sync")
	return nil
}
