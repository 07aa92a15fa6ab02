package blkmap

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/lab47/blkmap/pkg/blockdev"
	"github.com/lab47/mode"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

type DeviceId int

// AnyDevice asks Create to pick the lowest unused id.
const AnyDevice DeviceId = -1

const (
	Vendor   = "blkmap"
	Product  = "blkmap"
	Revision = "1.0"
)

// Device is a virtual block device assembled from slices. Its capacity is the
// end of its highest slice, or a single block while it has none.
type Device struct {
	log    hclog.Logger
	id     DeviceId
	bs     int
	lba    LBA
	serial ulid.ULID

	slices SliceSet
}

var _ blockdev.Device = (*Device)(nil)

func newDevice(log hclog.Logger, id DeviceId, bs int, serial ulid.ULID) *Device {
	return &Device{
		log:    log.With("device", int(id)),
		id:     id,
		bs:     bs,
		lba:    1,
		serial: serial,
	}
}

func (d *Device) Id() DeviceId {
	return d.id
}

func (d *Device) Name() string {
	return fmt.Sprintf("blkmap%d", d.id)
}

func (d *Device) Serial() ulid.ULID {
	return d.serial
}

func (d *Device) BlockSize() int {
	return d.bs
}

func (d *Device) Blocks() LBA {
	return d.lba
}

func (d *Device) Size() int64 {
	return int64(d.lba) * int64(d.bs)
}

func (d *Device) Slices() []*Slice {
	return d.slices.Slices()
}

func (d *Device) add(s *Slice) error {
	if err := d.slices.Insert(s); err != nil {
		return err
	}

	if mode.Debug() {
		if err := d.slices.Validate(); err != nil {
			panic(fmt.Sprintf("slice set corrupted after insert: %s", err))
		}
	}

	last, _ := d.slices.Last()
	d.lba = last.End()

	liveSlices.Inc()

	d.log.Debug("mapped slice", "slice", s, "blocks", d.lba)

	return nil
}

type transfer func(s *Slice, nr LBA, cnt uint64, buf []byte) (uint64, error)

// dispatch walks the slices in order, handing each one the part of
// [blk, blk+cnt) it covers. Blocks not covered by any slice end the transfer
// early without an error.
func (d *Device) dispatch(op string, blk LBA, cnt uint64, buf []byte, xfer transfer) (uint64, error) {
	if !blocksFit(d.bs, cnt, buf) {
		return 0, errors.Wrapf(ErrInvalidArgument, "buffer of %d bytes too small for %d blocks", len(buf), cnt)
	}

	var (
		total     uint64
		cursor    = blk
		remaining = cnt
		bs        = uint64(d.bs)
	)

	for _, s := range d.slices.slices {
		if remaining == 0 {
			break
		}

		if !s.Contains(cursor) {
			continue
		}

		nr := cursor - s.LBA
		n := min(remaining, s.Blocks-uint64(nr))

		d.log.Trace(op, "slice", s.Extent, "block", nr, "count", n, "backend", s.Backend)

		got, err := xfer(s, nr, n, buf[total*bs:])

		cursor += LBA(got)
		remaining -= got
		total += got

		if err != nil {
			return total, errors.Wrapf(err, "%s of %d blocks at %d in slice %s", op, n, nr, s.Extent)
		}
	}

	if total < cnt {
		shortTransfers.Inc()
		d.log.Trace("short transfer", "op", op, "block", blk, "requested", cnt, "transferred", total)
	}

	return total, nil
}

func (d *Device) ReadBlocks(blk LBA, cnt uint64, buf []byte) (uint64, error) {
	start := time.Now()
	defer func() {
		blocksReadLatency.Observe(time.Since(start).Seconds())
	}()

	iops.Inc()

	n, err := d.dispatch("read", blk, cnt, buf, func(s *Slice, nr LBA, cnt uint64, buf []byte) (uint64, error) {
		return s.read(d.bs, nr, cnt, buf)
	})

	blocksRead.Add(float64(n))

	if mode.Debug() {
		logBlocks(d.log, "read block sums", d.bs, blk, buf[:n*uint64(d.bs)])
	}

	return n, err
}

func (d *Device) WriteBlocks(blk LBA, cnt uint64, buf []byte) (uint64, error) {
	start := time.Now()
	defer func() {
		blocksWriteLatency.Observe(time.Since(start).Seconds())
	}()

	iops.Inc()

	if mode.Debug() && blocksFit(d.bs, cnt, buf) {
		logBlocks(d.log, "write block sums", d.bs, blk, buf[:cnt*uint64(d.bs)])
	}

	n, err := d.dispatch("write", blk, cnt, buf, func(s *Slice, nr LBA, cnt uint64, buf []byte) (uint64, error) {
		return s.write(d.bs, nr, cnt, buf)
	})

	blocksWritten.Add(float64(n))

	return n, err
}

// destroy tears down every slice backend. Slices whose teardown failed are
// kept, and the block count shrinks to the ones left, so the device still
// describes what it holds. Released slices cannot be put back: their memory
// is already unmapped.
func (d *Device) destroy() error {
	var (
		result *multierror.Error
		failed []*Slice
	)

	for _, s := range d.slices.slices {
		if err := s.destroy(); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "releasing slice %s", s.Extent))
			failed = append(failed, s)
			continue
		}

		liveSlices.Dec()
	}

	d.slices.slices = failed

	d.lba = 1
	if last, ok := d.slices.Last(); ok {
		d.lba = last.End()
	}

	return result.ErrorOrNil()
}

// reaches reports whether transfers on d can arrive at target, directly or
// through the linear slices of stacked devices. Devices never map in a cycle,
// so the walk terminates.
func (d *Device) reaches(target *Device) bool {
	if d == target {
		return true
	}

	for _, s := range d.slices.slices {
		if l, ok := s.Backend.(*Linear); ok {
			if next, ok := l.Target.(*Device); ok && next.reaches(target) {
				return true
			}
		}
	}

	return false
}

// references reports whether any slice of d forwards to target.
func (d *Device) references(target blockdev.Device) bool {
	for _, s := range d.slices.slices {
		if l, ok := s.Backend.(*Linear); ok && l.Target == target {
			return true
		}
	}

	return false
}
