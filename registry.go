package blkmap

import (
	"github.com/hashicorp/go-hclog"
	"github.com/igrmk/treemap/v2"
	"github.com/lab47/blkmap/pkg/blockdev"
	"github.com/lab47/blkmap/pkg/physmem"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// Class is the framework class block-map devices are bound under.
const Class = "blkmap"

type EventKind string

const (
	DeviceCreated   EventKind = "create"
	DeviceDestroyed EventKind = "destroy"
	SliceMapped     EventKind = "map"
)

type Event struct {
	Kind    EventKind `json:"kind" cbor:"1,keyasint"`
	Device  DeviceId  `json:"device" cbor:"2,keyasint"`
	Serial  string    `json:"serial,omitempty" cbor:"3,keyasint,omitempty"`
	Extent  *Extent   `json:"extent,omitempty" cbor:"4,keyasint,omitempty"`
	Backend string    `json:"backend,omitempty" cbor:"5,keyasint,omitempty"`
}

// Registry owns every block-map device, keyed by id. It is not safe for
// concurrent use; callers serialize access.
type Registry struct {
	log   hclog.Logger
	fw    *blockdev.Framework
	space physmem.Space
	bs    int

	devices *treemap.TreeMap[DeviceId, *Device]

	serialGen func() ulid.ULID
	hook      func(Event)
}

func NewRegistry(log hclog.Logger, options ...Option) (*Registry, error) {
	o := opts{
		blockSize: DefaultBlockSize,
	}

	for _, opt := range options {
		opt(&o)
	}

	if !isPowerOfTwo(o.blockSize) {
		return nil, errors.Wrapf(ErrInvalidArgument, "block size %d is not a power of two", o.blockSize)
	}

	if o.fw == nil {
		o.fw = blockdev.NewFramework()
	}

	if o.serialGen == nil {
		o.serialGen = func() ulid.ULID {
			return ulid.MustNew(ulid.Now(), ulid.DefaultEntropy())
		}
	}

	return &Registry{
		log:       log.Named("registry"),
		fw:        o.fw,
		space:     o.space,
		bs:        o.blockSize,
		devices:   treemap.New[DeviceId, *Device](),
		serialGen: o.serialGen,
		hook:      o.hook,
	}, nil
}

func (r *Registry) BlockSize() int {
	return r.bs
}

func (r *Registry) Framework() *blockdev.Framework {
	return r.fw
}

func (r *Registry) PhysicalMemory() physmem.Space {
	return r.space
}

// SetEventHook replaces the function called after every create, destroy and
// map.
func (r *Registry) SetEventHook(f func(Event)) {
	r.hook = f
}

func (r *Registry) emit(ev Event) {
	if r.hook != nil {
		r.hook(ev)
	}
}

// root registers the block-map class with the framework the first time a
// device is created.
func (r *Registry) root() {
	if !r.fw.HasClass(Class) {
		r.log.Debug("registering root device class", "class", Class)
		r.fw.RegisterClass(Class)
	}
}

func (r *Registry) nextId() DeviceId {
	id := DeviceId(0)
	for i := r.devices.Iterator(); i.Valid(); i.Next() {
		if i.Key() != id {
			break
		}
		id++
	}

	return id
}

// Create makes an empty device. A nil id picks the lowest unused one.
func (r *Registry) Create(id *DeviceId) (DeviceId, error) {
	var want DeviceId

	if id == nil {
		want = r.nextId()
	} else {
		want = *id

		if want < 0 {
			return 0, errors.Wrapf(ErrInvalidArgument, "negative device id %d", want)
		}

		if r.devices.Contains(want) {
			return 0, errors.Wrapf(ErrBusy, "device %d already exists", want)
		}
	}

	r.root()

	d := newDevice(r.log, want, r.bs, r.serialGen())

	if err := r.fw.Bind(Class, int(want), d); err != nil {
		return 0, errors.Wrapf(err, "binding device %d", want)
	}

	r.devices.Set(want, d)
	liveDevices.Inc()

	r.log.Info("created device", "device", int(want), "serial", d.serial)

	r.emit(Event{Kind: DeviceCreated, Device: want, Serial: d.serial.String()})

	return want, nil
}

// Destroy releases every slice of the device and removes it. If any slice
// cannot be released the device stays registered holding just those slices.
func (r *Registry) Destroy(id DeviceId) error {
	d, err := r.Lookup(id)
	if err != nil {
		return err
	}

	for i := r.devices.Iterator(); i.Valid(); i.Next() {
		if i.Key() != id && i.Value().references(d) {
			return errors.Wrapf(ErrBusy, "device %d is mapped by device %d", id, i.Key())
		}
	}

	if err := d.destroy(); err != nil {
		r.log.Error("error releasing device slices", "device", int(id), "error", err)
		return errors.Wrapf(err, "destroying device %d", id)
	}

	if err := r.fw.Unbind(Class, int(id)); err != nil {
		return errors.Wrapf(err, "unbinding device %d", id)
	}

	r.devices.Del(id)
	liveDevices.Dec()

	r.log.Info("destroyed device", "device", int(id))

	r.emit(Event{Kind: DeviceDestroyed, Device: id, Serial: d.serial.String()})

	return nil
}

func (r *Registry) Lookup(id DeviceId) (*Device, error) {
	d, ok := r.devices.Get(id)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "block-map device %d", id)
	}

	return d, nil
}

// Devices returns the live devices in id order.
func (r *Registry) Devices() []*Device {
	var out []*Device
	for i := r.devices.Iterator(); i.Valid(); i.Next() {
		out = append(out, i.Value())
	}

	return out
}

func (r *Registry) Len() int {
	return r.devices.Len()
}

func (r *Registry) checkExtent(blk LBA, cnt uint64) error {
	if cnt == 0 {
		return errors.Wrapf(ErrInvalidArgument, "slice at %d has no blocks", blk)
	}

	if LBA(cnt) > ^blk {
		return errors.Wrapf(ErrInvalidArgument, "slice %d+%d wraps the block space", blk, cnt)
	}

	return nil
}

func (r *Registry) add(d *Device, s *Slice) error {
	if err := d.add(s); err != nil {
		return err
	}

	r.emit(Event{
		Kind:    SliceMapped,
		Device:  d.id,
		Serial:  d.serial.String(),
		Extent:  &s.Extent,
		Backend: s.Backend.String(),
	})

	return nil
}

// AddLinear maps [blk, blk+cnt) of device id onto the framework device
// class/index starting at targetBlk.
func (r *Registry) AddLinear(id DeviceId, blk LBA, cnt uint64, class string, index int, targetBlk LBA) error {
	d, err := r.Lookup(id)
	if err != nil {
		return err
	}

	if err := r.checkExtent(blk, cnt); err != nil {
		return err
	}

	target, err := r.fw.Lookup(class, index)
	if err != nil {
		return err
	}

	if td, ok := target.(*Device); ok && td.reaches(d) {
		return errors.Wrapf(ErrInvalidArgument, "mapping device %d onto %s %d forms a cycle", id, class, index)
	}

	if target.BlockSize() != d.bs {
		return errors.Wrapf(ErrInvalidArgument,
			"%s %d has block size %d, device %d uses %d", class, index, target.BlockSize(), id, d.bs)
	}

	return r.add(d, &Slice{
		Extent: Extent{LBA: blk, Blocks: cnt},
		Backend: &Linear{
			Target: target,
			Class:  class,
			Index:  index,
			Start:  targetBlk,
		},
	})
}

// AddMemory maps [blk, blk+cnt) of device id onto buf, which must hold at
// least cnt blocks. The caller keeps ownership of buf.
func (r *Registry) AddMemory(id DeviceId, blk LBA, cnt uint64, buf []byte) error {
	d, err := r.Lookup(id)
	if err != nil {
		return err
	}

	if err := r.checkExtent(blk, cnt); err != nil {
		return err
	}

	if !blocksFit(d.bs, cnt, buf) {
		return errors.Wrapf(ErrInvalidArgument, "buffer of %d bytes too small for %d blocks", len(buf), cnt)
	}

	return r.add(d, &Slice{
		Extent:  Extent{LBA: blk, Blocks: cnt},
		Backend: &Memory{Data: buf},
	})
}

// AddPhysicalMemory maps cnt blocks of physical memory at paddr and uses them
// as [blk, blk+cnt) of device id. The mapping is released when the device is
// destroyed.
func (r *Registry) AddPhysicalMemory(id DeviceId, blk LBA, cnt uint64, paddr uint64) error {
	d, err := r.Lookup(id)
	if err != nil {
		return err
	}

	if err := r.checkExtent(blk, cnt); err != nil {
		return err
	}

	if r.space == nil {
		return errors.Wrapf(ErrNoMemory, "no physical memory configured")
	}

	if !mappable(d.bs, cnt) {
		return errors.Wrapf(ErrInvalidArgument, "%#x blocks cannot be mapped at once", cnt)
	}

	s := &Slice{Extent: Extent{LBA: blk, Blocks: cnt}}

	// Check before mapping so a rejected slice leaves no mapping behind.
	if !d.slices.Available(s) {
		return errors.Wrapf(ErrBusy, "blocks %s overlap an existing slice", s.Extent)
	}

	data, err := r.space.Map(paddr, int(cnt)*d.bs)
	if err != nil {
		return errors.Wrapf(ErrNoMemory, "mapping %#x: %s", paddr, err)
	}

	s.Backend = &Memory{Data: data, Phys: paddr, space: r.space}

	if err := r.add(d, s); err != nil {
		if uerr := r.space.Unmap(data); uerr != nil {
			r.log.Error("error unmapping rejected slice", "error", uerr, "addr", paddr)
		}
		return err
	}

	return nil
}

func (r *Registry) Read(id DeviceId, blk LBA, cnt uint64, buf []byte) (uint64, error) {
	d, err := r.Lookup(id)
	if err != nil {
		return 0, err
	}

	return d.ReadBlocks(blk, cnt, buf)
}

func (r *Registry) Write(id DeviceId, blk LBA, cnt uint64, buf []byte) (uint64, error) {
	d, err := r.Lookup(id)
	if err != nil {
		return 0, err
	}

	return d.WriteBlocks(blk, cnt, buf)
}

// Close destroys every device. Devices mapped by other devices are retried
// once those are gone; the first error of the final pass is returned.
func (r *Registry) Close() error {
	for {
		var (
			first    error
			progress bool
		)

		devs := r.Devices()
		if len(devs) == 0 {
			return nil
		}

		for i := len(devs) - 1; i >= 0; i-- {
			if err := r.Destroy(devs[i].id); err != nil {
				if first == nil {
					first = err
				}
				continue
			}

			progress = true
		}

		if !progress {
			return first
		}
	}
}
