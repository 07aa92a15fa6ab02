// Package blockdev is the device framework the block-map layer sits on top of.
// Backing devices are bound under a class name ("ram", "file", "s3", ...) and
// a small per-class index, and are resolved by that pair.
package blockdev

import (
	"sort"

	"github.com/igrmk/treemap/v2"
	"github.com/pkg/errors"
)

type LBA uint64

// Device is the native block interface of a backing device. Reads and writes
// return the number of blocks actually transferred, which may be short at the
// end of the device.
type Device interface {
	BlockSize() int
	Blocks() LBA

	ReadBlocks(blk LBA, cnt uint64, buf []byte) (uint64, error)
	WriteBlocks(blk LBA, cnt uint64, buf []byte) (uint64, error)
}

// Closer is implemented by devices holding host resources.
type Closer interface {
	Close() error
}

var (
	ErrNotFound        = errors.New("no such device")
	ErrBusy            = errors.New("device or resource busy")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNoMemory        = errors.New("out of memory")
	ErrReadOnly        = errors.New("device is read-only")
)

type class struct {
	name string
	devs *treemap.TreeMap[int, Device]
}

type Framework struct {
	classes map[string]*class
}

func NewFramework() *Framework {
	return &Framework{
		classes: make(map[string]*class),
	}
}

func (f *Framework) RegisterClass(name string) {
	if _, ok := f.classes[name]; ok {
		return
	}

	f.classes[name] = &class{
		name: name,
		devs: treemap.New[int, Device](),
	}
}

func (f *Framework) HasClass(name string) bool {
	_, ok := f.classes[name]
	return ok
}

func (f *Framework) Classes() []string {
	var names []string
	for name := range f.classes {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

func (f *Framework) class(name string) (*class, error) {
	c, ok := f.classes[name]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "unknown device class %q", name)
	}

	return c, nil
}

// Bind attaches dev under class at index. The class is registered on demand.
func (f *Framework) Bind(name string, index int, dev Device) error {
	if index < 0 {
		return errors.Wrapf(ErrInvalidArgument, "negative device index %d", index)
	}

	f.RegisterClass(name)

	c := f.classes[name]

	if c.devs.Contains(index) {
		return errors.Wrapf(ErrBusy, "%s %d already bound", name, index)
	}

	c.devs.Set(index, dev)
	return nil
}

// Add binds dev under the lowest free index of class and returns that index.
func (f *Framework) Add(name string, dev Device) (int, error) {
	f.RegisterClass(name)

	c := f.classes[name]

	index := 0
	for i := c.devs.Iterator(); i.Valid(); i.Next() {
		if i.Key() != index {
			break
		}
		index++
	}

	c.devs.Set(index, dev)
	return index, nil
}

func (f *Framework) Unbind(name string, index int) error {
	c, err := f.class(name)
	if err != nil {
		return err
	}

	if !c.devs.Contains(index) {
		return errors.Wrapf(ErrNotFound, "%s %d", name, index)
	}

	c.devs.Del(index)
	return nil
}

func (f *Framework) Lookup(name string, index int) (Device, error) {
	c, err := f.class(name)
	if err != nil {
		return nil, err
	}

	dev, ok := c.devs.Get(index)
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "%s %d", name, index)
	}

	return dev, nil
}

// Each calls fn for every device of class in ascending index order.
func (f *Framework) Each(name string, fn func(index int, dev Device) error) error {
	c, err := f.class(name)
	if err != nil {
		return err
	}

	for i := c.devs.Iterator(); i.Valid(); i.Next() {
		if err := fn(i.Key(), i.Value()); err != nil {
			return err
		}
	}

	return nil
}

// Close closes every bound device that holds host resources and returns the
// first error seen.
func (f *Framework) Close() error {
	var first error

	for _, name := range f.Classes() {
		c := f.classes[name]
		for i := c.devs.Iterator(); i.Valid(); i.Next() {
			if cl, ok := i.Value().(Closer); ok {
				if err := cl.Close(); err != nil && first == nil {
					first = errors.Wrapf(err, "closing %s %d", name, i.Key())
				}
			}
		}
	}

	return first
}

// clampCount limits cnt so that [blk, blk+cnt) stays within a device of
// total blocks.
func clampCount(total LBA, blk LBA, cnt uint64) uint64 {
	if blk >= total {
		return 0
	}

	if left := uint64(total - blk); cnt > left {
		return left
	}

	return cnt
}

func checkBuffer(bs int, cnt uint64, buf []byte) error {
	if cnt > uint64(len(buf))/uint64(bs) {
		return errors.Wrapf(ErrInvalidArgument, "buffer of %d bytes too small for %d blocks", len(buf), cnt)
	}

	return nil
}
