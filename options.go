package blkmap

import (
	"github.com/lab47/blkmap/pkg/blockdev"
	"github.com/lab47/blkmap/pkg/physmem"
	"github.com/oklog/ulid/v2"
)

const DefaultBlockSize = 512

type opts struct {
	fw        *blockdev.Framework
	space     physmem.Space
	blockSize int
	serialGen func() ulid.ULID
	hook      func(Event)
}

type Option func(o *opts)

// WithFramework sets the device framework that linear targets are resolved
// in and that new devices are bound into.
func WithFramework(fw *blockdev.Framework) Option {
	return func(o *opts) {
		o.fw = fw
	}
}

func WithPhysicalMemory(space physmem.Space) Option {
	return func(o *opts) {
		o.space = space
	}
}

func WithBlockSize(bs int) Option {
	return func(o *opts) {
		o.blockSize = bs
	}
}

func WithSerialGen(f func() ulid.ULID) Option {
	return func(o *opts) {
		o.serialGen = f
	}
}

func WithEventHook(f func(Event)) Option {
	return func(o *opts) {
		o.hook = f
	}
}
