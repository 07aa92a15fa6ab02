package blkmap

import (
	"bytes"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestNBDWrapper(t *testing.T) {
	setup := func(t *testing.T) (*Registry, DeviceId, []byte) {
		reg := newTestRegistry(t)

		id, err := reg.Create(nil)
		require.NoError(t, err)

		mem := make([]byte, 8*512)
		require.NoError(t, reg.AddMemory(id, 0, 8, mem))

		return reg, id, mem
	}

	t.Run("reads and writes whole blocks", func(t *testing.T) {
		r := require.New(t)

		reg, id, mem := setup(t)

		var mu sync.Mutex
		w := NBDWrapper(reg.log, &mu, reg, id)

		sz, err := w.Size()
		r.NoError(err)
		r.Equal(int64(8*512), sz)

		data := bytes.Repeat([]byte{0x77}, 1024)

		n, err := w.WriteAt(data, 1024)
		r.NoError(err)
		r.Equal(1024, n)
		r.Equal(data, mem[1024:2048])

		out := make([]byte, 1024)
		n, err = w.ReadAt(out, 1024)
		r.NoError(err)
		r.Equal(1024, n)
		r.Equal(data, out)

		r.NoError(w.ZeroAt(1024, 512))
		r.Equal(make([]byte, 512), mem[1024:1536])
		r.Equal(data[:512], mem[1536:2048])

		r.NoError(w.Trim(0, 512))
		r.NoError(w.Sync())
	})

	t.Run("rejects unaligned requests", func(t *testing.T) {
		r := require.New(t)

		reg, id, _ := setup(t)
		w := NBDWrapper(reg.log, &sync.Mutex{}, reg, id)

		_, err := w.ReadAt(make([]byte, 100), 0)
		r.True(errors.Is(err, ErrInvalidArgument))

		_, err = w.WriteAt(make([]byte, 512), 3)
		r.True(errors.Is(err, ErrInvalidArgument))
	})

	t.Run("fails short transfers", func(t *testing.T) {
		r := require.New(t)

		reg, id, _ := setup(t)
		require.NoError(t, reg.AddMemory(id, 12, 4, make([]byte, 4*512)))

		w := NBDWrapper(reg.log, &sync.Mutex{}, reg, id)

		n, err := w.ReadAt(make([]byte, 10*512), 4*512)
		r.True(errors.Is(err, ErrShortTransfer))
		r.Equal(4*512, n)

		_, err = w.WriteAt(make([]byte, 512), 9*512)
		r.True(errors.Is(err, ErrShortTransfer))
	})

	t.Run("fails once the device is gone", func(t *testing.T) {
		r := require.New(t)

		reg, id, _ := setup(t)
		w := NBDWrapper(reg.log, &sync.Mutex{}, reg, id)

		r.NoError(reg.Destroy(id))

		_, err := w.Size()
		r.True(errors.Is(err, ErrNotFound))
	})

	t.Run("exports every device by name", func(t *testing.T) {
		r := require.New(t)

		reg := newTestRegistry(t)

		_, err := reg.Create(nil)
		r.NoError(err)

		_, err = reg.Create(devId(3))
		r.NoError(err)

		exports := Exports(reg.log, &sync.Mutex{}, reg)
		r.Len(exports, 2)
		r.Equal("blkmap0", exports[0].Name)
		r.Equal("blkmap3", exports[1].Name)
		r.Contains(exports[1].Description, "blkmap blkmap 1.0")
	})
}
