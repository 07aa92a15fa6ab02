package blockdev

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func pattern(bs int, blocks int, seed byte) []byte {
	data := make([]byte, bs*blocks)
	for i := range data {
		data[i] = seed + byte(i/bs)
	}
	return data
}

func TestFramework(t *testing.T) {
	t.Run("binds and resolves by class and index", func(t *testing.T) {
		r := require.New(t)

		f := NewFramework()

		a := NewRAM(512, 8)
		b := NewRAM(512, 8)

		r.NoError(f.Bind("ram", 0, a))
		r.NoError(f.Bind("ram", 3, b))

		dev, err := f.Lookup("ram", 3)
		r.NoError(err)
		r.Same(b, dev)

		_, err = f.Lookup("ram", 1)
		r.True(errors.Is(err, ErrNotFound))

		_, err = f.Lookup("mmc", 0)
		r.True(errors.Is(err, ErrNotFound))
	})

	t.Run("refuses to bind the same index twice", func(t *testing.T) {
		r := require.New(t)

		f := NewFramework()

		r.NoError(f.Bind("ram", 0, NewRAM(512, 1)))
		err := f.Bind("ram", 0, NewRAM(512, 1))
		r.True(errors.Is(err, ErrBusy))
	})

	t.Run("add fills the lowest free index", func(t *testing.T) {
		r := require.New(t)

		f := NewFramework()

		for i := 0; i < 3; i++ {
			idx, err := f.Add("ram", NewRAM(512, 1))
			r.NoError(err)
			r.Equal(i, idx)
		}

		r.NoError(f.Unbind("ram", 1))

		idx, err := f.Add("ram", NewRAM(512, 1))
		r.NoError(err)
		r.Equal(1, idx)
	})

	t.Run("iterates in index order", func(t *testing.T) {
		r := require.New(t)

		f := NewFramework()

		r.NoError(f.Bind("ram", 5, NewRAM(512, 1)))
		r.NoError(f.Bind("ram", 2, NewRAM(512, 1)))
		r.NoError(f.Bind("file", 0, NewRAM(512, 1)))

		var seen []int
		err := f.Each("ram", func(index int, dev Device) error {
			seen = append(seen, index)
			return nil
		})
		r.NoError(err)

		r.Equal([]int{2, 5}, seen)
		r.Equal([]string{"file", "ram"}, f.Classes())
	})
}

func TestRAM(t *testing.T) {
	t.Run("round trips blocks", func(t *testing.T) {
		r := require.New(t)

		d := NewRAM(512, 8)

		in := pattern(512, 3, 1)

		n, err := d.WriteBlocks(2, 3, in)
		r.NoError(err)
		r.Equal(uint64(3), n)

		out := make([]byte, len(in))
		n, err = d.ReadBlocks(2, 3, out)
		r.NoError(err)
		r.Equal(uint64(3), n)
		r.Equal(in, out)
	})

	t.Run("transfers short at the end of the device", func(t *testing.T) {
		r := require.New(t)

		d := NewRAM(512, 4)

		out := make([]byte, 512*4)
		n, err := d.ReadBlocks(2, 4, out)
		r.NoError(err)
		r.Equal(uint64(2), n)

		n, err = d.ReadBlocks(10, 1, out)
		r.NoError(err)
		r.Equal(uint64(0), n)
	})

	t.Run("rejects undersized buffers", func(t *testing.T) {
		r := require.New(t)

		d := NewRAM(512, 4)

		_, err := d.ReadBlocks(0, 2, make([]byte, 512))
		r.True(errors.Is(err, ErrInvalidArgument))
	})
}

func TestFile(t *testing.T) {
	log := hclog.New(&hclog.LoggerOptions{
		Name:  "file",
		Level: hclog.Trace,
	})

	t.Run("round trips blocks through the image", func(t *testing.T) {
		r := require.New(t)

		path := filepath.Join(t.TempDir(), "disk.img")

		d, err := CreateFile(log, path, 512, 16)
		r.NoError(err)

		r.Equal(LBA(16), d.Blocks())

		in := pattern(512, 4, 7)

		n, err := d.WriteBlocks(12, 4, in)
		r.NoError(err)
		r.Equal(uint64(4), n)

		r.NoError(d.Close())

		d, err = OpenFile(log, path, 512, true)
		r.NoError(err)
		defer d.Close()

		out := make([]byte, len(in))
		n, err = d.ReadBlocks(12, 4, out)
		r.NoError(err)
		r.Equal(uint64(4), n)
		r.Equal(in, out)

		_, err = d.WriteBlocks(0, 1, in)
		r.True(errors.Is(err, ErrReadOnly))
	})
}

func TestBolt(t *testing.T) {
	log := hclog.New(&hclog.LoggerOptions{
		Name:  "bolt",
		Level: hclog.Trace,
	})

	t.Run("stores only non-zero blocks", func(t *testing.T) {
		r := require.New(t)

		path := filepath.Join(t.TempDir(), "disk.db")

		d, err := OpenBolt(log, path, 512, 64)
		r.NoError(err)

		in := pattern(512, 2, 1)
		copy(in[512:], make([]byte, 512))

		n, err := d.WriteBlocks(10, 2, in)
		r.NoError(err)
		r.Equal(uint64(2), n)

		pop, err := d.Populated()
		r.NoError(err)
		r.Equal(1, pop)

		out := bytes.Repeat([]byte{0xff}, 512*3)
		n, err = d.ReadBlocks(9, 3, out)
		r.NoError(err)
		r.Equal(uint64(3), n)

		r.Equal(make([]byte, 512), out[:512])
		r.Equal(in, out[512:])

		r.NoError(d.Close())
	})

	t.Run("keeps the recorded geometry", func(t *testing.T) {
		r := require.New(t)

		path := filepath.Join(t.TempDir(), "disk.db")

		d, err := OpenBolt(log, path, 512, 64)
		r.NoError(err)
		r.NoError(d.Close())

		d, err = OpenBolt(log, path, 512, 8)
		r.NoError(err)
		r.Equal(LBA(64), d.Blocks())
		r.NoError(d.Close())

		_, err = OpenBolt(log, path, 4096, 8)
		r.True(errors.Is(err, ErrInvalidArgument))
	})
}
