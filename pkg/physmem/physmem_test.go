package physmem

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestSandbox(t *testing.T) {
	t.Run("maps alias the arena", func(t *testing.T) {
		r := require.New(t)

		s := NewSandbox(0x1000, 0x2000)

		a, err := s.Map(0x1200, 16)
		r.NoError(err)
		a[0] = 47

		b, err := s.Map(0x1200, 4)
		r.NoError(err)
		r.Equal(byte(47), b[0])

		r.Equal(2, s.Mappings())

		r.NoError(s.Unmap(a))
		r.NoError(s.Unmap(b))
		r.Equal(0, s.Mappings())

		r.True(errors.Is(s.Unmap(a), ErrNotMapped))
	})

	t.Run("mappings cannot grow past their size", func(t *testing.T) {
		r := require.New(t)

		s := NewSandbox(0, 64)

		a, err := s.Map(0, 16)
		r.NoError(err)
		r.Equal(16, cap(a))
	})

	t.Run("rejects ranges outside the arena", func(t *testing.T) {
		r := require.New(t)

		s := NewSandbox(0x1000, 0x100)

		_, err := s.Map(0xfff, 2)
		r.True(errors.Is(err, ErrOutOfRange))

		_, err = s.Map(0x10f0, 0x20)
		r.True(errors.Is(err, ErrOutOfRange))

		_, err = s.Map(0x1000, 0)
		r.True(errors.Is(err, ErrOutOfRange))
	})
}

func TestFile(t *testing.T) {
	t.Run("maps unaligned windows of the file", func(t *testing.T) {
		r := require.New(t)

		path := filepath.Join(t.TempDir(), "ram")

		data := make([]byte, 3*os.Getpagesize())
		for i := range data {
			data[i] = byte(i % 251)
		}

		r.NoError(os.WriteFile(path, data, 0644))

		f, err := OpenFile(hclog.NewNullLogger(), path, 0x80000000)
		r.NoError(err)

		paddr := uint64(0x80000000 + os.Getpagesize() + 100)

		b, err := f.Map(paddr, 200)
		r.NoError(err)
		r.Len(b, 200)
		r.Equal(data[os.Getpagesize()+100:os.Getpagesize()+300], []byte(b))

		b[0] = 0xaa

		r.NoError(f.Unmap(b))
		r.NoError(f.Close())

		after, err := os.ReadFile(path)
		r.NoError(err)
		r.Equal(byte(0xaa), after[os.Getpagesize()+100])
	})

	t.Run("rejects ranges past the end of the file", func(t *testing.T) {
		r := require.New(t)

		path := filepath.Join(t.TempDir(), "ram")
		r.NoError(os.WriteFile(path, make([]byte, 4096), 0644))

		f, err := OpenFile(hclog.NewNullLogger(), path, 0)
		r.NoError(err)
		defer f.Close()

		_, err = f.Map(4000, 200)
		r.True(errors.Is(err, ErrOutOfRange))
	})
}
