package blkmap

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func memSlice(blk LBA, cnt uint64) *Slice {
	return &Slice{
		Extent:  Extent{LBA: blk, Blocks: cnt},
		Backend: &Memory{Data: make([]byte, cnt*512)},
	}
}

func starts(ss *SliceSet) []LBA {
	var out []LBA
	for _, s := range ss.Slices() {
		out = append(out, s.LBA)
	}

	return out
}

func TestSliceSet(t *testing.T) {
	t.Run("keeps slices ordered regardless of insert order", func(t *testing.T) {
		r := require.New(t)

		var ss SliceSet

		r.NoError(ss.Insert(memSlice(8, 4)))
		r.NoError(ss.Insert(memSlice(0, 2)))
		r.NoError(ss.Insert(memSlice(20, 1)))
		r.NoError(ss.Insert(memSlice(4, 4)))

		r.Equal([]LBA{0, 4, 8, 20}, starts(&ss))
		r.NoError(ss.Validate())

		last, ok := ss.Last()
		r.True(ok)
		r.Equal(LBA(20), last.LBA)

		r.Equal("{0:2 4:4 8:4 20:1}", ss.Render())
	})

	t.Run("rejects every kind of overlap", func(t *testing.T) {
		var ss SliceSet
		require.NoError(t, ss.Insert(memSlice(8, 8)))

		cases := []struct {
			name string
			blk  LBA
			cnt  uint64
		}{
			{"identical", 8, 8},
			{"overlapping start", 4, 5},
			{"overlapping end", 15, 4},
			{"inside", 10, 2},
			{"enclosing", 0, 32},
			{"single block at start", 8, 1},
			{"single block at end", 15, 1},
		}

		for _, c := range cases {
			t.Run(c.name, func(t *testing.T) {
				r := require.New(t)

				err := ss.Insert(memSlice(c.blk, c.cnt))
				r.Error(err)
				r.True(errors.Is(err, ErrBusy))

				r.Equal([]LBA{8}, starts(&ss))
			})
		}
	})

	t.Run("accepts adjacent slices", func(t *testing.T) {
		r := require.New(t)

		var ss SliceSet

		r.NoError(ss.Insert(memSlice(8, 8)))
		r.NoError(ss.Insert(memSlice(0, 8)))
		r.NoError(ss.Insert(memSlice(16, 8)))

		r.Equal(3, ss.Len())
		r.NoError(ss.Validate())
	})

	t.Run("validate catches overlap", func(t *testing.T) {
		r := require.New(t)

		ss := SliceSet{slices: []*Slice{memSlice(0, 8), memSlice(4, 8)}}
		r.Error(ss.Validate())

		ss = SliceSet{slices: []*Slice{memSlice(0, 0)}}
		r.Error(ss.Validate())
	})

	t.Run("empty set has no last slice", func(t *testing.T) {
		r := require.New(t)

		var ss SliceSet

		_, ok := ss.Last()
		r.False(ok)
		r.True(ss.Available(memSlice(0, 1)))
	})
}
