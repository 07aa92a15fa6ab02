package blkmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtent(t *testing.T) {
	t.Run("contains is half-open", func(t *testing.T) {
		r := require.New(t)

		e := Extent{LBA: 8, Blocks: 8}

		r.False(e.Contains(7))
		r.True(e.Contains(8))
		r.True(e.Contains(15))
		r.False(e.Contains(16))

		r.Equal(LBA(15), e.Last())
		r.Equal(LBA(16), e.End())
		r.Equal("8:8", e.String())
	})

	t.Run("empty extents are invalid", func(t *testing.T) {
		r := require.New(t)

		r.False(Extent{LBA: 3}.Valid())
		r.True(Extent{LBA: 3, Blocks: 1}.Valid())
	})
}
