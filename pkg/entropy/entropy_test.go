package entropy

import (
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEntropy(t *testing.T) {
	t.Run("empty blocks are low", func(t *testing.T) {
		r := require.New(t)

		e := NewEstimator()

		e.Write(make([]byte, 512))

		r.Equal(0.0, e.Value())
	})

	t.Run("no data scores zero", func(t *testing.T) {
		r := require.New(t)

		r.Equal(0.0, Of(nil))
		r.Equal(0.0, NewEstimator().Value())
	})

	t.Run("random blocks are incompressible", func(t *testing.T) {
		r := require.New(t)

		data := make([]byte, 4096)

		_, err := io.ReadFull(rand.Reader, data)
		r.NoError(err)

		r.Greater(Of(data), Incompressible)
	})

	t.Run("text is compressible", func(t *testing.T) {
		r := require.New(t)

		data := []byte("the quick brown fox jumps over the lazy dog, again and again and again")

		r.Less(Of(data), Incompressible)
	})

	t.Run("reset clears state", func(t *testing.T) {
		r := require.New(t)

		e := NewEstimator()
		e.Write([]byte{1, 2, 3, 4})
		r.Greater(e.Value(), 0.0)

		e.Reset()
		r.Equal(0.0, e.Value())
	})
}
