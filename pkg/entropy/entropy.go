// Package entropy estimates how compressible a block is from the Shannon
// entropy of its bytes, H = - Σ P(x) * log2 P(x). The s3 device class stores
// blocks scoring above Incompressible without compression.
package entropy

import (
	"io"
	"math"
)

// Incompressible is the entropy, in bits per byte, above which blocks are
// stored raw.
const Incompressible = 7.5

// Estimator accumulates byte frequencies over everything written to it.
type Estimator interface {
	io.Writer
	Value() float64
	Reset()
}

type shannon struct {
	frequencies [256]int
	total       int
}

func (s *shannon) Reset() {
	clear(s.frequencies[:])
	s.total = 0
}

func (s *shannon) Write(data []byte) (int, error) {
	for _, b := range data {
		s.frequencies[b] += 1
	}
	s.total += len(data)
	return len(data), nil
}

func (s *shannon) Value() float64 {
	if s.total == 0 {
		return 0
	}

	var entropy float64
	for _, count := range s.frequencies {
		if count > 0 {
			freq := float64(count) / float64(s.total)
			entropy += freq * math.Log2(freq)
		}
	}
	return -entropy
}

func NewEstimator() Estimator {
	s := &shannon{}
	s.Reset()
	return s
}

// Of returns the entropy of data in bits per byte, 0 for empty data.
func Of(data []byte) float64 {
	var s shannon
	s.Write(data)
	return s.Value()
}
