package blkmap

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// SliceSet is the ordered, non-overlapping collection of slices making up a
// device.
type SliceSet struct {
	slices []*Slice
}

func (ss *SliceSet) Len() int {
	return len(ss.slices)
}

// Available reports whether c can join the set. A candidate conflicts when
// either of its endpoints falls inside an existing slice, or either endpoint
// of an existing slice falls inside it.
func (ss *SliceSet) Available(c *Slice) bool {
	first, last := c.Range()

	for _, s := range ss.slices {
		if s.Contains(first) || s.Contains(last) {
			return false
		}

		if c.Contains(s.LBA) || c.Contains(s.Last()) {
			return false
		}
	}

	return true
}

// Insert adds c before the first slice that does not start below it.
func (ss *SliceSet) Insert(c *Slice) error {
	if !ss.Available(c) {
		return errors.Wrapf(ErrBusy, "blocks %s overlap an existing slice", c.Extent)
	}

	idx := slices.IndexFunc(ss.slices, func(s *Slice) bool {
		return s.LBA >= c.LBA
	})

	if idx < 0 {
		ss.slices = append(ss.slices, c)
	} else {
		ss.slices = slices.Insert(ss.slices, idx, c)
	}

	return nil
}

// Last returns the slice with the highest start block.
func (ss *SliceSet) Last() (*Slice, bool) {
	if len(ss.slices) == 0 {
		return nil, false
	}

	return ss.slices[len(ss.slices)-1], true
}

// Slices returns the slices in ascending order.
func (ss *SliceSet) Slices() []*Slice {
	return slices.Clone(ss.slices)
}

func (ss *SliceSet) Each(fn func(s *Slice) error) error {
	for _, s := range ss.slices {
		if err := fn(s); err != nil {
			return err
		}
	}

	return nil
}

// Validate checks that the slices are valid, ordered and disjoint.
func (ss *SliceSet) Validate() error {
	var prev *Slice

	for _, s := range ss.slices {
		if !s.Valid() {
			return fmt.Errorf("empty slice at %d", s.LBA)
		}

		if s.Backend == nil {
			return fmt.Errorf("slice %s has no backend", s.Extent)
		}

		if prev != nil && prev.End() > s.LBA {
			return fmt.Errorf("slice %s overlaps or precedes %s", s.Extent, prev.Extent)
		}

		prev = s
	}

	return nil
}

func (ss *SliceSet) Render() string {
	var parts []string

	for _, s := range ss.slices {
		parts = append(parts, s.Extent.String())
	}

	return "{" + strings.Join(parts, " ") + "}"
}
