package blkmap

import (
	"github.com/lab47/blkmap/pkg/blockdev"
	"github.com/pkg/errors"
)

// The error taxonomy is shared with the device framework so errors.Is works
// across both layers.
var (
	ErrNotFound        = blockdev.ErrNotFound
	ErrBusy            = blockdev.ErrBusy
	ErrInvalidArgument = blockdev.ErrInvalidArgument
	ErrNoMemory        = blockdev.ErrNoMemory

	// ErrShortTransfer is never returned by Device reads and writes; callers
	// that require complete transfers use it to report a short count.
	ErrShortTransfer = errors.New("short transfer")
)
