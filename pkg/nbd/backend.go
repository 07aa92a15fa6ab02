package nbd

import "io"

// Backend serves the data of one export. Offsets and lengths are in bytes.
type Backend interface {
	io.ReaderAt
	io.WriterAt

	ZeroAt(off, sz int64) error
	Trim(off, sz int64) error

	Size() (int64, error)
	Sync() error

	// Idle is called whenever the connection has no request pending.
	Idle()
}
