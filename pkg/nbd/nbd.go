package nbd

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

var (
	ErrInvalidMagic     = errors.New("invalid magic")
	ErrInvalidBlocksize = errors.New("invalid blocksize")
	ErrOptionTooLarge   = errors.New("negotiation option too large")
)

const (
	defaultMaximumRequestSize = 32 * 1024 * 1024 // Support for a 32M maximum packet size is expected: https://sourceforge.net/p/nbd/mailman/message/35081223/

	maximumOptionSize = 64 * 1024

	idleInterval = 100 * time.Millisecond
)

type Export struct {
	Name        string
	Description string

	Backend Backend
}

type Options struct {
	ReadOnly bool

	MinimumBlockSize   uint32
	PreferredBlockSize uint32
	MaximumBlockSize   uint32

	MaximumRequestSize int
	SupportsMultiConn  bool
}

func (o *Options) withDefaults() *Options {
	if o == nil {
		o = &Options{
			SupportsMultiConn: true,
		}
	}

	out := *o

	if out.MinimumBlockSize == 0 {
		out.MinimumBlockSize = 1
	}

	if out.PreferredBlockSize == 0 {
		out.PreferredBlockSize = 4096
	}

	if out.MaximumBlockSize == 0 {
		out.MaximumBlockSize = defaultMaximumRequestSize
	}

	if out.MaximumRequestSize == 0 {
		out.MaximumRequestSize = defaultMaximumRequestSize
	}

	return &out
}

type session struct {
	log     hclog.Logger
	conn    net.Conn
	opts    *Options
	exports []*Export

	export *Export
	size   uint64
	buf    []byte
}

// Handle serves one client connection: it negotiates an export and then
// processes requests against its backend until the client disconnects.
func Handle(log hclog.Logger, conn net.Conn, exports []*Export, options *Options) error {
	s := &session{
		log:     log,
		conn:    conn,
		opts:    options.withDefaults(),
		exports: exports,
	}

	done, err := s.negotiate()
	if err != nil || done {
		return err
	}

	return s.transmit()
}

func (s *session) optionReply(id, typ uint32, payload []byte) error {
	if err := binary.Write(s.conn, binary.BigEndian, NegotiationReplyHeader{
		ReplyMagic: NEGOTIATION_MAGIC_REPLY,
		ID:         id,
		Type:       typ,
		Length:     uint32(len(payload)),
	}); err != nil {
		return err
	}

	if len(payload) == 0 {
		return nil
	}

	_, err := s.conn.Write(payload)
	return err
}

// infoReply sends an NBD_REP_INFO reply built from the given fields.
func (s *session) infoReply(id uint32, fields ...any) error {
	var info bytes.Buffer

	for _, f := range fields {
		if err := binary.Write(&info, binary.BigEndian, f); err != nil {
			return err
		}
	}

	return s.optionReply(id, NEGOTIATION_TYPE_REPLY_INFO, info.Bytes())
}

func (s *session) lookup(name string) *Export {
	for _, candidate := range s.exports {
		if candidate.Name == name {
			return candidate
		}
	}

	return nil
}

func (s *session) transmissionFlags() uint16 {
	flags := NEGOTIATION_REPLY_FLAGS_HAS_FLAGS |
		NEGO_FLAG_SEND_WRITE_ZEROES |
		NEGO_FLAG_SEND_FLUSH |
		NEGO_FLAG_SEND_TRIM

	if s.opts.ReadOnly {
		flags |= NEGO_FLAG_READONLY
	}

	if s.opts.SupportsMultiConn {
		flags |= NEGOTIATION_REPLY_FLAGS_CAN_MULTI_CONN
	}

	return flags
}

// negotiate runs the option haggling phase. It reports done when the client
// aborted and no transmission phase follows.
func (s *session) negotiate() (bool, error) {
	if err := binary.Write(s.conn, binary.BigEndian, NegotiationNewstyleHeader{
		OldstyleMagic:  NEGOTIATION_MAGIC_OLDSTYLE,
		OptionMagic:    NEGOTIATION_MAGIC_OPTION,
		HandshakeFlags: NEGOTIATION_HANDSHAKE_FLAG_FIXED_NEWSTYLE,
	}); err != nil {
		return false, errors.Wrapf(err, "unable to send newstyle header")
	}

	var clientFlags uint32
	if err := binary.Read(s.conn, binary.BigEndian, &clientFlags); err != nil {
		return false, errors.Wrapf(err, "reading client flags")
	}

	s.log.Trace("client flags", "value", clientFlags)

	for {
		var hdr NegotiationOptionHeader
		if err := binary.Read(s.conn, binary.BigEndian, &hdr); err != nil {
			return false, errors.Wrapf(err, "reading negotiation option")
		}

		if hdr.OptionMagic != NEGOTIATION_MAGIC_OPTION {
			return false, ErrInvalidMagic
		}

		if hdr.Length > maximumOptionSize {
			return false, ErrOptionTooLarge
		}

		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			return false, errors.Wrapf(err, "reading option data")
		}

		s.log.Trace("negotiation option", "id", hdr.ID, "len", hdr.Length)

		switch hdr.ID {
		case NEGOTIATION_ID_OPTION_INFO, NEGOTIATION_ID_OPTION_GO:
			selected, err := s.selectExport(hdr.ID, payload)
			if err != nil {
				return false, err
			}

			if selected && hdr.ID == NEGOTIATION_ID_OPTION_GO {
				s.log.Debug("entering transmission mode", "export", s.export.Name)
				return false, nil
			}
		case NEGOTIATION_ID_OPTION_ABORT:
			return true, s.optionReply(hdr.ID, NEGOTIATION_TYPE_REPLY_ACK, nil)
		case NEGOTIATION_ID_OPTION_LIST:
			for _, export := range s.exports {
				var entry bytes.Buffer
				binary.Write(&entry, binary.BigEndian, uint32(len(export.Name)))
				entry.WriteString(export.Name)

				if err := s.optionReply(hdr.ID, NEGOTIATION_TYPE_REPLY_SERVER, entry.Bytes()); err != nil {
					return false, err
				}
			}

			if err := s.optionReply(hdr.ID, NEGOTIATION_TYPE_REPLY_ACK, nil); err != nil {
				return false, err
			}
		default:
			if err := s.optionReply(hdr.ID, NEGOTIATION_TYPE_REPLY_ERR_UNSUPPORTED, nil); err != nil {
				return false, err
			}
		}
	}
}

// selectExport answers an INFO or GO option. It reports whether the named
// export exists.
func (s *session) selectExport(id uint32, payload []byte) (bool, error) {
	if len(payload) < 4 {
		return false, s.optionReply(id, NEGOTIATION_TYPE_REPLY_ERR_INVALID, nil)
	}

	nameLen := binary.BigEndian.Uint32(payload)
	if uint64(nameLen)+6 > uint64(len(payload)) {
		return false, s.optionReply(id, NEGOTIATION_TYPE_REPLY_ERR_INVALID, nil)
	}

	name := string(payload[4 : 4+nameLen])

	s.log.Debug("looking for export", "name", name)

	export := s.lookup(name)
	if export == nil {
		s.log.Error("no export found", "name", name)
		return false, s.optionReply(id, NEGOTIATION_TYPE_REPLY_ERR_UNKNOWN, nil)
	}

	size, err := export.Backend.Size()
	if err != nil {
		return false, err
	}

	s.log.Debug("reporting device size", "size", size)

	if err := s.infoReply(id, NegotiationReplyInfo{
		Type:              NEGOTIATION_TYPE_INFO_EXPORT,
		Size:              uint64(size),
		TransmissionFlags: s.transmissionFlags(),
	}); err != nil {
		return false, err
	}

	if err := s.infoReply(id, NEGOTIATION_TYPE_INFO_NAME, []byte(name)); err != nil {
		return false, err
	}

	if err := s.infoReply(id, NEGOTIATION_TYPE_INFO_DESCRIPTION, []byte(export.Description)); err != nil {
		return false, err
	}

	if err := s.infoReply(id, NegotiationReplyBlockSize{
		Type:               NEGOTIATION_TYPE_INFO_BLOCKSIZE,
		MinimumBlockSize:   s.opts.MinimumBlockSize,
		PreferredBlockSize: s.opts.PreferredBlockSize,
		MaximumBlockSize:   s.opts.MaximumBlockSize,
	}); err != nil {
		return false, err
	}

	if err := s.optionReply(id, NEGOTIATION_TYPE_REPLY_ACK, nil); err != nil {
		return false, err
	}

	s.export = export
	s.size = uint64(size)

	return true, nil
}

func (s *session) reply(handle uint64, errno uint32) error {
	return binary.Write(s.conn, binary.BigEndian, TransmissionReplyHeader{
		ReplyMagic: TRANSMISSION_MAGIC_REPLY,
		Error:      errno,
		Handle:     handle,
	})
}

// readRequest waits for the next request header, letting the backend do idle
// work while the client is quiet. It returns io.EOF when the client went away
// between requests.
func (s *session) readRequest() (*TransmissionRequestHeader, error) {
	var (
		raw [28]byte
		got int
	)

	backend := s.export.Backend

	for got < len(raw) {
		s.conn.SetReadDeadline(time.Now().Add(idleInterval))

		n, err := s.conn.Read(raw[got:])
		got += n

		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				backend.Idle()
				continue
			}

			if errors.Is(err, io.EOF) && got > 0 {
				return nil, io.ErrUnexpectedEOF
			}

			return nil, err
		}
	}

	s.conn.SetReadDeadline(time.Time{})

	var req TransmissionRequestHeader
	if err := binary.Read(bytes.NewReader(raw[:]), binary.BigEndian, &req); err != nil {
		return nil, err
	}

	if req.RequestMagic != TRANSMISSION_MAGIC_REQUEST {
		return nil, ErrInvalidMagic
	}

	return &req, nil
}

func (s *session) inRange(req *TransmissionRequestHeader) bool {
	end := req.Offset + uint64(req.Length)
	return end >= req.Offset && end <= s.size
}

func (s *session) transmit() error {
	backend := s.export.Backend

	for {
		backend.Idle()

		req, err := s.readRequest()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		switch req.Type {
		case TRANSMISSION_TYPE_REQUEST_READ, TRANSMISSION_TYPE_REQUEST_WRITE:
			if int(req.Length) > s.opts.MaximumRequestSize {
				return ErrInvalidBlocksize
			}

			if int(req.Length) > len(s.buf) {
				s.buf = make([]byte, req.Length)
			}
		}

		switch req.Type {
		case TRANSMISSION_TYPE_REQUEST_READ:
			err = s.read(req)
		case TRANSMISSION_TYPE_REQUEST_WRITE:
			err = s.write(req)
		case TRANSMISSION_TYPE_REQUEST_WRITEZ:
			err = s.modify(req, backend.ZeroAt)
		case TRANSMISSION_TYPE_REQUEST_TRIM:
			err = s.modify(req, backend.Trim)
		case TRANSMISSION_TYPE_REQUEST_FLUSH:
			errno := uint32(0)
			if !s.opts.ReadOnly {
				if serr := backend.Sync(); serr != nil {
					s.log.Error("error syncing backend", "error", serr)
					errno = TRANSMISSION_ERROR_EIO
				}
			}

			err = s.reply(req.Handle, errno)
		case TRANSMISSION_TYPE_REQUEST_DISC:
			if !s.opts.ReadOnly {
				return backend.Sync()
			}

			return nil
		default:
			err = s.reply(req.Handle, TRANSMISSION_ERROR_EINVAL)
		}

		if err != nil {
			return err
		}
	}
}

func (s *session) read(req *TransmissionRequestHeader) error {
	if !s.inRange(req) {
		return s.reply(req.Handle, TRANSMISSION_ERROR_EINVAL)
	}

	b := s.buf[:req.Length]

	n, err := s.export.Backend.ReadAt(b, int64(req.Offset))
	if err != nil || n != len(b) {
		s.log.Error("backend read failed", "error", err, "offset", req.Offset, "length", req.Length, "read", n)
		return s.reply(req.Handle, TRANSMISSION_ERROR_EIO)
	}

	if err := s.reply(req.Handle, 0); err != nil {
		return err
	}

	_, err = s.conn.Write(b)
	return err
}

func (s *session) write(req *TransmissionRequestHeader) error {
	b := s.buf[:req.Length]

	// The payload has to be consumed whether or not the write is accepted.
	if _, err := io.ReadFull(s.conn, b); err != nil {
		return err
	}

	if s.opts.ReadOnly {
		return s.reply(req.Handle, TRANSMISSION_ERROR_EPERM)
	}

	if !s.inRange(req) {
		return s.reply(req.Handle, TRANSMISSION_ERROR_ENOSPC)
	}

	if _, err := s.export.Backend.WriteAt(b, int64(req.Offset)); err != nil {
		s.log.Error("backend write failed", "error", err, "offset", req.Offset, "length", req.Length)
		return s.reply(req.Handle, TRANSMISSION_ERROR_EIO)
	}

	return s.reply(req.Handle, 0)
}

func (s *session) modify(req *TransmissionRequestHeader, op func(off, sz int64) error) error {
	if s.opts.ReadOnly {
		return s.reply(req.Handle, TRANSMISSION_ERROR_EPERM)
	}

	if !s.inRange(req) {
		return s.reply(req.Handle, TRANSMISSION_ERROR_ENOSPC)
	}

	if err := op(int64(req.Offset), int64(req.Length)); err != nil {
		s.log.Error("backend request failed", "error", err, "type", req.Type, "offset", req.Offset)
		return s.reply(req.Handle, TRANSMISSION_ERROR_EIO)
	}

	return s.reply(req.Handle, 0)
}
