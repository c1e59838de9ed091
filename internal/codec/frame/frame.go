// Package frame implements the binary-buffer message framing: a fixed
// header, a JSON document and zero or more raw byte buffers.
//
// Layout, all integers big endian uint32:
//
//	magic | length | json_len | num_buffers | json | len_0 .. len_n-1 | buf_0 .. buf_n-1
//
// length counts every byte after the 16 byte header.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	HeaderLen        = 16
	Magic     uint32 = 0x524D5241
)

var (
	ErrBadMagic       = errors.New("frame: bad magic")
	ErrShortHeader    = errors.New("frame: short header")
	ErrLengthMismatch = errors.New("frame: length mismatch")
	ErrTooLarge       = errors.New("frame: message too large")
	ErrTooManyBuffers = errors.New("frame: too many buffers")
)

// Header is the fixed wire header.
type Header struct {
	Magic      uint32
	Length     uint32
	JSONLen    uint32
	NumBuffers uint32
}

// Frame is one complete wire message.
type Frame struct {
	JSON    []byte
	Buffers [][]byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxMessageBytes uint32
	MaxBuffers      uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxMessageBytes: 64 * 1024 * 1024,
		MaxBuffers:      1024,
	}
}

func (f Frame) bodyLen() uint64 {
	n := uint64(len(f.JSON)) + 4*uint64(len(f.Buffers))
	for _, b := range f.Buffers {
		n += uint64(len(b))
	}
	return n
}

func (l Limits) check(h Header) error {
	if h.Magic != Magic {
		return fmt.Errorf("%w: %#08x", ErrBadMagic, h.Magic)
	}
	if h.Length > l.MaxMessageBytes {
		return ErrTooLarge
	}
	if h.NumBuffers > l.MaxBuffers {
		return ErrTooManyBuffers
	}
	if uint64(h.JSONLen)+4*uint64(h.NumBuffers) > uint64(h.Length) {
		return ErrLengthMismatch
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Length)
	binary.BigEndian.PutUint32(buf[8:12], h.JSONLen)
	binary.BigEndian.PutUint32(buf[12:16], h.NumBuffers)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, ErrShortHeader
	}
	return Header{
		Magic:      binary.BigEndian.Uint32(b[0:4]),
		Length:     binary.BigEndian.Uint32(b[4:8]),
		JSONLen:    binary.BigEndian.Uint32(b[8:12]),
		NumBuffers: binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

// Encode serializes f into a single byte slice.
func Encode(f Frame, limits Limits) ([]byte, error) {
	n := f.bodyLen()
	if n > uint64(limits.MaxMessageBytes) {
		return nil, ErrTooLarge
	}
	if uint64(len(f.Buffers)) > uint64(limits.MaxBuffers) {
		return nil, ErrTooManyBuffers
	}

	out := make([]byte, 0, HeaderLen+int(n))
	out = append(out, EncodeHeader(Header{
		Magic:      Magic,
		Length:     uint32(n),
		JSONLen:    uint32(len(f.JSON)),
		NumBuffers: uint32(len(f.Buffers)),
	})...)
	out = append(out, f.JSON...)
	for _, b := range f.Buffers {
		out = binary.BigEndian.AppendUint32(out, uint32(len(b)))
	}
	for _, b := range f.Buffers {
		out = append(out, b...)
	}
	return out, nil
}

// Decode parses a complete message held in b.
func Decode(b []byte, limits Limits) (Frame, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Frame{}, err
	}
	if err := limits.check(h); err != nil {
		return Frame{}, err
	}
	if uint64(len(b)-HeaderLen) != uint64(h.Length) {
		return Frame{}, fmt.Errorf("%w: header says %d, got %d", ErrLengthMismatch, h.Length, len(b)-HeaderLen)
	}
	return decodeBody(h, b[HeaderLen:])
}

func decodeBody(h Header, body []byte) (Frame, error) {
	f := Frame{JSON: body[:h.JSONLen]}
	lens := body[h.JSONLen : h.JSONLen+4*h.NumBuffers]
	rest := body[h.JSONLen+4*h.NumBuffers:]

	var total uint64
	for i := uint32(0); i < h.NumBuffers; i++ {
		total += uint64(binary.BigEndian.Uint32(lens[4*i:]))
	}
	if total != uint64(len(rest)) {
		return Frame{}, fmt.Errorf("%w: buffers need %d bytes, have %d", ErrLengthMismatch, total, len(rest))
	}

	if h.NumBuffers > 0 {
		f.Buffers = make([][]byte, h.NumBuffers)
	}
	for i := uint32(0); i < h.NumBuffers; i++ {
		n := binary.BigEndian.Uint32(lens[4*i:])
		f.Buffers[i] = rest[:n:n]
		rest = rest[n:]
	}
	return f, nil
}

// Read reads one message from r. A clean end of stream before any header
// byte is reported as io.EOF.
func Read(r io.Reader, limits Limits) (Frame, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h, _ := DecodeHeader(hb[:])
	if err := limits.check(h); err != nil {
		return Frame{}, err
	}

	body := make([]byte, h.Length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return decodeBody(h, body)
}

// Write writes f to w as one message.
func Write(w io.Writer, f Frame, limits Limits) error {
	b, err := Encode(f, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
