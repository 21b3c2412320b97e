// Package pktline reads and writes the pkt-line framing used by the smart
// transfer protocols: a 4-digit hex length prefix (covering itself)
// followed by payload, with the reserved lengths 0000, 0001, and 0002
// acting as flush, delim, and response-end markers.
package pktline

import (
	"encoding/hex"
	"fmt"
	"io"
)

// MaxSize is the maximum number of payload bytes in a single pkt-line.
const MaxSize = 65516

// Type indicates the type of a packet.
type Type int8

const (
	// Flush indicates the end of a message.
	Flush Type = 0
	// Delim separates sections in the version 2 protocol.
	Delim Type = 1
	// ResponseEnd terminates a version 2 stateless response.
	ResponseEnd Type = 2
	// Data indicates a packet carrying payload.
	Data Type = 4
)

// Reader reads pkt-lines from an io.Reader. It performs no internal
// buffering and never reads more bytes than the current packet needs.
type Reader struct {
	r   io.Reader
	typ Type
	buf []byte
	err error
}

// NewReader returns a new Reader reading from r.
func NewReader(r io.Reader) *Reader {
	return &Reader{
		r:   r,
		buf: make([]byte, 0, 1024),
	}
}

// Next advances to the next pkt-line, which becomes available through the
// Bytes and Text methods. It returns false on error; Err reports what
// went wrong.
func (pr *Reader) Next() bool {
	if pr.err != nil {
		return false
	}
	pr.typ, pr.buf, pr.err = read(pr.r, pr.buf)
	return pr.err == nil
}

func read(r io.Reader, buf []byte) (Type, []byte, error) {
	var lengthHex [4]byte
	if _, err := io.ReadFull(r, lengthHex[:]); err != nil {
		if err == io.EOF {
			// Propagate a clean EOF so callers can distinguish an ended
			// stream from a torn packet.
			return Flush, buf[:0], err
		}
		return Flush, buf[:0], fmt.Errorf("read packet line: %w", err)
	}
	var length [2]byte
	if _, err := hex.Decode(length[:], lengthHex[:]); err != nil {
		return Flush, buf[:0], fmt.Errorf("read packet line: invalid length: %w", err)
	}
	switch {
	case length[0] == 0 && length[1] == 0:
		return Flush, buf[:0], nil
	case length[0] == 0 && length[1] == 1:
		return Delim, buf[:0], nil
	case length[0] == 0 && length[1] == 2:
		return ResponseEnd, buf[:0], nil
	case length[0] == 0 && length[1] < byte(len(lengthHex)):
		return Flush, buf[:0], fmt.Errorf("read packet line: invalid length %q", lengthHex)
	}
	n := int(length[0])<<8 | int(length[1]) - len(lengthHex)
	if n == 0 {
		return Data, buf[:0], nil
	}
	if n > MaxSize {
		return Flush, buf[:0], fmt.Errorf("read packet line: invalid length %q", lengthHex)
	}
	if n > cap(buf) {
		buf = make([]byte, n)
	} else {
		buf = buf[:n]
	}
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Flush, buf[:0], fmt.Errorf("read packet line: %w", err)
	}
	return Data, buf, nil
}

// Type returns the type of the most recent packet read by Next.
func (pr *Reader) Type() Type {
	return pr.typ
}

// Err returns the first error encountered by the Reader. A cleanly ended
// stream reports io.EOF.
func (pr *Reader) Err() error {
	return pr.err
}

// Bytes returns the payload of the most recent packet. It returns an
// error if Next returned false or the packet is not a Data packet. The
// underlying array may be overwritten by a subsequent call to Next.
func (pr *Reader) Bytes() ([]byte, error) {
	if pr.err != nil {
		return nil, pr.err
	}
	if pr.typ != Data {
		return nil, fmt.Errorf("unexpected packet (want %d, got %d)", Data, pr.typ)
	}
	return pr.buf, nil
}

// Text returns the payload of the most recent packet with a trailing
// line-feed stripped, if present.
func (pr *Reader) Text() ([]byte, error) {
	data, err := pr.Bytes()
	return TrimLF(data), err
}

// TrimLF strips one trailing line-feed from line, if present.
func TrimLF(line []byte) []byte {
	if len(line) == 0 || line[len(line)-1] != '\n' {
		return line
	}
	return line[:len(line)-1]
}

// Append appends a data-pkt to dst. It panics if len(line) == 0 or
// len(line) > MaxSize.
func Append(dst []byte, line []byte) []byte {
	if len(line) == 0 {
		panic("empty pkt-line")
	}
	if len(line) > MaxSize {
		panic("pkt-line too large")
	}
	dst = appendLength(dst, len(line)+4)
	return append(dst, line...)
}

// AppendString appends a data-pkt to dst. It panics if len(line) == 0 or
// len(line) > MaxSize.
func AppendString(dst []byte, line string) []byte {
	if len(line) == 0 {
		panic("empty pkt-line")
	}
	if len(line) > MaxSize {
		panic("pkt-line too large")
	}
	dst = appendLength(dst, len(line)+4)
	return append(dst, line...)
}

func appendLength(dst []byte, n int) []byte {
	return append(dst,
		hexDigits[n>>12],
		hexDigits[n>>8&0xf],
		hexDigits[n>>4&0xf],
		hexDigits[n&0xf],
	)
}

// AppendFlush appends a flush-pkt to dst.
func AppendFlush(dst []byte) []byte {
	return append(dst, "0000"...)
}

// AppendDelim appends a delim-pkt to dst.
func AppendDelim(dst []byte) []byte {
	return append(dst, "0001"...)
}

// AppendResponseEnd appends a response-end-pkt to dst.
func AppendResponseEnd(dst []byte) []byte {
	return append(dst, "0002"...)
}

const hexDigits = "0123456789abcdef"

// WriteString writes a single data-pkt to w.
func WriteString(w io.Writer, line string) error {
	_, err := w.Write(AppendString(nil, line))
	return err
}

// WriteFlush writes a flush-pkt to w.
func WriteFlush(w io.Writer) error {
	_, err := w.Write([]byte("0000"))
	return err
}
