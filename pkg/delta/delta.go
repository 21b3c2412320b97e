// Package delta implements the pack delta format: a compact instruction
// stream transforming a source byte buffer into a result buffer, and the
// block index used to discover matching regions when encoding.
package delta

import (
	"errors"
	"fmt"
	"io"
)

// ErrCorrupt reports a malformed delta stream: a length prefix that does
// not match reality, an out-of-range copy, or the reserved zero opcode.
var ErrCorrupt = errors.New("corrupt delta")

func corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}

// appendVarint appends the little-endian 7-bit varint encoding of v.
func appendVarint(dst []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(dst, b)
		}
		dst = append(dst, b|0x80)
	}
}

func readVarint(data []byte) (uint64, int, error) {
	var (
		value uint64
		shift uint
	)
	for i := 0; i < len(data); i++ {
		b := data[i]
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, i + 1, nil
		}
		shift += 7
		if shift > 63 {
			return 0, 0, corruptf("varint too large")
		}
	}
	return 0, 0, corruptf("varint truncated")
}

// BaseSize returns the source-length prefix of a delta stream.
func BaseSize(d []byte) (uint64, error) {
	n, _, err := readVarint(d)
	return n, err
}

// ResultSize returns the result-length prefix of a delta stream.
func ResultSize(d []byte) (uint64, error) {
	_, used, err := readVarint(d)
	if err != nil {
		return 0, err
	}
	n, _, err := readVarint(d[used:])
	return n, err
}

// Apply executes delta instructions against base and returns the result.
func Apply(base, d []byte) ([]byte, error) {
	baseSize, used, err := readVarint(d)
	if err != nil {
		return nil, err
	}
	d = d[used:]
	if baseSize != uint64(len(base)) {
		return nil, corruptf("base size mismatch: stream says %d, have %d", baseSize, len(base))
	}
	resultSize, used, err := readVarint(d)
	if err != nil {
		return nil, err
	}
	d = d[used:]

	out := make([]byte, 0, resultSize)
	for len(d) > 0 {
		cmd := d[0]
		d = d[1:]
		switch {
		case cmd&0x80 != 0:
			var offset, size uint32
			for i, shift := 0, 0; i < 4; i, shift = i+1, shift+8 {
				if cmd&(1<<i) == 0 {
					continue
				}
				if len(d) == 0 {
					return nil, corruptf("copy instruction truncated")
				}
				offset |= uint32(d[0]) << shift
				d = d[1:]
			}
			for i, shift := 4, 0; i < 7; i, shift = i+1, shift+8 {
				if cmd&(1<<i) == 0 {
					continue
				}
				if len(d) == 0 {
					return nil, corruptf("copy instruction truncated")
				}
				size |= uint32(d[0]) << shift
				d = d[1:]
			}
			if size == 0 {
				size = 0x10000
			}
			end := uint64(offset) + uint64(size)
			if end > uint64(len(base)) {
				return nil, corruptf("copy out of bounds: [%d,%d) of %d", offset, end, len(base))
			}
			out = append(out, base[offset:end]...)
		case cmd != 0:
			n := int(cmd)
			if n > len(d) {
				return nil, corruptf("insert truncated: need %d, have %d", n, len(d))
			}
			out = append(out, d[:n]...)
			d = d[n:]
		default:
			return nil, corruptf("reserved zero instruction")
		}
	}

	if uint64(len(out)) != resultSize {
		return nil, corruptf("result size mismatch: stream says %d, produced %d", resultSize, len(out))
	}
	return out, nil
}

// encoder writes delta instructions, tracking cumulative output size so an
// optional limit can abort unprofitable encodes early.
type encoder struct {
	w     io.Writer
	buf   [16]byte
	limit int
	size  int
}

const (
	maxCopySize   = 0x10000
	maxInsertSize = 127
)

func newEncoder(w io.Writer, baseSize, resultSize uint64, limit int) (*encoder, error) {
	e := &encoder{w: w, limit: limit}
	var hdr []byte
	hdr = appendVarint(hdr, baseSize)
	hdr = appendVarint(hdr, resultSize)
	if err := e.write(hdr); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *encoder) write(p []byte) error {
	e.size += len(p)
	_, err := e.w.Write(p)
	return err
}

// insert emits data as literal chunks of at most 127 bytes. It returns
// false when the configured limit would be exceeded.
func (e *encoder) insert(data []byte) (bool, error) {
	if len(data) == 0 {
		return true, nil
	}
	if e.limit > 0 {
		headers := (len(data) + maxInsertSize - 1) / maxInsertSize
		if e.size+len(data)+headers > e.limit {
			return false, nil
		}
	}
	for len(data) > 0 {
		n := len(data)
		if n > maxInsertSize {
			n = maxInsertSize
		}
		if err := e.write([]byte{byte(n)}); err != nil {
			return false, err
		}
		if err := e.write(data[:n]); err != nil {
			return false, err
		}
		data = data[n:]
	}
	return true, nil
}

// copy emits copy instructions for cnt bytes at offset in the source,
// splitting spans larger than 64 KiB.
func (e *encoder) copy(offset int64, cnt int) (bool, error) {
	for cnt > 0 {
		n := cnt
		if n > maxCopySize {
			n = maxCopySize
		}
		ok, err := e.copyOne(offset, n)
		if !ok || err != nil {
			return ok, err
		}
		offset += int64(n)
		cnt -= n
	}
	return true, nil
}

func (e *encoder) copyOne(offset int64, cnt int) (bool, error) {
	cmd := byte(0x80)
	p := 1
	for i, shift := 0, 0; i < 4; i, shift = i+1, shift+8 {
		if b := byte(offset >> shift); b != 0 {
			e.buf[p] = b
			p++
			cmd |= 1 << i
		}
	}
	if cnt != maxCopySize {
		for i, shift := 4, 0; i < 7; i, shift = i+1, shift+8 {
			if b := byte(cnt >> shift); b != 0 {
				e.buf[p] = b
				p++
				cmd |= 1 << i
			}
		}
	}
	e.buf[0] = cmd
	if e.limit > 0 && e.size+p > e.limit {
		return false, nil
	}
	return true, e.write(e.buf[:p])
}
