package pktline

import (
	"errors"
	"fmt"
	"io"
)

// Sideband channel identifiers.
const (
	BandData     byte = 1
	BandProgress byte = 2
	BandError    byte = 3
)

// Payload capacities for the two sideband capability levels: the channel
// byte plus payload must fit in one pkt-line of 1000 or 65520 bytes total.
const (
	SidebandPayload    = 1000 - 5
	Sideband64kPayload = 65520 - 5
)

// ErrRemoteFatal reports a channel-3 sideband message from the peer. The
// session must be aborted.
var ErrRemoteFatal = errors.New("remote reported fatal error")

// DemuxReader presents the data channel of a sideband-multiplexed packet
// stream as a sequential io.Reader. Progress frames are forwarded to the
// callback; an error frame terminates the stream with ErrRemoteFatal.
// The stream ends at a flush-pkt.
type DemuxReader struct {
	pr         *Reader
	onProgress func(string)
	buf        []byte
	done       bool
}

// NewDemuxReader wraps an already-positioned pkt-line reader. onProgress
// may be nil to discard progress messages.
func NewDemuxReader(pr *Reader, onProgress func(string)) *DemuxReader {
	return &DemuxReader{pr: pr, onProgress: onProgress}
}

func (dr *DemuxReader) Read(p []byte) (int, error) {
	for len(dr.buf) == 0 {
		if dr.done {
			return 0, io.EOF
		}
		if !dr.pr.Next() {
			err := dr.pr.Err()
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		if dr.pr.Type() == Flush {
			dr.done = true
			return 0, io.EOF
		}
		payload, err := dr.pr.Bytes()
		if err != nil {
			return 0, err
		}
		if len(payload) == 0 {
			return 0, fmt.Errorf("sideband: empty frame")
		}
		switch channel, body := payload[0], payload[1:]; channel {
		case BandData:
			dr.buf = append(dr.buf[:0], body...)
		case BandProgress:
			if dr.onProgress != nil {
				dr.onProgress(string(body))
			}
		case BandError:
			dr.done = true
			return 0, fmt.Errorf("%w: %s", ErrRemoteFatal, string(TrimLF(body)))
		default:
			return 0, fmt.Errorf("sideband: unknown channel %d", channel)
		}
	}
	n := copy(p, dr.buf)
	dr.buf = dr.buf[n:]
	return n, nil
}

// MuxWriter writes one sideband channel of a multiplexed stream, chunking
// payloads to the negotiated capacity.
type MuxWriter struct {
	W       io.Writer
	Channel byte
	Payload int // max payload bytes per frame; defaults to SidebandPayload
}

func (mw *MuxWriter) Write(p []byte) (int, error) {
	maxPayload := mw.Payload
	if maxPayload <= 0 {
		maxPayload = SidebandPayload
	}
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxPayload {
			n = maxPayload
		}
		frame := make([]byte, 0, n+5)
		frame = appendLength(frame, n+5)
		frame = append(frame, mw.Channel)
		frame = append(frame, p[:n]...)
		if _, err := mw.W.Write(frame); err != nil {
			return total, fmt.Errorf("sideband write: %w", err)
		}
		total += n
		p = p[n:]
	}
	return total, nil
}
