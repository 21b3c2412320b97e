package pktline

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestReaderParsesFrames(t *testing.T) {
	var buf []byte
	buf = AppendString(buf, "hello\n")
	buf = AppendDelim(buf)
	buf = AppendString(buf, "world")
	buf = AppendFlush(buf)
	buf = AppendResponseEnd(buf)

	r := NewReader(bytes.NewReader(buf))

	if !r.Next() || r.Type() != Data {
		t.Fatalf("frame 1: type = %d, err = %v", r.Type(), r.Err())
	}
	if line, _ := r.Text(); string(line) != "hello" {
		t.Fatalf("frame 1 text = %q, want hello", line)
	}

	if !r.Next() || r.Type() != Delim {
		t.Fatalf("frame 2: want delim, got %d", r.Type())
	}
	if !r.Next() || r.Type() != Data {
		t.Fatalf("frame 3: want data, got %d", r.Type())
	}
	if line, _ := r.Bytes(); string(line) != "world" {
		t.Fatalf("frame 3 bytes = %q, want world", line)
	}
	if !r.Next() || r.Type() != Flush {
		t.Fatalf("frame 4: want flush, got %d", r.Type())
	}
	if !r.Next() || r.Type() != ResponseEnd {
		t.Fatalf("frame 5: want response-end, got %d", r.Type())
	}
	if r.Next() {
		t.Fatalf("Next succeeded past end of stream")
	}
	if !errors.Is(r.Err(), io.EOF) {
		t.Fatalf("Err = %v, want io.EOF", r.Err())
	}
}

func TestReaderRejectsBadLengths(t *testing.T) {
	bad := []string{
		"zzzz",
		"0003",
		"ffff" + strings.Repeat("x", 10),
	}
	for _, s := range bad {
		r := NewReader(strings.NewReader(s))
		if r.Next() {
			t.Fatalf("Next accepted %q", s[:4])
		}
		if r.Err() == nil || errors.Is(r.Err(), io.EOF) {
			t.Fatalf("Err for %q = %v, want parse error", s[:4], r.Err())
		}
	}
}

func TestAppendRoundTripsAllSizes(t *testing.T) {
	payloads := [][]byte{
		[]byte("x"),
		bytes.Repeat([]byte("ab"), 100),
		bytes.Repeat([]byte{0xff}, MaxSize),
	}
	var buf []byte
	for _, p := range payloads {
		buf = Append(buf, p)
	}
	buf = AppendFlush(buf)

	r := NewReader(bytes.NewReader(buf))
	for i, want := range payloads {
		if !r.Next() {
			t.Fatalf("frame %d: %v", i, r.Err())
		}
		got, err := r.Bytes()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: %d bytes, want %d", i, len(got), len(want))
		}
	}
	if !r.Next() || r.Type() != Flush {
		t.Fatalf("missing trailing flush")
	}
}

func TestAppendPanicsOnOversize(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("Append accepted an oversized payload")
		}
	}()
	Append(nil, bytes.Repeat([]byte{1}, MaxSize+1))
}

func TestDemuxReaderSplitsChannels(t *testing.T) {
	var wire []byte
	wire = Append(wire, append([]byte{BandData}, "pack bytes "...))
	wire = Append(wire, append([]byte{BandProgress}, "counting objects\n"...))
	wire = Append(wire, append([]byte{BandData}, "more pack"...))
	wire = AppendFlush(wire)

	var progress []string
	dr := NewDemuxReader(NewReader(bytes.NewReader(wire)), func(msg string) {
		progress = append(progress, msg)
	})
	data, err := io.ReadAll(dr)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(data) != "pack bytes more pack" {
		t.Fatalf("data = %q", data)
	}
	if len(progress) != 1 || progress[0] != "counting objects\n" {
		t.Fatalf("progress = %q", progress)
	}
}

func TestDemuxReaderFatalChannelAborts(t *testing.T) {
	var wire []byte
	wire = Append(wire, append([]byte{BandData}, "partial"...))
	wire = Append(wire, append([]byte{BandError}, "out of disk\n"...))

	dr := NewDemuxReader(NewReader(bytes.NewReader(wire)), nil)
	_, err := io.ReadAll(dr)
	if !errors.Is(err, ErrRemoteFatal) {
		t.Fatalf("err = %v, want ErrRemoteFatal", err)
	}
	if !strings.Contains(err.Error(), "out of disk") {
		t.Fatalf("err = %v, want remote message preserved", err)
	}
}

func TestMuxDemuxRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789abcdef"), 1<<12)

	var wire bytes.Buffer
	mw := &MuxWriter{W: &wire, Channel: BandData, Payload: Sideband64kPayload}
	if _, err := mw.Write(payload); err != nil {
		t.Fatalf("mux write: %v", err)
	}
	wire.Write(AppendFlush(nil))

	got, err := io.ReadAll(NewDemuxReader(NewReader(&wire), nil))
	if err != nil {
		t.Fatalf("demux read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round trip mismatch: %d bytes, want %d", len(got), len(payload))
	}
}
