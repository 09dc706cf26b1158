// Package wire defines the on-wire / on-pmem structures shared between
// the host components and the in-VM init (spec §3, §4.1 "Combined
// envelope"). RunHeader and Response are encoded with msgpack, this
// corpus's nearest binary struct codec to the Rust "bincode" the spec
// describes (see SPEC_FULL.md's DOMAIN STACK table).
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/codec"
)

// RunHeader is written by the host before boot and read by the in-VM
// init (spec §3 "RunHeader").
type RunHeader struct {
	Argv       []string          `codec:"argv"`
	Entrypoint []string          `codec:"entrypoint,omitempty"`
	Env        []string          `codec:"env"`
	Stdin      string            `codec:"stdin"` // path within the input archive, or "/dev/null"
	RootfsPrefix string          `codec:"rootfs_prefix"`
	WallClockMS  uint64          `codec:"wall_clock_ms"`
	OutputLimitBytes uint64      `codec:"output_limit_bytes"`
	OutputOffset uint64          `codec:"output_offset"` // byte offset of the output region within the shared I/O pmem device
	UID        uint32            `codec:"uid"` // numeric only; see DESIGN.md Open Question #2
	GID        uint32            `codec:"gid"`
}

// Siginfo mirrors the POSIX siginfo_t fields relevant to process
// termination (spec §3 "Response").
type Siginfo struct {
	Exited   bool  `codec:"exited"`
	ExitCode int32 `codec:"exit_code"`
	Signaled bool  `codec:"signaled"`
	Signal   int32 `codec:"signal"`
}

// Rusage mirrors the POSIX rusage fields worth surfacing to the client.
type Rusage struct {
	UTimeUS    int64 `codec:"utime_us"`
	STimeUS    int64 `codec:"stime_us"`
	MaxRSSKB   int64 `codec:"maxrss_kb"`
	MinorFault int64 `codec:"minflt"`
	MajorFault int64 `codec:"majflt"`
}

// ResponseKind tags the Response union (spec §3).
type ResponseKind uint8

const (
	ResponseOk ResponseKind = iota
	ResponseOvertime
	ResponsePanic
)

// Response is the tagged union written by the in-VM init after the
// container has run to completion, or after a host/guest failure.
type Response struct {
	Kind    ResponseKind `codec:"kind"`
	Siginfo Siginfo      `codec:"siginfo,omitempty"`
	Rusage  Rusage       `codec:"rusage,omitempty"`
	Message string       `codec:"message,omitempty"` // set only for ResponsePanic
}

func mh() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.WriteExt = true
	return h
}

// EncodeRunHeader msgpack-encodes hdr.
func EncodeRunHeader(hdr *RunHeader) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, mh()).Encode(hdr); err != nil {
		return nil, fmt.Errorf("encode RunHeader: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRunHeader decodes a msgpack-encoded RunHeader.
func DecodeRunHeader(b []byte) (*RunHeader, error) {
	var hdr RunHeader
	if err := codec.NewDecoderBytes(b, mh()).Decode(&hdr); err != nil {
		return nil, fmt.Errorf("decode RunHeader: %w", err)
	}
	return &hdr, nil
}

// EncodeResponse msgpack-encodes resp.
func EncodeResponse(resp *Response) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, mh()).Encode(resp); err != nil {
		return nil, fmt.Errorf("encode Response: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeResponse decodes a msgpack-encoded Response.
func DecodeResponse(b []byte) (*Response, error) {
	var resp Response
	if err := codec.NewDecoderBytes(b, mh()).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode Response: %w", err)
	}
	return &resp, nil
}

// WriteEnvelope writes `[u32 LE len(hdr)][hdr][body]` to w, the combined
// envelope format of spec §4.1 used both for the request
// (RunHeader+pearchive input) and the response (Response+pearchive output).
func WriteEnvelope(w io.Writer, hdr, body []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(hdr)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write envelope length: %w", err)
	}
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("write envelope header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write envelope body: %w", err)
	}
	return nil
}

// SplitEnvelope reads a `[u32 LE len(hdr)][hdr][body]` envelope from buf
// in place, returning views into buf. It never allocates beyond the
// slices it returns (spec property 2, "Envelope split").
func SplitEnvelope(buf []byte) (hdr, body []byte, err error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("envelope too short: %d bytes", len(buf))
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	rest := buf[4:]
	if uint64(n) > uint64(len(rest)) {
		return nil, nil, fmt.Errorf("envelope header length %d exceeds remaining %d bytes", n, len(rest))
	}
	return rest[:n], rest[n:], nil
}
