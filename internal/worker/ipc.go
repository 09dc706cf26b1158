// ipc.go exposes the C7 worker pool as a standalone daemon surface
// (spec §6 CLI surface: edge's --worker flag names this socket), since
// C8 and C7 are separate processes per the repository layout even
// though spec §4.8 describes their hand-off in-process terms. Unlike
// C4's seqpacket IPC (spec §4.4 names that transport explicitly), the
// spec is silent on this transport, so it uses a plain stream Unix
// socket with the same length-prefixed msgpack framing as the rest of
// the system - submitted archives can exceed a single seqpacket
// datagram's practical size, and a stream socket avoids that limit.
package worker

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/hashicorp/go-msgpack/codec"
	"github.com/sirupsen/logrus"

	"github.com/programexplorer/pe/internal/errdefs"
	"github.com/programexplorer/pe/internal/imageservice"
	"github.com/programexplorer/pe/internal/wire"
)

// SubmitRequest is one Submit call flattened for the wire.
type SubmitRequest struct {
	ImagePath        string         `codec:"image_path"`
	ImagePrefix      string         `codec:"image_prefix"`
	ImageFingerprint string         `codec:"image_fingerprint"`
	Header           wire.RunHeader `codec:"header"`
	Input            []byte         `codec:"input"`
}

// SubmitReply carries either an encoded Response+output or an error kind.
type SubmitReply struct {
	Response []byte `codec:"response"` // msgpack-encoded wire.Response
	Output   []byte `codec:"output"`
	Err      string `codec:"err"`
}

func mh() *codec.MsgpackHandle {
	return &codec.MsgpackHandle{}
}

// Server exposes a Pool over a Unix socket.
type Server struct {
	pool *Pool
	log  *logrus.Entry
}

// NewServer wraps pool with the IPC front end.
func NewServer(pool *Pool, log *logrus.Entry) *Server {
	return &Server{pool: pool, log: log.WithField("component", "worker-ipc")}
}

// Serve accepts connections on socketPath until ctx is canceled.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return errdefs.WrapSystem(fmt.Errorf("listen on %s: %w", socketPath, err))
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errdefs.WrapSystem(fmt.Errorf("accept on %s: %w", socketPath, err))
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	req, err := readMessage[SubmitRequest](conn)
	if err != nil {
		s.log.WithError(err).Warn("read submit request")
		return
	}

	img := &imageservice.ImageRef{Path: req.ImagePath, Prefix: req.ImagePrefix, Fingerprint: req.ImageFingerprint}
	result, subErr := s.pool.Submit(ctx, img, req.Header, req.Input)

	var reply SubmitReply
	if subErr != nil {
		reply.Err = errKind(subErr)
		s.log.WithError(subErr).Warn("submit failed")
	} else {
		respBytes, encErr := wire.EncodeResponse(result.Response)
		if encErr != nil {
			reply.Err = "system"
			s.log.WithError(encErr).Error("encode response")
		} else {
			reply.Response = respBytes
			reply.Output = result.Output
		}
	}
	if err := writeMessage(conn, reply); err != nil {
		s.log.WithError(err).Warn("write reply")
	}
}

// Client is the C8-side stub satisfying edge.Submitter.
type Client struct {
	socketPath string
}

// NewClient returns a Client dialing socketPath on every call.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Submit sends one request to the worker daemon and decodes its reply.
func (c *Client) Submit(ctx context.Context, img *imageservice.ImageRef, hdr wire.RunHeader, inputArchive []byte) (*Result, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, errdefs.WrapUnavailable(fmt.Errorf("dial worker: %w", err))
	}
	defer conn.Close()

	req := SubmitRequest{
		ImagePath: img.Path, ImagePrefix: img.Prefix, ImageFingerprint: img.Fingerprint,
		Header: hdr, Input: inputArchive,
	}
	if err := writeMessage(conn, req); err != nil {
		return nil, errdefs.WrapUnavailable(fmt.Errorf("send submit request: %w", err))
	}
	reply, err := readMessage[SubmitReply](conn)
	if err != nil {
		return nil, errdefs.WrapUnavailable(fmt.Errorf("read submit reply: %w", err))
	}
	if reply.Err != "" {
		return nil, kindToErr(reply.Err)
	}
	resp, err := wire.DecodeResponse(reply.Response)
	if err != nil {
		return nil, errdefs.WrapSystem(fmt.Errorf("decode response: %w", err))
	}
	return &Result{Response: resp, Output: reply.Output}, nil
}

func writeMessage(w io.Writer, v any) error {
	var body []byte
	if err := codec.NewEncoderBytes(&body, mh()).Encode(v); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func readMessage[T any](r io.Reader) (T, error) {
	var zero T
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return zero, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return zero, err
	}
	var out T
	if err := codec.NewDecoderBytes(body, mh()).Decode(&out); err != nil {
		return zero, fmt.Errorf("decode message: %w", err)
	}
	return out, nil
}

func errKind(err error) string {
	switch {
	case errdefs.IsUnavailable(err):
		return "unavailable"
	case errdefs.IsInvalidParameter(err):
		return "invalid_parameter"
	default:
		return "system"
	}
}

func kindToErr(kind string) error {
	err := fmt.Errorf("worker: %s", kind)
	switch kind {
	case "unavailable":
		return errdefs.WrapUnavailable(err)
	case "invalid_parameter":
		return errdefs.WrapInvalidParameter(err)
	default:
		return errdefs.WrapSystem(err)
	}
}
