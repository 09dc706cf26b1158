package imageservice

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
	"github.com/programexplorer/pe/internal/ociimage"
)

// Request is what a C8/C7 caller sends over the C4 IPC socket (spec
// §4.4 "IPC surface").
type Request struct {
	Ref  string `codec:"ref"`
	Arch string `codec:"arch"`
	OS   string `codec:"os"`
}

// Reply carries either a successful ImageRef or a typed error kind;
// exactly one of the two is populated.
type Reply struct {
	Path   string `codec:"path"`
	Prefix string `codec:"prefix"`
	Err    string `codec:"err"` // empty on success; one of errdefs' kind names otherwise
}

func mh() *codec.MsgpackHandle {
	return &codec.MsgpackHandle{}
}

// Server listens on a SOCK_SEQPACKET Unix socket and answers
// Materialize requests against a Cache (spec §4.4 "IPC surface").
type Server struct {
	cache *Cache
	log   *logrus.Entry
}

// NewServer wraps cache with the seqpacket IPC front end.
func NewServer(cache *Cache, log *logrus.Entry) *Server {
	return &Server{cache: cache, log: log.WithField("component", "imageservice-ipc")}
}

// Serve accepts connections on socketPath until ctx is canceled.
// net.Listen("unixpacket", ...) is the standard library's SOCK_SEQPACKET
// binding; no third-party library in the pack wraps seqpacket sockets,
// so this boundary stays on net rather than an ecosystem transport.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	os.Remove(socketPath)
	ln, err := net.Listen("unixpacket", socketPath)
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

	req, err := readMessage[Request](conn)
	if err != nil {
		s.log.WithError(err).Warn("read request")
		return
	}

	ref, mErr := s.cache.Materialize(ctx, req.Ref, req.Arch, req.OS)
	var reply Reply
	if mErr != nil {
		reply.Err = errKind(mErr)
		s.log.WithError(mErr).WithField("ref", req.Ref).Warn("materialize failed")
	} else {
		reply.Path = ref.Path
		reply.Prefix = ref.Prefix
	}
	if err := writeMessage(conn, reply); err != nil {
		s.log.WithError(err).Warn("write reply")
	}
}

// Client is the C8/C7-side IPC stub.
type Client struct {
	socketPath string
}

// NewClient returns a Client dialing socketPath on every call; the
// server side is expected to be a long-lived local daemon, so a fresh
// connection per request keeps the protocol stateless and simple to
// retry.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Materialize asks the C4 daemon for an image, blocking until the
// build (if any) completes or ctx is canceled.
func (c *Client) Materialize(ctx context.Context, ref, arch, goos string) (*ImageRef, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unixpacket", c.socketPath)
	if err != nil {
		return nil, errdefs.WrapUnavailable(fmt.Errorf("dial image service: %w", err))
	}
	defer conn.Close()

	if err := writeMessage(conn, Request{Ref: ref, Arch: arch, OS: goos}); err != nil {
		return nil, errdefs.WrapUnavailable(fmt.Errorf("send request: %w", err))
	}
	reply, err := readMessage[Reply](conn)
	if err != nil {
		return nil, errdefs.WrapUnavailable(fmt.Errorf("read reply: %w", err))
	}
	if reply.Err != "" {
		return nil, kindToErr(reply.Err, ref)
	}
	return &ImageRef{Fingerprint: ociimage.Fingerprint(ref, arch, goos), Path: reply.Path, Prefix: reply.Prefix}, nil
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
	case errdefs.IsNotFound(err):
		return "not_found"
	case errdefs.IsInvalidParameter(err):
		return "invalid_parameter"
	case errdefs.IsUnavailable(err):
		return "unavailable"
	default:
		return "system"
	}
}

func kindToErr(kind, ref string) error {
	err := fmt.Errorf("image %s: %s", ref, kind)
	switch kind {
	case "not_found":
		return errdefs.WrapNotFound(err)
	case "invalid_parameter":
		return errdefs.WrapInvalidParameter(err)
	case "unavailable":
		return errdefs.WrapUnavailable(err)
	default:
		return errdefs.WrapSystem(err)
	}
}
