// vsock.go implements the resume-point handshake of spec §4.9: "the
// guest, on resume, proceeds ... after waiting for a vsock signal that
// carries the RunHeader". No library in the pack wraps AF_VSOCK, so
// this talks to the raw socket family directly via golang.org/x/sys/unix
// (already a pack dependency, used elsewhere for CPU affinity) the same
// way purpose-built vsock packages in the wider ecosystem are built on
// top of it.
package snapshot

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/programexplorer/pe/internal/errdefs"
	"github.com/programexplorer/pe/internal/wire"
)

// HostCID is the reserved CID value that always identifies the host
// side of a vsock connection.
const HostCID = unix.VMADDR_CID_HOST

// SendResumeHeader connects to a guest listening on (cid, port) and
// writes a length-prefixed msgpack-encoded RunHeader, the resume-point
// signal of spec §4.9. Called by the host immediately after a
// successful restore().
func SendResumeHeader(cid, port uint32, hdr *wire.RunHeader) error {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return errdefs.WrapSystem(fmt.Errorf("vsock socket: %w", err))
	}
	defer unix.Close(fd)

	if err := unix.Connect(fd, &unix.SockaddrVM{CID: cid, Port: port}); err != nil {
		return errdefs.WrapSystem(fmt.Errorf("vsock connect cid=%d port=%d: %w", cid, port, err))
	}

	hdrBytes, err := wire.EncodeRunHeader(hdr)
	if err != nil {
		return errdefs.WrapInvalidParameter(fmt.Errorf("encode resume RunHeader: %w", err))
	}

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(hdrBytes)))
	if err := writeFull(fd, lenBuf[:]); err != nil {
		return errdefs.WrapSystem(fmt.Errorf("vsock write length: %w", err))
	}
	if err := writeFull(fd, hdrBytes); err != nil {
		return errdefs.WrapSystem(fmt.Errorf("vsock write RunHeader: %w", err))
	}
	return nil
}

func writeFull(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}
