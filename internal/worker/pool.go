// Package worker implements C7: a fixed-capacity pool of slots, each
// pinned to a disjoint host cpuset, that runs one request at a time
// through the VMM launcher (spec §4.7).
package worker

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/programexplorer/pe/internal/errdefs"
	"github.com/programexplorer/pe/internal/imageservice"
	"github.com/programexplorer/pe/internal/metrics"
	"github.com/programexplorer/pe/internal/pearchive"
	"github.com/programexplorer/pe/internal/snapshot"
	"github.com/programexplorer/pe/internal/vmm/cloudhypervisor"
	"github.com/programexplorer/pe/internal/wire"
)

// ResumeVsockPort is the fixed vsock port the guest's resume handshake
// listens on (spec §4.9 "vsock signal that carries the RunHeader").
const ResumeVsockPort = 9999

// IOAlign is the pmem alignment the I/O file is padded to (spec §4.7
// "pad to 2 MiB alignment"; same value as erofs.Align, kept local
// because the two concerns - sealed image files and per-slot I/O
// files - are unrelated on-disk formats that happen to share a
// pmem-imposed constant).
const IOAlign = 2 << 20

// MaxOutputBytes bounds how much of the I/O file's output region is
// read back (spec §5 "Resource caps: output bytes (tmpfs size)").
const MaxOutputBytes = 64 << 20

// Slot is one pinned worker-pool unit (spec §3 "Worker slot").
type Slot struct {
	ID     int
	CPUSet []int
	IOPath string
}

// Config parameterizes a Pool (spec §6 CLI surface: --worker-cpuset,
// --kernel, --initramfs, --ch).
type Config struct {
	CPUSetSpec        string
	IODir             string
	KernelPath        string
	InitramfsPath     string
	MemoryBytes       int64
	QueueTimeout      time.Duration
	BootBudget        time.Duration
	TeardownBudget    time.Duration
}

// Pool is the C7 worker pool.
type Pool struct {
	slots        chan *Slot
	launcher     *cloudhypervisor.Launcher
	kernel       string
	initramfs    string
	memoryBytes  int64
	queueTimeout time.Duration
	bootBudget   time.Duration
	teardown     time.Duration
	log          *logrus.Entry
	metrics      *metrics.Worker  // nil is valid: metrics are optional instrumentation
	snapshots    *snapshot.Cache  // nil disables the C9 fast path entirely
}

// SetSnapshots attaches a snapshot cache, enabling the C9 fast path for
// any (fingerprint, cmdline) pair it holds; calling it is optional.
func (p *Pool) SetSnapshots(c *snapshot.Cache) { p.snapshots = c }

// SetMetrics attaches a collector set and initializes SlotsTotal; calling
// it is optional.
func (p *Pool) SetMetrics(m *metrics.Worker) {
	p.metrics = m
	if m != nil {
		m.SlotsTotal.Set(float64(cap(p.slots)))
	}
}

// NewPool parses cfg.CPUSetSpec into disjoint per-slot cpusets (spec
// §4.7 "start:count:stride") and preallocates one I/O file per slot
// under cfg.IODir. Slots are never created or destroyed afterward.
func NewPool(cfg Config, launcher *cloudhypervisor.Launcher, log *logrus.Entry) (*Pool, error) {
	cpusets, err := cloudhypervisor.ParseCPUSet(cfg.CPUSetSpec)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.IODir, 0o755); err != nil {
		return nil, errdefs.WrapSystem(fmt.Errorf("create io dir: %w", err))
	}

	slots := make(chan *Slot, len(cpusets))
	for i, cpus := range cpusets {
		ioPath := filepath.Join(cfg.IODir, fmt.Sprintf("slot-%d.io", i))
		f, err := os.OpenFile(ioPath, os.O_CREATE|os.O_RDWR, 0o600)
		if err != nil {
			return nil, errdefs.WrapSystem(fmt.Errorf("create io file for slot %d: %w", i, err))
		}
		f.Close()
		slots <- &Slot{ID: i, CPUSet: cpus, IOPath: ioPath}
	}

	memoryBytes := cfg.MemoryBytes
	if memoryBytes == 0 {
		memoryBytes = 1 << 30 // spec §5 "1 GiB RAM (configurable)"
	}
	bootBudget := cfg.BootBudget
	if bootBudget == 0 {
		bootBudget = 2 * time.Second
	}
	teardown := cfg.TeardownBudget
	if teardown == 0 {
		teardown = 2 * time.Second
	}

	return &Pool{
		slots:        slots,
		launcher:     launcher,
		kernel:       cfg.KernelPath,
		initramfs:    cfg.InitramfsPath,
		memoryBytes:  memoryBytes,
		queueTimeout: cfg.QueueTimeout,
		bootBudget:   bootBudget,
		teardown:     teardown,
		log:          log.WithField("component", "worker"),
	}, nil
}

// Result is what Submit hands back to the edge component (C8).
type Result struct {
	Response *wire.Response
	Output   []byte // pearchive output region, read to the end of the I/O file's output area (trailing zero padding included)
}

// Submit acquires a slot (FIFO, subject to the queue timeout), runs
// one request to completion, and returns the slot to the pool (spec
// §4.7 "Admission").
func (p *Pool) Submit(ctx context.Context, img *imageservice.ImageRef, hdr wire.RunHeader, inputArchive []byte) (*Result, error) {
	slot, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.SlotsInUse.Inc()
	}
	defer func() {
		if p.metrics != nil {
			p.metrics.SlotsInUse.Dec()
		}
		p.slots <- slot
	}()

	result, err := p.runOnSlot(ctx, slot, img, hdr, inputArchive)
	if p.metrics != nil && err == nil {
		p.metrics.RunOutcomes.WithLabelValues(outcomeLabel(result.Response.Kind)).Inc()
	}
	return result, err
}

func outcomeLabel(kind wire.ResponseKind) string {
	switch kind {
	case wire.ResponseOk:
		return "ok"
	case wire.ResponseOvertime:
		return "overtime"
	case wire.ResponsePanic:
		return "panic"
	default:
		return "internal"
	}
}

func (p *Pool) acquire(ctx context.Context) (*Slot, error) {
	queueCtx := ctx
	var cancel context.CancelFunc
	if p.queueTimeout > 0 {
		queueCtx, cancel = context.WithTimeout(ctx, p.queueTimeout)
		defer cancel()
	}
	select {
	case slot := <-p.slots:
		return slot, nil
	case <-queueCtx.Done():
		if p.metrics != nil {
			p.metrics.QueueRejected.Inc()
		}
		return nil, errdefs.WrapUnavailable(fmt.Errorf("worker pool: no free slot within queue timeout"))
	}
}

func (p *Pool) runOnSlot(ctx context.Context, slot *Slot, img *imageservice.ImageRef, hdr wire.RunHeader, inputArchive []byte) (*Result, error) {
	log := p.log.WithFields(logrus.Fields{"slot": slot.ID})

	// The header is measured with OutputOffset at its widest msgpack
	// encoding, so the real header written below is never longer than
	// the one inputSize accounts for.
	hdr.OutputOffset = math.MaxUint64
	hdrBytes, err := wire.EncodeRunHeader(&hdr)
	if err != nil {
		return nil, errdefs.WrapInvalidParameter(fmt.Errorf("encode RunHeader: %w", err))
	}

	inputSize := int64(4 + len(hdrBytes) + len(inputArchive))
	outputOffset := alignUp(inputSize, IOAlign)
	hdr.OutputOffset = uint64(outputOffset)
	// Re-encode with the real offset; it encodes no wider than the
	// placeholder, so the envelope still ends at or before outputOffset.
	hdrBytes, err = wire.EncodeRunHeader(&hdr)
	if err != nil {
		return nil, errdefs.WrapInvalidParameter(fmt.Errorf("re-encode RunHeader: %w", err))
	}

	ioSize := alignUp(outputOffset+MaxOutputBytes, IOAlign)
	if err := prepareIOFile(slot.IOPath, hdrBytes, inputArchive, ioSize); err != nil {
		return nil, err
	}

	imgFile, err := os.Open(img.Path)
	if err != nil {
		return nil, errdefs.WrapSystem(fmt.Errorf("open image %s: %w", img.Path, err))
	}
	defer imgFile.Close()

	ioFile, err := os.OpenFile(slot.IOPath, os.O_RDWR, 0o600)
	if err != nil {
		return nil, errdefs.WrapSystem(fmt.Errorf("open io file %s: %w", slot.IOPath, err))
	}
	defer ioFile.Close()

	handle, err := p.launcher.Spawn(slot.CPUSet, []*os.File{imgFile, ioFile})
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	cmdline := fmt.Sprintf("pe.rootfs=%s", img.Prefix)
	cfg := cloudhypervisor.NewConfig(1, p.memoryBytes, p.kernel, p.initramfs, cmdline)
	cfg.Pmem = []cloudhypervisor.PmemDevice{
		{Path: "/proc/self/fd/3", ReadOnly: true},  // image, spec §4.7 step 3
		{Path: "/proc/self/fd/4", ReadOnly: false}, // combined input/output region
	}

	restored := false
	var snapKey snapshot.Key
	if p.snapshots != nil {
		snapKey = snapshot.Key{Fingerprint: img.Fingerprint, CmdlinePrefix: cmdline}
		cfg.Vsock = &cloudhypervisor.VsockDevice{CID: uint32(slot.ID) + 3, Socket: slot.IOPath + ".vsock"}
		if dir, ok := p.snapshots.Lookup(snapKey); ok {
			if err := handle.Client.Restore(ctx, dir); err != nil {
				log.WithError(err).Warn("snapshot restore failed, falling back to cold boot")
			} else {
				restored = true
			}
		}
	}

	if !restored {
		if err := handle.Client.Create(ctx, cfg); err != nil {
			return nil, err
		}
		if err := handle.Client.Boot(ctx); err != nil {
			return nil, err
		}
	} else if cfg.Vsock != nil {
		// spec §4.9: the guest resumes past its mount sequence and waits
		// for this signal instead of reading RunHeader out of the I/O
		// pmem device directly.
		if err := snapshot.SendResumeHeader(cfg.Vsock.CID, ResumeVsockPort, &hdr); err != nil {
			log.WithError(err).Warn("snapshot resume handshake failed")
			return &Result{Response: &wire.Response{Kind: wire.ResponsePanic, Message: "resume handshake failed"}}, nil
		}
	}

	outerTimeout := time.Duration(hdr.WallClockMS)*time.Millisecond + p.bootBudget + p.teardown
	exit, err := cloudhypervisor.WaitExit(ctx, handle.Process, outerTimeout)
	if err != nil {
		return nil, errdefs.WrapUnavailable(fmt.Errorf("wait for vmm exit: %w", err))
	}

	if exit.TimedOut {
		log.Warn("vmm outer timeout exceeded, killed")
		return &Result{Response: &wire.Response{Kind: wire.ResponseOvertime}}, nil
	}
	if exit.WaitErr != nil {
		// A guest kernel panic surfaces as the VMM process exiting
		// unexpectedly (spec §4.5 "Failure semantics").
		log.WithError(exit.WaitErr).Warn("vmm exited abnormally")
		return &Result{Response: &wire.Response{Kind: wire.ResponsePanic, Message: "guest crashed"}}, nil
	}

	resp, output, err := readResponse(slot.IOPath, outputOffset)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Output: output}, nil
}

func alignUp(n, align int64) int64 {
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}

// prepareIOFile implements spec §4.7 step 2: truncate to 0, write the
// combined envelope, pad to alignment. The file is reused across
// requests on the same slot and never reallocated, only truncated and
// rewritten (spec §3 "Lifecycle").
func prepareIOFile(path string, hdrBytes, inputArchive []byte, totalSize int64) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return errdefs.WrapSystem(fmt.Errorf("open io file: %w", err))
	}
	defer f.Close()

	if err := f.Truncate(0); err != nil {
		return errdefs.WrapSystem(fmt.Errorf("truncate io file: %w", err))
	}
	if _, err := f.Seek(0, 0); err != nil {
		return errdefs.WrapSystem(fmt.Errorf("seek io file: %w", err))
	}
	if err := wire.WriteEnvelope(f, hdrBytes, inputArchive); err != nil {
		return errdefs.WrapSystem(fmt.Errorf("write envelope: %w", err))
	}
	if err := f.Truncate(totalSize); err != nil {
		return errdefs.WrapSystem(fmt.Errorf("pad io file to %d: %w", totalSize, err))
	}
	return nil
}

// readResponse reads the guest-written Response envelope starting at
// outputOffset (spec §4.7 "the guest writes the output starting at a
// well-known offset").
func readResponse(ioPath string, outputOffset int64) (*wire.Response, []byte, error) {
	f, err := os.Open(ioPath)
	if err != nil {
		return nil, nil, errdefs.WrapSystem(fmt.Errorf("open io file for readback: %w", err))
	}
	defer f.Close()

	buf := make([]byte, MaxOutputBytes)
	n, err := f.ReadAt(buf, outputOffset)
	if err != nil && n == 0 {
		return nil, nil, errdefs.WrapSystem(fmt.Errorf("read output region: %w", err))
	}

	respBytes, archiveBytes, err := wire.SplitEnvelope(buf[:n])
	if err != nil {
		return nil, nil, errdefs.WrapSystem(fmt.Errorf("split output envelope: %w", err))
	}
	resp, err := wire.DecodeResponse(respBytes)
	if err != nil {
		return nil, nil, errdefs.WrapSystem(fmt.Errorf("decode response: %w", err))
	}
	return resp, archiveBytes, nil
}

// UnpackOutput decodes the pearchive output region into sink, a thin
// wrapper kept here (rather than in C8) since C7 owns the I/O file's
// shape end to end.
func UnpackOutput(archiveBytes []byte, sink pearchive.Sink) error {
	return pearchive.Unpack(bytes.NewReader(archiveBytes), sink, MaxOutputBytes)
}
