// Command pe-init is C5: the in-VM init (PID 1) that mounts the
// selected rootfs prefix out of the image pmem device, assembles an
// overlay, unpacks the input archive, runs the container, enforces the
// wall-clock budget, packs the output archive back, and powers off
// (spec §4.5).
//
// The image pmem device carries the real kernel-mountable erofs image
// C2 writes (see internal/erofs's package doc comment), so the image is
// mounted with a literal mount(2) "erofs" call below, the same way the
// host would mount it. internal/erofs's Go-native reader is used only
// by that package's own tests, which cannot invoke a privileged
// mount(2) against the kernel driver; pe-init still opens the raw
// device once more, alongside the kernel mount, to parse the trailing
// index blob erofs.ReadIndex understands and recover the image's OCI
// config for the selected prefix (spec §4.5 step 8). Every mount in the
// sequence (proc, sys, devtmpfs, cgroup2, the erofs image, the overlay)
// is a real mount(2) call.
package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"

	"github.com/programexplorer/pe/internal/erofs"
	"github.com/programexplorer/pe/internal/pearchive"
	"github.com/programexplorer/pe/internal/wire"
)

const (
	imageDevice = "/dev/pmem0"
	ioDevice    = "/dev/pmem1"

	maxOutputBytes = 64 << 20

	mntImage     = "/mnt/image"
	mntRootfs    = "/mnt/rootfs"
	mntUpper     = "/mnt/upper"
	mntWork      = "/mnt/work"
	bundle       = "/run/bundle"
	bundleRootfs = "/run/bundle/rootfs"
	inputDir     = "/run/pe/input"
	outputDir    = "/run/pe/output"

	runtimeBinary = "runc"
)

func main() {
	if err := run(); err != nil {
		// Nothing useful can be written back once the device used to
		// carry RunHeader/Response has not even been located yet; the
		// host observes this as the VMM exiting unexpectedly (spec §4.5
		// "Failure semantics").
		fmt.Fprintln(os.Stderr, "pe-init:", err)
	}
	unix.Sync()
	_ = unix.Reboot(unix.LINUX_REBOOT_CMD_POWER_OFF)
}

func run() error {
	if err := mountBasics(); err != nil {
		return fmt.Errorf("mount basics: %w", err)
	}

	prefix, err := rootfsPrefixFromCmdline()
	if err != nil {
		return fmt.Errorf("read cmdline: %w", err)
	}

	ioFile, err := os.OpenFile(ioDevice, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open io device: %w", err)
	}
	defer ioFile.Close()

	hdr, archiveOffset, err := readHeader(ioFile)
	if err != nil {
		return fmt.Errorf("read RunHeader: %w", err)
	}

	imageConfig, err := assembleRootfs(prefix)
	if err != nil {
		return finalizePanic(ioFile, hdr, fmt.Sprintf("assemble rootfs: %v", err))
	}

	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return finalizePanic(ioFile, hdr, fmt.Sprintf("create input dir: %v", err))
	}
	if _, err := ioFile.Seek(archiveOffset, 0); err != nil {
		return finalizePanic(ioFile, hdr, fmt.Sprintf("seek to input archive: %v", err))
	}
	if err := pearchive.Unpack(ioFile, pearchive.NewDirSink(inputDir), maxOutputBytes); err != nil {
		return finalizePanic(ioFile, hdr, fmt.Sprintf("unpack input archive: %v", err))
	}

	if err := unix.Mount("tmpfs", outputDir, "tmpfs", 0, "mode=0777"); err != nil {
		if mkErr := os.MkdirAll(outputDir, 0o777); mkErr != nil {
			return finalizePanic(ioFile, hdr, fmt.Sprintf("create output dir: %v", mkErr))
		}
	}

	if err := writeBundleConfig(hdr, imageConfig); err != nil {
		return finalizePanic(ioFile, hdr, fmt.Sprintf("write bundle config: %v", err))
	}

	resp := runContainer(hdr)

	archiveBytes, err := packOutput()
	if err != nil {
		return finalizePanic(ioFile, hdr, fmt.Sprintf("pack output archive: %v", err))
	}

	return writeResponse(ioFile, hdr, resp, archiveBytes)
}

// mountBasics mounts the pseudo-filesystems every subsequent step
// depends on (spec §4.5 step 1).
func mountBasics() error {
	if err := os.MkdirAll("/proc", 0o755); err != nil {
		return err
	}
	if err := unix.Mount("proc", "/proc", "proc", 0, ""); err != nil {
		return fmt.Errorf("mount /proc: %w", err)
	}
	if err := os.MkdirAll("/sys", 0o755); err != nil {
		return err
	}
	if err := unix.Mount("sysfs", "/sys", "sysfs", 0, ""); err != nil {
		return fmt.Errorf("mount /sys: %w", err)
	}
	if err := os.MkdirAll("/sys/fs/cgroup", 0o755); err != nil {
		return err
	}
	if err := unix.Mount("cgroup2", "/sys/fs/cgroup", "cgroup2", 0, ""); err != nil {
		return fmt.Errorf("mount cgroup2: %w", err)
	}
	if err := os.MkdirAll("/dev", 0o755); err != nil {
		return err
	}
	if err := unix.Mount("devtmpfs", "/dev", "devtmpfs", 0, ""); err != nil {
		return fmt.Errorf("mount devtmpfs: %w", err)
	}
	return nil
}

// rootfsPrefixFromCmdline reads the pe.rootfs=<prefix> token the
// worker pool sets as the kernel cmdline (internal/worker's
// `pe.rootfs=%s`).
func rootfsPrefixFromCmdline() (string, error) {
	b, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return "", err
	}
	for _, tok := range strings.Fields(string(b)) {
		if rest, ok := strings.CutPrefix(tok, "pe.rootfs="); ok {
			return rest, nil
		}
	}
	return "", fmt.Errorf("no pe.rootfs= token in kernel cmdline")
}

// readHeader reads the `[u32 LE len][msgpack RunHeader]` prefix off
// the combined io device (spec §4.1 "Combined envelope") and returns
// the byte offset the input archive starts at.
func readHeader(f *os.File) (*wire.RunHeader, int64, error) {
	var lenBuf [4]byte
	if _, err := f.ReadAt(lenBuf[:], 0); err != nil {
		return nil, 0, err
	}
	n := int64(binary.LittleEndian.Uint32(lenBuf[:]))
	hdrBytes := make([]byte, n)
	if _, err := f.ReadAt(hdrBytes, 4); err != nil {
		return nil, 0, err
	}
	hdr, err := wire.DecodeRunHeader(hdrBytes)
	if err != nil {
		return nil, 0, err
	}
	return hdr, 4 + n, nil
}

// assembleRootfs mounts the image pmem device as a real erofs
// filesystem, bind-mounts the selected prefix to mntRootfs, and mounts
// the overlay the container runtime's bundle root points at (spec §4.5
// steps 2-4). It also recovers the selected rootfs's OCI image config
// from the image's trailing index blob, for writeBundleConfig to
// combine with the RunHeader's overrides (spec §4.5 step 8).
func assembleRootfs(prefix string) (*ociImageConfig, error) {
	if err := os.MkdirAll(mntImage, 0o755); err != nil {
		return nil, err
	}
	if err := unix.Mount(imageDevice, mntImage, "erofs", unix.MS_RDONLY, ""); err != nil {
		return nil, fmt.Errorf("mount erofs image: %w", err)
	}

	selected := filepath.Join(mntImage, prefix)
	if _, err := os.Stat(selected); err != nil {
		return nil, fmt.Errorf("rootfs prefix %q not present in image: %w", prefix, err)
	}

	cfg, err := readSelectedImageConfig(prefix)
	if err != nil {
		return nil, fmt.Errorf("read image config: %w", err)
	}

	if err := os.MkdirAll(mntRootfs, 0o755); err != nil {
		return nil, err
	}
	if err := unix.Mount(selected, mntRootfs, "", unix.MS_BIND, ""); err != nil {
		return nil, fmt.Errorf("bind mount %s: %w", selected, err)
	}

	if err := os.MkdirAll(mntUpper, 0o755); err != nil {
		return nil, err
	}
	if err := unix.Mount("tmpfs", mntUpper, "tmpfs", 0, ""); err != nil {
		return nil, fmt.Errorf("mount tmpfs at %s: %w", mntUpper, err)
	}
	if err := os.MkdirAll(mntWork, 0o755); err != nil {
		return nil, err
	}
	if err := unix.Mount("tmpfs", mntWork, "tmpfs", 0, ""); err != nil {
		return nil, fmt.Errorf("mount tmpfs at %s: %w", mntWork, err)
	}

	if err := os.MkdirAll(bundleRootfs, 0o755); err != nil {
		return nil, err
	}
	opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", mntRootfs, mntUpper, mntWork)
	if err := unix.Mount("overlay", bundleRootfs, "overlay", 0, opts); err != nil {
		return nil, fmt.Errorf("mount overlay: %w", err)
	}
	return cfg, nil
}

// ociImageConfig is the subset of an OCI image config file's "config"
// object (https://github.com/opencontainers/image-spec/blob/main/config.md)
// that writeBundleConfig combines with the RunHeader's overrides.
type ociImageConfig struct {
	Env        []string `json:"Env"`
	Entrypoint []string `json:"Entrypoint"`
	Cmd        []string `json:"Cmd"`
	WorkingDir string   `json:"WorkingDir"`
	User       string   `json:"User"`
}

type ociConfigFile struct {
	Config ociImageConfig `json:"config"`
}

// readSelectedImageConfig opens the image device once more (independent
// of the kernel mount above) to parse the trailing index blob
// erofs.ReadIndex understands, and returns the parsed image config for
// the rootfs matching prefix.
func readSelectedImageConfig(prefix string) (*ociImageConfig, error) {
	f, err := os.Open(imageDevice)
	if err != nil {
		return nil, fmt.Errorf("open image device: %w", err)
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, fmt.Errorf("seek image device: %w", err)
	}

	entries, err := erofs.ReadIndex(f, size)
	if err != nil {
		return nil, fmt.Errorf("parse index blob: %w", err)
	}
	for _, e := range entries {
		if e.Prefix != prefix {
			continue
		}
		if len(e.Config) == 0 {
			return &ociImageConfig{}, nil
		}
		var cf ociConfigFile
		if err := json.Unmarshal(e.Config, &cf); err != nil {
			return nil, fmt.Errorf("parse image config for %q: %w", prefix, err)
		}
		return &cf.Config, nil
	}
	return nil, fmt.Errorf("no index entry for prefix %q", prefix)
}

// writeBundleConfig composes the OCI runtime bundle's config.json by
// combining the selected rootfs's image config with RunHeader's
// explicit overrides (spec §4.5 step 8), using the teacher's own
// dependency on opencontainers/runtime-spec.
//
// RunHeader.Entrypoint/Argv override the image's Entrypoint/Cmd only
// when non-empty; otherwise the image's own value is used, matching the
// same Entrypoint+Cmd composition convention the image was built under.
// RunHeader.UID/GID are always numeric and always take precedence over
// the image's User field, which this sandbox never parses into a
// uid/gid pair (see DESIGN.md Open Question #2).
func writeBundleConfig(hdr *wire.RunHeader, img *ociImageConfig) error {
	if img == nil {
		img = &ociImageConfig{}
	}

	entrypoint := hdr.Entrypoint
	if len(entrypoint) == 0 {
		entrypoint = img.Entrypoint
	}
	cmd := hdr.Argv
	if len(cmd) == 0 {
		cmd = img.Cmd
	}
	args := append(append([]string(nil), entrypoint...), cmd...)
	if len(args) == 0 {
		args = []string{"/bin/sh"}
	}

	cwd := img.WorkingDir
	if cwd == "" {
		cwd = "/"
	}

	spec := &specs.Spec{
		Version: specs.Version,
		Root:    &specs.Root{Path: "rootfs", Readonly: false},
		Process: &specs.Process{
			Terminal: false,
			User:     specs.User{UID: hdr.UID, GID: hdr.GID},
			Args:     args,
			Env:      mergeEnv(img.Env, hdr.Env),
			Cwd:      cwd,
		},
		Hostname: "sandbox",
		Mounts: []specs.Mount{
			{Destination: "/proc", Type: "proc", Source: "proc"},
			{Destination: "/dev", Type: "bind", Source: "/dev", Options: []string{"rbind"}},
			{Destination: "/run/pe/input", Type: "bind", Source: inputDir, Options: []string{"rbind", "ro"}},
			{Destination: "/run/pe/output", Type: "bind", Source: outputDir, Options: []string{"rbind"}},
		},
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.PIDNamespace},
				{Type: specs.MountNamespace},
				{Type: specs.IPCNamespace},
				{Type: specs.UTSNamespace},
				{Type: specs.NetworkNamespace}, // no network, spec §2 "out of scope: ... network"
			},
		},
	}

	b, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(bundle, "config.json"), b, 0o644)
}

// mergeEnv layers override on top of base (the image's own Env),
// override entries replacing a base entry with the same KEY and
// otherwise appending, then guarantees a default PATH if neither the
// image nor the caller supplied one (spec §4.5 step 8).
func mergeEnv(base, override []string) []string {
	out := append([]string(nil), base...)
	for _, kv := range override {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			out = append(out, kv)
			continue
		}
		replaced := false
		for i, existing := range out {
			if ek, _, ok := strings.Cut(existing, "="); ok && ek == key {
				out[i] = kv
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, kv)
		}
	}
	for _, kv := range out {
		if strings.HasPrefix(kv, "PATH=") {
			return out
		}
	}
	return append([]string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}, out...)
}

// runContainer spawns the OCI runtime against the bundle, enforces the
// wall-clock deadline by SIGKILLing the process group, and turns the
// outcome into a Response (spec §4.5 "Deadline enforcement").
func runContainer(hdr *wire.RunHeader) *wire.Response {
	cmd := exec.Command(runtimeBinary, "run", "--bundle", bundle, "pe-sandbox")
	cmd.Dir = bundle
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if hdr.Stdin != "" && hdr.Stdin != "/dev/null" {
		if f, err := os.Open(filepath.Join(inputDir, hdr.Stdin)); err == nil {
			cmd.Stdin = f
			defer f.Close()
		}
	}
	if f, err := os.Create(filepath.Join(outputDir, "stdout")); err == nil {
		cmd.Stdout = f
		defer f.Close()
	}
	if f, err := os.Create(filepath.Join(outputDir, "stderr")); err == nil {
		cmd.Stderr = f
		defer f.Close()
	}

	if err := cmd.Start(); err != nil {
		return &wire.Response{Kind: wire.ResponsePanic, Message: "spawn runtime: " + err.Error()}
	}

	deadline := time.Duration(hdr.WallClockMS) * time.Millisecond
	timedOut := false
	timer := time.AfterFunc(deadline, func() {
		timedOut = true
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	})
	err := cmd.Wait()
	timer.Stop()

	if timedOut {
		return &wire.Response{Kind: wire.ResponseOvertime}
	}

	resp := &wire.Response{Kind: wire.ResponseOk}
	if state := cmd.ProcessState; state != nil {
		ws, _ := state.Sys().(syscall.WaitStatus)
		resp.Siginfo = wire.Siginfo{
			Exited:   ws.Exited(),
			ExitCode: int32(ws.ExitStatus()),
			Signaled: ws.Signaled(),
			Signal:   int32(ws.Signal()),
		}
		if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
			resp.Rusage = wire.Rusage{
				UTimeUS:    ru.Utime.Sec*1_000_000 + int64(ru.Utime.Usec),
				STimeUS:    ru.Stime.Sec*1_000_000 + int64(ru.Stime.Usec),
				MaxRSSKB:   ru.Maxrss,
				MinorFault: ru.Minflt,
				MajorFault: ru.Majflt,
			}
		}
	}
	if err != nil && resp.Siginfo.ExitCode == 0 && !resp.Siginfo.Exited {
		resp.Kind = wire.ResponsePanic
		resp.Message = "runtime wait: " + err.Error()
	}
	return resp
}

func packOutput() ([]byte, error) {
	var buf bytes.Buffer
	if err := pearchive.PackDir(&buf, outputDir); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeResponse packs resp and the output archive into the combined
// envelope at hdr.OutputOffset (spec §4.5 "Finalization").
func writeResponse(f *os.File, hdr *wire.RunHeader, resp *wire.Response, archiveBytes []byte) error {
	respBytes, err := wire.EncodeResponse(resp)
	if err != nil {
		return err
	}
	if _, err := f.Seek(int64(hdr.OutputOffset), 0); err != nil {
		return err
	}
	return wire.WriteEnvelope(f, respBytes, archiveBytes)
}

// finalizePanic writes a Panic Response at the known output offset
// (spec §4.5 "Failure semantics: any mount/unpack/spawn error ->
// Panic{message}") and returns the original error for logging.
func finalizePanic(f *os.File, hdr *wire.RunHeader, message string) error {
	resp := &wire.Response{Kind: wire.ResponsePanic, Message: message}
	respBytes, encErr := wire.EncodeResponse(resp)
	if encErr == nil {
		if _, err := f.Seek(int64(hdr.OutputOffset), 0); err == nil {
			_ = wire.WriteEnvelope(f, respBytes, nil)
		}
	}
	return fmt.Errorf("%s", message)
}

