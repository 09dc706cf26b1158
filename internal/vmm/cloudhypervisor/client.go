// Package cloudhypervisor implements C6: driving a cloud-hypervisor
// compatible VMM through its REST API over a per-VM Unix socket (spec
// §4.6). The verb set (vm.create/vm.boot/vm.shutdown/vm.snapshot/
// vm.restore/vm.remove-device) is kept abstract per spec §2's
// "Out of scope ... any equivalent VMM ... will serve".
package cloudhypervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/programexplorer/pe/internal/errdefs"
)

// PmemDevice describes one memory-mapped pmem-backed block device
// (spec §4.6 "up to N pmem devices").
type PmemDevice struct {
	Path     string `json:"path"`
	ReadOnly bool   `json:"readonly,omitempty"`
}

// VsockDevice describes the optional vsock used for the snapshot
// resume-point handshake (spec §4.9).
type VsockDevice struct {
	CID    uint32 `json:"cid"`
	Socket string `json:"socket"`
}

// Config is the body of the vm.create verb (spec §4.6).
type Config struct {
	CPUs struct {
		BootVCPUs int `json:"boot_vcpus"`
		MaxVCPUs  int `json:"max_vcpus"`
	} `json:"cpus"`
	Memory struct {
		SizeBytes int64 `json:"size"`
		Hugepages bool  `json:"hugepages"`
	} `json:"memory"`
	Payload struct {
		Kernel    string `json:"kernel"`
		Initramfs string `json:"initramfs"`
		Cmdline   string `json:"cmdline"`
	} `json:"payload"`
	Pmem   []PmemDevice `json:"pmem,omitempty"`
	Vsock  *VsockDevice `json:"vsock,omitempty"`
	Serial struct {
		Mode string `json:"mode"` // always "Off" (spec §4.6 "serial/console disabled")
	} `json:"serial"`
	Console struct {
		Mode string `json:"mode"` // always "Off"
	} `json:"console"`
}

// NewConfig returns a Config with console/serial disabled and no
// network device, per spec §4.6.
func NewConfig(vcpus int, memoryBytes int64, kernel, initramfs, cmdline string) Config {
	var c Config
	c.CPUs.BootVCPUs = vcpus
	c.CPUs.MaxVCPUs = vcpus
	c.Memory.SizeBytes = memoryBytes
	c.Memory.Hugepages = true
	c.Payload.Kernel = kernel
	c.Payload.Initramfs = initramfs
	c.Payload.Cmdline = cmdline
	c.Serial.Mode = "Off"
	c.Console.Mode = "Off"
	return c
}

// Client drives one VM's API socket.
type Client struct {
	http       *http.Client
	socketPath string
}

// Dial returns a Client for the VMM listening on apiSocketPath. No
// connection is made until the first call.
func Dial(apiSocketPath string) *Client {
	return &Client{
		socketPath: apiSocketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", apiSocketPath)
				},
			},
		},
	}
}

func (c *Client) put(ctx context.Context, verb string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return errdefs.WrapInvalidParameter(fmt.Errorf("encode %s body: %w", verb, err))
		}
	}
	url := "http://localhost/api/v1/" + verb
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, &buf)
	if err != nil {
		return errdefs.WrapSystem(fmt.Errorf("build %s request: %w", verb, err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errdefs.WrapUnavailable(fmt.Errorf("%s: %w", verb, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errdefs.WrapSystem(fmt.Errorf("%s: hypervisor returned %s: %s", verb, resp.Status, string(msg)))
	}
	return nil
}

// Create issues vm.create.
func (c *Client) Create(ctx context.Context, cfg Config) error {
	return c.put(ctx, "vm.create", cfg)
}

// Boot issues vm.boot, starting the vCPUs.
func (c *Client) Boot(ctx context.Context) error {
	return c.put(ctx, "vm.boot", nil)
}

// Shutdown issues vm.shutdown.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.put(ctx, "vm.shutdown", nil)
}

// snapshotRequest / restoreRequest mirror cloud-hypervisor's vm.snapshot
// and vm.restore bodies (spec §4.9).
type snapshotRequest struct {
	DestinationURL string `json:"destination_url"`
}

type restoreRequest struct {
	SourceURL string `json:"source_url"`
}

// Snapshot issues vm.snapshot, writing VM state under dir.
func (c *Client) Snapshot(ctx context.Context, dir string) error {
	return c.put(ctx, "vm.snapshot", snapshotRequest{DestinationURL: "file://" + dir})
}

// Restore issues vm.restore, resuming VM state from dir. Used by the
// snapshot fast path (spec §4.9) in place of Create+Boot.
func (c *Client) Restore(ctx context.Context, dir string) error {
	return c.put(ctx, "vm.restore", restoreRequest{SourceURL: "file://" + dir})
}

type removeDeviceRequest struct {
	ID string `json:"id"`
}

// RemoveDevice detaches a previously hot-attached device (used to
// replace the snapshot's pmem devices with per-request ones, spec §4.9).
func (c *Client) RemoveDevice(ctx context.Context, id string) error {
	return c.put(ctx, "vm.remove-device", removeDeviceRequest{ID: id})
}

// WaitExit blocks on proc until it exits, the outer timeout elapses
// (in which case proc is SIGKILLed per spec §4.6 "Timing contract"),
// or ctx is canceled.
func WaitExit(ctx context.Context, proc Process, outerTimeout time.Duration) (ExitResult, error) {
	done := make(chan ExitResult, 1)
	go func() {
		state, err := proc.Wait()
		done <- ExitResult{State: state, WaitErr: err}
	}()

	timer := time.NewTimer(outerTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		return res, nil
	case <-timer.C:
		_ = proc.Kill()
		<-done // reap regardless of kill race
		return ExitResult{TimedOut: true}, nil
	case <-ctx.Done():
		_ = proc.Kill()
		<-done
		return ExitResult{}, ctx.Err()
	}
}
