// Package imageservice implements C4: a process-local cache mapping a
// fingerprint to an on-disk sealed image artifact, with at-most-one
// concurrent build per key (spec §4.4).
package imageservice

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"resenje.org/singleflight"

	"github.com/programexplorer/pe/internal/erofs"
	"github.com/programexplorer/pe/internal/errdefs"
	"github.com/programexplorer/pe/internal/metrics"
	"github.com/programexplorer/pe/internal/ociimage"
)

// ImageRef is what materialize hands back: the on-disk artifact plus
// which rootfs prefix within it to boot (spec §4.4 "their metadata
// returned").
type ImageRef struct {
	Fingerprint string
	Path        string
	Prefix      string
}

// Cache is the C4 image service. One Cache is shared by every worker
// in a pe-imaged process.
type Cache struct {
	dir    string
	puller *ociimage.Puller
	log    *logrus.Entry

	group singleflight.Group[string, *ImageRef]

	mu       sync.Mutex
	refcount map[string]int

	metrics *metrics.Image // nil is valid: metrics are optional instrumentation
}

// NewCache opens (creating if absent) a cache rooted at dir.
func NewCache(dir string, puller *ociimage.Puller, log *logrus.Entry) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errdefs.WrapSystem(fmt.Errorf("create image cache dir: %w", err))
	}
	return &Cache{
		dir:      dir,
		puller:   puller,
		log:      log.WithField("component", "imageservice"),
		refcount: map[string]int{},
	}, nil
}

// SetMetrics attaches a collector set; calling it is optional (a Cache
// with no metrics attached behaves identically, just unobserved).
func (c *Cache) SetMetrics(m *metrics.Image) { c.metrics = m }

func (c *Cache) imagePath(fingerprint string) string {
	return filepath.Join(c.dir, fingerprint+".erofs")
}

// Lookup returns the cached artifact if one already exists, without
// triggering a build (spec §4.4 "lookup").
func (c *Cache) Lookup(ref, arch, goos string) (*ImageRef, bool) {
	fp := ociimage.Fingerprint(ref, arch, goos)
	path := c.imagePath(fp)
	if _, err := os.Stat(path); err != nil {
		return nil, false
	}
	return &ImageRef{Fingerprint: fp, Path: path, Prefix: fp[:16]}, true
}

// Materialize returns the existing artifact for (ref, arch, goos) or
// builds one. Concurrent callers for the same fingerprint share one
// build; a failed build is not cached and the next caller retries
// (spec §4.4 "coalesced single-build ... failures are not cached").
func (c *Cache) Materialize(ctx context.Context, ref, arch, goos string) (*ImageRef, error) {
	fp := ociimage.Fingerprint(ref, arch, goos)
	path := c.imagePath(fp)
	if _, err := os.Stat(path); err == nil {
		return &ImageRef{Fingerprint: fp, Path: path, Prefix: fp[:16]}, nil
	}

	out, err, shared := c.group.Do(ctx, fp, func(ctx context.Context) (*ImageRef, error) {
		if c.metrics != nil {
			c.metrics.BuildsStarted.Inc()
		}
		return c.build(ctx, fp, ref, arch, goos)
	})
	if c.metrics != nil && shared {
		c.metrics.BuildsCoalesced.Inc()
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.BuildsFailed.Inc()
		}
		return nil, err
	}
	c.log.WithFields(logrus.Fields{"ref": ref, "fingerprint": fp, "coalesced": shared}).Info("image materialized")
	return out, nil
}

func (c *Cache) build(ctx context.Context, fp, ref, arch, goos string) (*ImageRef, error) {
	prefix := fp[:16]
	result, err := c.puller.Pull(ctx, ref, ociimage.Platform{Architecture: arch, OS: goos}, prefix)
	if err != nil {
		return nil, err
	}

	path := c.imagePath(fp)
	tmp := path + ".building"
	f, ferr := os.Create(tmp)
	if ferr != nil {
		return nil, errdefs.WrapSystem(fmt.Errorf("create image file: %w", ferr))
	}
	img := erofs.NewImage(erofs.CompressionZSTD)
	img.AddRootfs(result.Rootfs, result.Index)
	if err := img.Seal(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, errdefs.WrapSystem(fmt.Errorf("seal image %s: %w", ref, err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, errdefs.WrapSystem(fmt.Errorf("close image file: %w", err))
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, errdefs.WrapSystem(fmt.Errorf("commit image file: %w", err))
	}
	return &ImageRef{Fingerprint: fp, Path: path, Prefix: prefix}, nil
}

// Acquire/Release implement the reference counting against in-flight
// worker leases that gates Evict (spec §4.4 "evict ... when no current
// run references it").
func (c *Cache) Acquire(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refcount[fingerprint]++
}

func (c *Cache) Release(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refcount[fingerprint] > 0 {
		c.refcount[fingerprint]--
	}
}

// Evict removes the on-disk artifact for fingerprint if nothing
// currently references it.
func (c *Cache) Evict(fingerprint string) error {
	c.mu.Lock()
	inUse := c.refcount[fingerprint] > 0
	c.mu.Unlock()
	if inUse {
		return errdefs.WrapUnavailable(fmt.Errorf("image %s has active leases", fingerprint))
	}
	if err := os.Remove(c.imagePath(fingerprint)); err != nil && !os.IsNotExist(err) {
		return errdefs.WrapSystem(fmt.Errorf("evict image %s: %w", fingerprint, err))
	}
	return nil
}
