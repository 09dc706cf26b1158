// Package snapshot implements C9: an optional fast path that keeps up
// to K pre-booted, paused VMM snapshots keyed by (image fingerprint,
// boot cmdline prefix), and resumes the guest past its mount sequence
// via a vsock handshake carrying the RunHeader (spec §4.9).
package snapshot

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/programexplorer/pe/internal/errdefs"
	"github.com/programexplorer/pe/internal/vmm/cloudhypervisor"
	"github.com/programexplorer/pe/internal/wire"
)

// Key identifies one snapshot slot (spec §4.9 "(image_fingerprint,
// boot_cmdline_prefix)").
type Key struct {
	Fingerprint    string
	CmdlinePrefix  string
}

// entry is one retained snapshot: the on-disk snapshot directory plus
// the VMM handle it was taken from (kept paused, discarded after use
// per spec §4.9 "the VMM is discarded after use").
type entry struct {
	key     Key
	dir     string
	handle  *cloudhypervisor.Handle
}

// Cache is an LRU of at most Capacity snapshots (spec §9 "snapshot_keys
// — allowlist of image references that get C9 pre-warming" bounds which
// keys are ever Put here; the cache itself only bounds how many are
// retained concurrently).
type Cache struct {
	Capacity int
	dir      string

	mu    sync.Mutex
	lru   *list.List // of *entry, front = most recently used
	index map[Key]*list.Element
}

// NewCache returns a Cache rooted at dir (snapshot directories are
// created under dir/<fingerprint>-<cmdline-hash>/) with room for at
// most capacity entries.
func NewCache(dir string, capacity int) *Cache {
	return &Cache{
		Capacity: capacity,
		dir:      dir,
		lru:      list.New(),
		index:    map[Key]*list.Element{},
	}
}

// Lookup returns the snapshot directory for key, promoting it to
// most-recently-used, or false if no snapshot is retained for key.
func (c *Cache) Lookup(key Key) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return "", false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*entry).dir, true
}

// Put retains a freshly taken snapshot for key, evicting the least
// recently used entry if the cache is at capacity (spec §4.9 "up to K
// pre-booted, paused VMM processes").
func (c *Cache) Put(key Key, dir string, handle *cloudhypervisor.Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[key]; ok {
		c.lru.MoveToFront(el)
		el.Value.(*entry).dir = dir
		el.Value.(*entry).handle = handle
		return
	}

	el := c.lru.PushFront(&entry{key: key, dir: dir, handle: handle})
	c.index[key] = el

	for c.lru.Len() > c.Capacity {
		oldest := c.lru.Back()
		if oldest == nil {
			break
		}
		c.evictElement(oldest)
	}
}

// Dir returns the on-disk path a fresh snapshot for key should be
// written to, rooted under the directory the Cache was constructed
// with.
func (c *Cache) Dir(key Key) string {
	sum := sha256.Sum256([]byte(key.Fingerprint + "|" + key.CmdlinePrefix))
	return filepath.Join(c.dir, key.Fingerprint+"-"+hex.EncodeToString(sum[:8]))
}

// Remove discards the snapshot for key, if any: its directory is
// deleted and the VMM handle it was taken from is released.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.evictElement(el)
	}
}

func (c *Cache) evictElement(el *list.Element) {
	e := el.Value.(*entry)
	c.lru.Remove(el)
	delete(c.index, e.key)
	if e.handle != nil {
		e.handle.Release()
	}
	_ = os.RemoveAll(e.dir)
}

// Take drives the VMM client through a snapshot at dir (spec §4.6
// "snapshot(dir)").
func Take(ctx context.Context, client *cloudhypervisor.Client, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errdefs.WrapSystem(fmt.Errorf("create snapshot dir %s: %w", dir, err))
	}
	return client.Snapshot(ctx, dir)
}

// Prewarm cold-boots one VM for key via launch, pauses it at the guest's
// resume point (the guest blocks on the vsock handshake before ever
// reading a RunHeader), takes a snapshot, and retains it in cache (spec
// §9 "snapshot_keys — allowlist of image references that get C9
// pre-warming"). launch is supplied by the caller (the worker pool
// composing C6+C7) so this package stays independent of how a VM is
// spawned.
func Prewarm(ctx context.Context, cache *Cache, key Key, launch func(ctx context.Context) (*cloudhypervisor.Handle, error)) error {
	handle, err := launch(ctx)
	if err != nil {
		return err
	}
	dir := cache.Dir(key)
	if err := Take(ctx, handle.Client, dir); err != nil {
		handle.Release()
		return err
	}
	cache.Put(key, dir, handle)
	return nil
}

// Restore resumes a VMM from a retained snapshot directory instead of
// create+boot (spec §4.9 "the launcher runs restore(snapshot_dir)
// instead of create+boot").
func Restore(ctx context.Context, client *cloudhypervisor.Client, dir string) error {
	return client.Restore(ctx, dir)
}
