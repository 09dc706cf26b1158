// Package ociimage implements C3: pulling a reference from an OCI
// registry and flattening the resulting layer stack into an
// erofs.Rootfs (spec §4.3 "OCI puller + squasher").
package ociimage

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/go-containerregistry/pkg/authn"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"golang.org/x/sync/errgroup"

	"github.com/programexplorer/pe/internal/errdefs"
	"github.com/programexplorer/pe/internal/erofs"
)

// Platform narrows a manifest list to one target (spec §4.3 "platform
// narrowing").
type Platform struct {
	Architecture string
	OS           string
}

// MaxLayerBytes bounds a single decompressed layer, a sanity ceiling
// rather than a tunable policy. No bound is applied to the total size
// of all of an image's layers together, here or in C4.
const MaxLayerBytes = 4 << 30 // 4 GiB

// MaxConcurrentLayers bounds how many layers are fetched and unpacked
// at once (spec §4.3 "bounded concurrency").
const MaxConcurrentLayers = 4

// PullResult is everything the squasher produced for one image, ready
// to be sealed into an image file by the caller (C4).
type PullResult struct {
	Rootfs *erofs.Rootfs
	Index  erofs.IndexEntry
}

// Puller fetches and flattens OCI images.
type Puller struct {
	Keychain  authn.Keychain
	UIDGIDOff int
}

// NewPuller returns a Puller using the default (Docker Hub + netrc +
// env) keychain, matching the registry-auth behavior spec §4.3 leaves
// to "whatever credential the operator configured".
func NewPuller() *Puller {
	return &Puller{Keychain: authn.DefaultKeychain}
}

// Pull fetches ref for the given platform and flattens its layers (in
// manifest order, lowest first) into a fresh erofs.Rootfs rooted at
// prefix. Every layer's tar stream is read from go-containerregistry's
// verified, digest-checked reader (Layer.Uncompressed), so a registry
// serving bytes that don't match the manifest surfaces here as a read
// error rather than silently poisoning the rootfs.
func (p *Puller) Pull(ctx context.Context, refStr string, platform Platform, prefix string) (*PullResult, error) {
	ref, err := ParseReference(refStr)
	if err != nil {
		return nil, err
	}

	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(p.Keychain),
		remote.WithPlatform(v1.Platform{Architecture: platform.Architecture, OS: platform.OS}),
	}
	img, err := remote.Image(ref.parsed, opts...)
	if err != nil {
		return nil, classifyFetchErr(refStr, err)
	}

	manifest, err := img.Manifest()
	if err != nil {
		return nil, errdefs.WrapSystem(fmt.Errorf("read manifest for %s: %w", refStr, err))
	}
	configFile, err := img.RawConfigFile()
	if err != nil {
		return nil, errdefs.WrapSystem(fmt.Errorf("read config for %s: %w", refStr, err))
	}
	manifestJSON, err := img.RawManifest()
	if err != nil {
		return nil, errdefs.WrapSystem(fmt.Errorf("read raw manifest for %s: %w", refStr, err))
	}

	layers, err := img.Layers()
	if err != nil {
		return nil, errdefs.WrapSystem(fmt.Errorf("list layers for %s: %w", refStr, err))
	}
	if len(layers) == 0 {
		return nil, errdefs.WrapInvalidParameter(fmt.Errorf("image %s has no layers", refStr))
	}

	// Layers are fetched and unpacked to tar bytes concurrently (bounded),
	// then applied to the rootfs sequentially in manifest order: OCI
	// whiteout semantics depend on lower layers being visible before
	// upper layers replace or delete their entries (spec §4.2 "Edge
	// policies").
	unpacked := make([][]byte, len(layers))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(MaxConcurrentLayers)
	for i, layer := range layers {
		i, layer := i, layer
		grp.Go(func() error {
			buf, err := fetchLayer(gctx, layer)
			if err != nil {
				return fmt.Errorf("layer %d: %w", i, err)
			}
			unpacked[i] = buf
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, err
	}

	root := erofs.NewRootfs(prefix, p.UIDGIDOff)
	for i, buf := range unpacked {
		if err := addLayerToRootfs(root, buf); err != nil {
			return nil, fmt.Errorf("squash layer %d: %w", i, err)
		}
	}

	return &PullResult{
		Rootfs: root,
		Index: erofs.IndexEntry{
			Prefix:     prefix,
			Descriptor: manifest.Config.Data,
			Manifest:   manifestJSON,
			Config:     configFile,
		},
	}, nil
}

// fetchLayer downloads and decompresses one layer's tar stream.
func fetchLayer(ctx context.Context, layer v1.Layer) ([]byte, error) {
	digest, err := layer.Digest()
	if err != nil {
		return nil, errdefs.WrapSystem(fmt.Errorf("read layer digest: %w", err))
	}

	rc, err := layer.Uncompressed()
	if err != nil {
		return nil, classifyFetchErr(digest.String(), err)
	}
	defer rc.Close()

	raw, err := io.ReadAll(io.LimitReader(rc, MaxLayerBytes+1))
	if err != nil {
		return nil, errdefs.WrapSystem(fmt.Errorf("download layer %s: %w", digest, err))
	}
	if int64(len(raw)) > MaxLayerBytes {
		return nil, errdefs.WrapInvalidParameter(fmt.Errorf("layer %s exceeds %d bytes", digest, MaxLayerBytes))
	}
	return raw, nil
}

// addLayerToRootfs streams one decompressed layer's tar entries into
// root in order, applying OCI whiteout semantics as it goes (handled
// inside erofs.Rootfs.Add).
func addLayerToRootfs(root *erofs.Rootfs, tarBytes []byte) error {
	tr := tar.NewReader(bytes.NewReader(tarBytes))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errdefs.WrapInvalidParameter(fmt.Errorf("read tar entry: %w", err))
		}
		entry := erofs.Entry{
			Name:     hdr.Name,
			Typeflag: hdr.Typeflag,
			Linkname: hdr.Linkname,
			Size:     hdr.Size,
			Mode:     hdr.Mode,
			UID:      hdr.Uid,
			GID:      hdr.Gid,
			Body:     tr,
		}
		if len(hdr.PAXRecords) > 0 {
			entry.Xattrs = map[string]string{}
			for k, v := range hdr.PAXRecords {
				entry.Xattrs[k] = v
			}
		}
		if err := root.Add(entry); err != nil {
			return err
		}
	}
}

func classifyFetchErr(ref string, err error) error {
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.StatusCode {
		case 404, 401, 403:
			return errdefs.WrapNotFound(fmt.Errorf("image %q: %w", ref, err))
		}
	}
	return errdefs.WrapUnavailable(fmt.Errorf("fetch image %q: %w", ref, err))
}
