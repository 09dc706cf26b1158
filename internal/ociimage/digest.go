package ociimage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"

	"github.com/programexplorer/pe/internal/errdefs"
)

func fingerprintHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// verifyDigest confirms that raw hashes to want, per spec §4.3 "every
// layer blob is verified against its manifest digest before it is
// trusted". A mismatch is a Corrupt classification, not a bug in the
// caller, so it is wrapped as a System error: the registry served
// bytes that do not match its own manifest.
func verifyDigest(raw []byte, want v1.Hash) error {
	sum := sha256.Sum256(raw)
	got := hex.EncodeToString(sum[:])
	if want.Algorithm != "sha256" {
		return errdefs.WrapSystem(fmt.Errorf("unsupported digest algorithm %q", want.Algorithm))
	}
	if got != want.Hex {
		return errdefs.WrapSystem(fmt.Errorf("layer digest mismatch: manifest says %s, got sha256:%s", want.String(), got))
	}
	return nil
}
