package ociimage

import (
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/programexplorer/pe/internal/errdefs"
)

// Reference is the parsed triple of spec §3: "A triple (registry,
// repository, identifier) where identifier is either a tag or a
// digest." "latest" is explicitly rejected.
type Reference struct {
	Registry   string
	Repository string
	Identifier string // tag, or "sha256:..." digest
	IsDigest   bool

	parsed name.Reference
}

// ParseReference parses and validates s, rejecting "latest" per spec §3.
func ParseReference(s string) (Reference, error) {
	ref, err := name.ParseReference(s)
	if err != nil {
		return Reference{}, errdefs.WrapInvalidParameter(fmt.Errorf("invalid image reference %q: %w", s, err))
	}

	out := Reference{
		Registry:   ref.Context().RegistryStr(),
		Repository: ref.Context().RepositoryStr(),
		parsed:     ref,
	}
	switch r := ref.(type) {
	case name.Tag:
		out.Identifier = r.TagStr()
		if out.Identifier == "latest" {
			return Reference{}, errdefs.WrapInvalidParameter(fmt.Errorf("image reference %q: %q is forbidden, pin a tag or digest", s, "latest"))
		}
	case name.Digest:
		out.Identifier = r.DigestStr()
		out.IsDigest = true
	default:
		return Reference{}, errdefs.WrapInvalidParameter(fmt.Errorf("unrecognized reference kind for %q", s))
	}
	return out, nil
}

// String returns the canonical string form.
func (r Reference) String() string {
	return r.parsed.String()
}

// Fingerprint is the content-addressed cache key of spec §4.4:
// sha256(reference || arch || os).
func Fingerprint(ref, arch, os string) string {
	return fingerprintHex(ref + "|" + arch + "|" + os)
}
