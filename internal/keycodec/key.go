// Package keycodec parses and builds the colon-delimited structured keys
// the cache uses to address registry entries:
//
//	component:<framework>:<name>[:<sub>]
//	block:<framework>:<name>[:<sub>]
//	metadata:<sub>
//	directory:<sub>
//
// Keys outside this grammar are still accepted (kind "other") so callers
// can use the cache for opaque blobs. Besides the length/character
// invariants below, the only shape KeyCodec rejects is a component or
// block key with an empty framework or name.
package keycodec

import (
	"strings"

	"github.com/alfredw/shadcn-registry-cache/internal/cacheerr"
)

// Kind identifies which logical entry family a key addresses.
type Kind string

// Known kinds. KindOther covers anything KeyCodec doesn't recognize;
// callers must tolerate it.
const (
	KindComponent Kind = "component"
	KindBlock     Kind = "block"
	KindMetadata  Kind = "metadata"
	KindDirectory Kind = "directory"
	KindOther     Kind = "other"
)

// MaxKeyLength is the hard cap on key length (spec §3).
const MaxKeyLength = 255

// Key is the parsed structure behind a key string.
type Key struct {
	Raw       string
	Kind      Kind
	Framework string // set for component/block
	Name      string // set for component/block
	Sub       string // set for metadata/directory, optional for component/block
}

// StructuredRouted reports whether this key's kind is routed to the
// structured component/block storage path (PersistentTier's two tables)
// rather than the generic key/value path.
func (k Key) StructuredRouted() bool {
	return k.Kind == KindComponent || k.Kind == KindBlock
}

// Validate enforces the length and control-character invariants that apply
// to every key regardless of shape.
func Validate(key string) error {
	if key == "" {
		return cacheerr.New(cacheerr.KindValidation, "keycodec", "key must not be empty")
	}
	if len(key) > MaxKeyLength {
		return cacheerr.New(cacheerr.KindValidation, "keycodec", "key exceeds maximum length")
	}
	for _, r := range key {
		if r < 0x20 || r == 0x7f {
			return cacheerr.New(cacheerr.KindValidation, "keycodec", "key contains control characters")
		}
	}
	return nil
}

// Parse decomposes a key string into its structured form. Unknown shapes
// are returned with Kind = KindOther and no error. Parse fails on the
// universal invariants (length, control characters) and on component/block
// keys whose framework or name is empty.
func Parse(key string) (Key, error) {
	if err := Validate(key); err != nil {
		return Key{}, err
	}

	parts := strings.Split(key, ":")
	switch {
	case len(parts) >= 2 && parts[0] == string(KindMetadata):
		return Key{Raw: key, Kind: KindMetadata, Sub: strings.Join(parts[1:], ":")}, nil
	case len(parts) >= 2 && parts[0] == string(KindDirectory):
		return Key{Raw: key, Kind: KindDirectory, Sub: strings.Join(parts[1:], ":")}, nil
	case len(parts) >= 3 && (parts[0] == string(KindComponent) || parts[0] == string(KindBlock)):
		k := Key{
			Raw:       key,
			Kind:      Kind(parts[0]),
			Framework: parts[1],
			Name:      parts[2],
		}
		if len(parts) > 3 {
			k.Sub = strings.Join(parts[3:], ":")
		}
		if k.Framework == "" || k.Name == "" {
			return Key{}, cacheerr.New(cacheerr.KindValidation, "keycodec",
				"component/block keys require framework and name")
		}
		return k, nil
	default:
		return Key{Raw: key, Kind: KindOther}, nil
	}
}

// Build constructs a component/block key from its parts.
func Build(kind Kind, framework, name string) string {
	return string(kind) + ":" + framework + ":" + name
}

// BuildSub constructs a component/block key including a subkey.
func BuildSub(kind Kind, framework, name, sub string) string {
	if sub == "" {
		return Build(kind, framework, name)
	}
	return Build(kind, framework, name) + ":" + sub
}
