package program

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-mesh/internal/tensor"
)

var keyMode cbor.EncMode

func init() {
	var err error
	keyMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Signature identifies a cacheable program: the operation kind, its
// attributes and the specs of its input tensors. Two signatures are equal
// iff their canonical encodings are byte-identical. Attribute fields tagged
// `cbor:"-"` are runtime bindings and do not take part.
type Signature struct {
	kind   string
	key    []byte
	digest uint64
}

type signatureKey struct {
	Kind   string        `cbor:"1,keyasint"`
	Attrs  any           `cbor:"2,keyasint"`
	Inputs []tensor.Spec `cbor:"3,keyasint"`
}

// NewSignature canonicalizes kind, attrs and inputs.
func NewSignature(kind string, attrs any, inputs []tensor.Spec) (Signature, error) {
	key, err := keyMode.Marshal(signatureKey{Kind: kind, Attrs: attrs, Inputs: inputs})
	if err != nil {
		return Signature{}, fmt.Errorf("program: encode %s signature: %w", kind, err)
	}
	return Signature{kind: kind, key: key, digest: xxhash.Sum64(key)}, nil
}

// Kind is the operation kind the signature was built for.
func (s Signature) Kind() string { return s.kind }

// Key is the canonical encoding, usable as a map key.
func (s Signature) Key() string { return string(s.key) }

// Digest is a 64-bit hash of Key for logs and diagnostics. Equal digests do
// not imply equal signatures.
func (s Signature) Digest() uint64 { return s.digest }

// IsZero reports whether s was never built.
func (s Signature) IsZero() bool { return s.key == nil }

// Equal compares signatures by canonical encoding.
func (s Signature) Equal(o Signature) bool { return bytes.Equal(s.key, o.key) }

func (s Signature) String() string {
	return fmt.Sprintf("%s/%016x", s.kind, s.digest)
}
