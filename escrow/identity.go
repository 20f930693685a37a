package escrow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Identity is a party's 32-byte public identity. Every value, including the
// all-zero one, is a legitimate identity; absence is modelled separately.
type Identity [32]byte

// ParseIdentity decodes a 64-character hex identity.
func ParseIdentity(s string) (Identity, error) {
	var id Identity
	if err := decodeHex32(s, id[:]); err != nil {
		return Identity{}, fmt.Errorf("identity: %w", err)
	}
	return id, nil
}

// MustParseIdentity is like ParseIdentity but panics on error.
func MustParseIdentity(s string) Identity {
	id, err := ParseIdentity(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String returns the lowercase hex encoding.
func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form for logs.
func (id Identity) Short() string {
	return hex.EncodeToString(id[:4])
}

// MarshalText implements encoding.TextMarshaler.
func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Digest is a 32-byte verification hash recorded when a task completes.
type Digest [32]byte

// ParseDigest decodes a 64-character hex digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if err := decodeHex32(s, d[:]); err != nil {
		return Digest{}, fmt.Errorf("digest: %w", err)
	}
	return d, nil
}

// HashEvidence returns the SHA-256 digest of completion evidence.
func HashEvidence(evidence []byte) Digest {
	return Digest(sha256.Sum256(evidence))
}

// IsZero reports whether no digest has been recorded.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// String returns the lowercase hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := ParseDigest(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func decodeHex32(s string, dst []byte) error {
	if len(s) != 64 {
		return fmt.Errorf("want 64 hex characters, got %d", len(s))
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return err
	}
	return nil
}
