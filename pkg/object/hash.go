package object

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// HashLen is the length of a hex-encoded object id.
const HashLen = 40

// ZeroHash is the all-zero id Git uses for "no object" in reflogs.
const ZeroHash Hash = "0000000000000000000000000000000000000000"

// HashObject computes the SHA-1 of the envelope "type len\0content", the
// object id Git assigns to data of the given type.
func HashObject(objType ObjectType, data []byte) Hash {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", objType, len(data))
	h.Write(data)
	return Hash(hex.EncodeToString(h.Sum(nil)))
}

// ParseHash validates a hex object id and normalizes it to lowercase.
func ParseHash(s string) (Hash, error) {
	if len(s) != HashLen {
		return "", fmt.Errorf("invalid hash length %d: %q", len(s), s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return Hash(hex.EncodeToString(raw)), nil
}

// IsValid reports whether h is a well-formed object id.
func (h Hash) IsValid() bool {
	_, err := ParseHash(string(h))
	return err == nil
}

// hashFromRaw encodes a 20-byte binary id as it appears in trees and pack
// indexes.
func hashFromRaw(raw []byte) (Hash, error) {
	if len(raw) != sha1.Size {
		return "", fmt.Errorf("invalid raw hash length: %d bytes", len(raw))
	}
	return Hash(hex.EncodeToString(raw)), nil
}

func hashToRaw(h Hash) ([]byte, error) {
	if len(h) != HashLen {
		return nil, fmt.Errorf("invalid hash length %d: %q", len(h), h)
	}
	return hex.DecodeString(string(h))
}
