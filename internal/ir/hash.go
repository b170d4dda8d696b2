package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
)

// Domain prefixes for content hashes. The version suffix allows the
// encoding to change without colliding with old fingerprints.
const (
	DomainHierarchy = "treesync/hierarchy/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// OrderBits encodes a sort key as its IEEE-754 bit pattern so it can pass
// through canonical JSON without float formatting ambiguity.
func OrderBits(o float64) uint64 {
	return math.Float64bits(o)
}

// Fingerprint hashes a hierarchy given as parent -> ordered children.
// Two structures have the same fingerprint iff they hold the same parents,
// the same children in the same order, with bit-identical sort keys.
func Fingerprint(children map[string][]Child) (string, error) {
	obj := make(map[string]any, len(children))
	for parent, list := range children {
		arr := make([]any, len(list))
		for i, c := range list {
			arr[i] = []any{c.ID, OrderBits(c.Order)}
		}
		obj[parent] = arr
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %w", err)
	}
	return hashWithDomain(DomainHierarchy, canonical), nil
}
