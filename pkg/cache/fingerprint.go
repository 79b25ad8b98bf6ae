package cache

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"golang.org/x/crypto/sha3"
)

// ErrNaNParam is returned by Fingerprint when a node's params contain a
// NaN float, which has no canonical binary representation.
var ErrNaNParam = fmt.Errorf("cache: NaN parameter value is not fingerprintable")

// Fingerprint computes the deterministic, 256-bit cache key of a node's
// semantic identity: its api_class, canonicalized params, provider name,
// and the ordered list of its upstream nodes' fingerprints. Two nodes with
// identical tuples always produce the same fingerprint; distinct tuples
// produce distinct fingerprints with overwhelming probability.
func Fingerprint(apiClass string, params map[string]any, provider string, upstream []string) (string, error) {
	h := sha3.New256()

	writeString(h, apiClass)
	writeString(h, provider)

	if err := writeParams(h, params); err != nil {
		return "", err
	}

	writeUint(h, uint64(len(upstream)))
	for _, fp := range upstream {
		writeString(h, fp)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeString writes a length-prefixed string so that concatenation of two
// fields is never ambiguous with a different split of the same bytes.
func writeString(h interface{ Write([]byte) (int, error) }, s string) {
	writeUint(h, uint64(len(s)))
	h.Write([]byte(s))
}

func writeUint(h interface{ Write([]byte) (int, error) }, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

// writeParams canonicalizes a params map: keys are sorted, numeric types are
// normalized to float64 (so 1 and 1.0 fingerprint identically, matching the
// value a JSON round-trip would have produced), and nested maps/slices
// recurse. NaN floats are rejected since they compare unequal to themselves
// and so have no meaningful cache-key semantics.
func writeParams(h interface{ Write([]byte) (int, error) }, v any) error {
	switch val := v.(type) {
	case nil:
		h.Write([]byte{tagNil})
	case map[string]any:
		h.Write([]byte{tagMap})
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeUint(h, uint64(len(keys)))
		for _, k := range keys {
			writeString(h, k)
			if err := writeParams(h, val[k]); err != nil {
				return err
			}
		}
	case []any:
		h.Write([]byte{tagSlice})
		writeUint(h, uint64(len(val)))
		for _, elem := range val {
			if err := writeParams(h, elem); err != nil {
				return err
			}
		}
	case string:
		h.Write([]byte{tagString})
		writeString(h, val)
	case bool:
		h.Write([]byte{tagBool})
		if val {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
	case float64:
		if math.IsNaN(val) {
			return ErrNaNParam
		}
		h.Write([]byte{tagNumber})
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(val))
		h.Write(buf[:])
	case int:
		return writeParams(h, float64(val))
	case int64:
		return writeParams(h, float64(val))
	case float32:
		return writeParams(h, float64(val))
	default:
		return fmt.Errorf("cache: unsupported param type %T", v)
	}
	return nil
}

// Type tags prefix each encoded value so that, e.g., the string "1" and the
// number 1 never collide in the byte stream despite both being short.
const (
	tagNil byte = iota
	tagMap
	tagSlice
	tagString
	tagBool
	tagNumber
)

// QuickHash is a general-purpose 256-bit digest of arbitrary bytes, for
// non-params hashing needs.
func QuickHash(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ShortHash is QuickHash truncated to 16 hex characters, for human-readable
// log lines and file-path segments where full collision resistance is not
// required.
func ShortHash(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
