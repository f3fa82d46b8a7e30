// Package canon implements the one canonicalization-and-hash function
// every integrity field in Decision Gate is built from: spec hashes,
// evidence hashes, file hashes, and runpack root hashes all come from
// Hash.
package canon

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
)

// Digest is a content hash: an algorithm name and a lowercase hex digest.
type Digest struct {
	Algorithm string `json:"algorithm"`
	Hex       string `json:"hex_digest"`
}

// String renders the digest as "algorithm:hex".
func (d Digest) String() string {
	return d.Algorithm + ":" + d.Hex
}

// Hash canonicalizes v to JSON (sorted object keys, no insignificant
// whitespace, normalized numerics) and returns its sha256 digest.
func Hash(v any) (Digest, error) {
	raw, err := Marshal(v)
	if err != nil {
		return Digest{}, fmt.Errorf("canon: marshal: %w", err)
	}
	sum := sha256.Sum256(raw)
	return Digest{Algorithm: "sha256", Hex: hex.EncodeToString(sum[:])}, nil
}

// HashBytes hashes already-canonical bytes directly, for callers that
// hold a pre-serialized artifact (e.g. a file read back off disk).
func HashBytes(raw []byte) Digest {
	sum := sha256.Sum256(raw)
	return Digest{Algorithm: "sha256", Hex: hex.EncodeToString(sum[:])}
}

// Marshal produces the canonical JSON encoding of v: object keys sorted
// lexicographically, no insignificant whitespace, and numeric tokens
// normalized through big.Float so that 1.0 and 1 and 1e0 all collapse to
// the same representation.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canon: decode for canonicalization: %w", err)
	}
	normalized := normalize(generic)
	return encode(normalized)
}

// normalize walks a decoded JSON value, converting json.Number into a
// canonical numeric string and leaving maps/slices/scalars otherwise
// untouched. Canonical key ordering is applied at encode time.
func normalize(v any) any {
	switch t := v.(type) {
	case json.Number:
		return normalizeNumber(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}

// normalizeNumber renders a JSON number in a canonical decimal form:
// integral values with no fractional part are emitted without a
// decimal point; all values go through big.Float so that equivalent
// numeric literals ("1", "1.0", "1e0") canonicalize identically.
func normalizeNumber(n json.Number) canonicalNumber {
	return canonicalNumber(n)
}

// canonicalNumber is a json.Number wrapper that marshals through
// normalized big.Float/big.Int formatting instead of passing the raw
// literal through.
type canonicalNumber string

func (c canonicalNumber) canonicalLiteral() (string, error) {
	s := string(c)
	bf, _, err := big.ParseFloat(s, 10, 200, big.ToNearestEven)
	if err != nil {
		return "", fmt.Errorf("canon: invalid numeric literal %q: %w", s, err)
	}
	if bf.IsInt() {
		bi, _ := bf.Int(nil)
		return bi.String(), nil
	}
	return bf.Text('g', -1), nil
}

// encode serializes a normalized value to canonical JSON bytes.
func encode(v any) ([]byte, error) {
	var buf []byte
	b, err := encodeValue(v, buf)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func encodeValue(v any, buf []byte) ([]byte, error) {
	switch t := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if t {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case canonicalNumber:
		lit, err := t.canonicalLiteral()
		if err != nil {
			return nil, err
		}
		return append(buf, lit...), nil
	case string:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return append(buf, raw...), nil
	case []any:
		buf = append(buf, '[')
		for i, elem := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = encodeValue(elem, buf)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf, err = encodeValue(t[k], buf)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	default:
		return nil, fmt.Errorf("canon: unsupported value of type %T", v)
	}
}
