package canon

import "testing"

func TestHashKeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": map[string]any{"y": 1, "x": 2}}
	b := map[string]any{"c": map[string]any{"x": 2, "y": 1}, "a": 2, "b": 1}

	da, err := Hash(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	db, err := Hash(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if da != db {
		t.Fatalf("expected identical hashes for reordered keys, got %v != %v", da, db)
	}
}

func TestHashNumericNormalization(t *testing.T) {
	cases := []any{
		map[string]any{"n": 1},
		map[string]any{"n": 1.0},
	}
	var digests []Digest
	for _, c := range cases {
		d, err := Hash(c)
		if err != nil {
			t.Fatalf("hash: %v", err)
		}
		digests = append(digests, d)
	}
	if digests[0] != digests[1] {
		t.Fatalf("expected 1 and 1.0 to canonicalize identically, got %v != %v", digests[0], digests[1])
	}
}

func TestHashLowercaseHex(t *testing.T) {
	d, err := Hash("hello")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	for _, r := range d.Hex {
		if r >= 'A' && r <= 'Z' {
			t.Fatalf("expected lowercase hex digest, got %q", d.Hex)
		}
	}
}

func TestHashDeterministicAcrossArrayContents(t *testing.T) {
	v := []any{1, "two", map[string]any{"three": 3}}
	d1, err := Hash(v)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	d2, err := Hash(v)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("expected stable hash across repeated calls")
	}
}
