package cache

import (
	"math"
	"testing"
)

func TestFingerprint_Deterministic(t *testing.T) {
	params := map[string]any{"t": "2024-01-01T00:00", "scale": 2.0}

	fp1, err := Fingerprint("Load", params, "noaa", []string{"upstream-fp"})
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	fp2, err := Fingerprint("Load", params, "noaa", []string{"upstream-fp"})
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if fp1 != fp2 {
		t.Errorf("expected identical tuples to produce identical fingerprints, got %s != %s", fp1, fp2)
	}
}

func TestFingerprint_KeyOrderIndependent(t *testing.T) {
	p1 := map[string]any{"a": 1.0, "b": "x"}
	p2 := map[string]any{"b": "x", "a": 1.0}

	fp1, err := Fingerprint("Transform", p1, "prov", nil)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	fp2, err := Fingerprint("Transform", p2, "prov", nil)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if fp1 != fp2 {
		t.Error("map key order should not affect the fingerprint")
	}
}

func TestFingerprint_NumericNormalization(t *testing.T) {
	fpInt, err := Fingerprint("Scale", map[string]any{"factor": int(2)}, "prov", nil)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	fpFloat, err := Fingerprint("Scale", map[string]any{"factor": float64(2)}, "prov", nil)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}
	if fpInt != fpFloat {
		t.Error("equal numeric values of different Go types should fingerprint identically")
	}
}

func TestFingerprint_DifferentTuplesDiffer(t *testing.T) {
	base, err := Fingerprint("Load", map[string]any{"t": "a"}, "noaa", nil)
	if err != nil {
		t.Fatalf("Fingerprint() error = %v", err)
	}

	cases := []struct {
		name     string
		apiClass string
		params   map[string]any
		provider string
		upstream []string
	}{
		{"different api_class", "Transform", map[string]any{"t": "a"}, "noaa", nil},
		{"different params", "Load", map[string]any{"t": "b"}, "noaa", nil},
		{"different provider", "Load", map[string]any{"t": "a"}, "ecmwf", nil},
		{"different upstream", "Load", map[string]any{"t": "a"}, "noaa", []string{"x"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fp, err := Fingerprint(tc.apiClass, tc.params, tc.provider, tc.upstream)
			if err != nil {
				t.Fatalf("Fingerprint() error = %v", err)
			}
			if fp == base {
				t.Errorf("expected a different fingerprint for %s", tc.name)
			}
		})
	}
}

func TestFingerprint_RejectsNaN(t *testing.T) {
	nan := math.NaN()
	_, err := Fingerprint("Load", map[string]any{"x": nan}, "noaa", nil)
	if err != ErrNaNParam {
		t.Errorf("expected ErrNaNParam, got %v", err)
	}
}

func TestQuickHashAndShortHash(t *testing.T) {
	data := []byte("test data")

	hash := QuickHash(data)
	if len(hash) != 64 {
		t.Errorf("QuickHash length = %d, want 64", len(hash))
	}
	if QuickHash(data) != hash {
		t.Error("QuickHash should be deterministic")
	}

	short := ShortHash(data)
	if len(short) != 16 {
		t.Errorf("ShortHash length = %d, want 16", len(short))
	}
}
