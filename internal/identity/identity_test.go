// Package identity provides content-addressed ID generation for the run pipeline.
package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ==============================================================================
// Unit Tests: Spec Hash
// ==============================================================================

func specInput() SpecHashInput {
	return SpecHashInput{
		Provider:         "mock",
		Model:            "mock-v1",
		ModelVersion:     nil,
		RenderedPrompt:   "Generate a talking head video.",
		ParamsJSON:       `{"quality":"demo"}`,
		Seed:             42,
		InputAudioSHA256: strings.Repeat("a", 64),
		RefImageSHA256:   nil,
	}
}

func TestSpecHash_Deterministic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h1, err := SpecHash(specInput())
	if err != nil {
		t.Fatalf("SpecHash() error: %v", err)
	}

	h2, err := SpecHash(specInput())
	if err != nil {
		t.Fatalf("SpecHash() error: %v", err)
	}

	if h1 != h2 {
		t.Errorf("SpecHash() not deterministic: %s vs %s", h1, h2)
	}
}

func TestSpecHash_Format(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	h, err := SpecHash(specInput())
	if err != nil {
		t.Fatalf("SpecHash() error: %v", err)
	}

	if len(h) != HashLength {
		t.Errorf("SpecHash() returned %d chars, expected %d", len(h), HashLength)
	}

	if !IsDigest(h) {
		t.Errorf("SpecHash() returned non-hex string: %s", h)
	}
}

func TestSpecHash_EveryFieldChangesDigest(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	base, err := SpecHash(specInput())
	if err != nil {
		t.Fatalf("SpecHash() error: %v", err)
	}

	version := "2024.1"
	ref := strings.Repeat("b", 64)

	mutations := map[string]func(*SpecHashInput){
		"provider":           func(in *SpecHashInput) { in.Provider = "real" },
		"model":              func(in *SpecHashInput) { in.Model = "mock-v2" },
		"model_version":      func(in *SpecHashInput) { in.ModelVersion = &version },
		"rendered_prompt":    func(in *SpecHashInput) { in.RenderedPrompt = "Different prompt." },
		"params_json":        func(in *SpecHashInput) { in.ParamsJSON = `{"quality":"high"}` },
		"seed":               func(in *SpecHashInput) { in.Seed = 43 },
		"input_audio_sha256": func(in *SpecHashInput) { in.InputAudioSHA256 = strings.Repeat("c", 64) },
		"ref_image_sha256":   func(in *SpecHashInput) { in.RefImageSHA256 = &ref },
	}

	for field, mutate := range mutations {
		in := specInput()
		mutate(&in)

		h, err := SpecHash(in)
		if err != nil {
			t.Fatalf("SpecHash() error for mutated %s: %v", field, err)
		}

		if h == base {
			t.Errorf("changing %s did not change the digest", field)
		}
	}
}

func TestSpecHash_NullVersusEmptyString(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// A null optional and an empty-string optional are distinct documents.
	withNil := specInput()

	empty := ""
	withEmpty := specInput()
	withEmpty.ModelVersion = &empty

	h1, err := SpecHash(withNil)
	if err != nil {
		t.Fatalf("SpecHash() error: %v", err)
	}

	h2, err := SpecHash(withEmpty)
	if err != nil {
		t.Fatalf("SpecHash() error: %v", err)
	}

	if h1 == h2 {
		t.Error("null and empty-string model_version produced the same digest")
	}
}

// ==============================================================================
// Unit Tests: Run ID and Idempotency Key
// ==============================================================================

func TestRunID_Deterministic(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	specHash := strings.Repeat("d", 64)

	id1 := RunID("exp-1", "item-1", "seed=42", specHash)
	id2 := RunID("exp-1", "item-1", "seed=42", specHash)

	if id1 != id2 {
		t.Errorf("RunID() not deterministic: %s vs %s", id1, id2)
	}

	if !IsDigest(id1) {
		t.Errorf("RunID() returned non-digest: %s", id1)
	}
}

func TestRunID_DistinctPerSlot(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	specHash := strings.Repeat("d", 64)
	base := RunID("exp-1", "item-1", "seed=42", specHash)

	variants := []string{
		RunID("exp-2", "item-1", "seed=42", specHash),
		RunID("exp-1", "item-2", "seed=42", specHash),
		RunID("exp-1", "item-1", "seed=43", specHash),
		RunID("exp-1", "item-1", "seed=42", strings.Repeat("e", 64)),
	}

	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d produced the same run ID as the base slot", i)
		}
	}
}

func TestProviderIdempotencyKey_SharedAcrossExperiments(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// The cost gate depends only on (provider, spec_hash): two experiments
	// with identical specs share one key and thus one provider charge.
	specHash := strings.Repeat("f", 64)

	k1 := ProviderIdempotencyKey("mock", specHash)
	k2 := ProviderIdempotencyKey("mock", specHash)

	if k1 != k2 {
		t.Errorf("ProviderIdempotencyKey() not deterministic: %s vs %s", k1, k2)
	}

	if ProviderIdempotencyKey("real", specHash) == k1 {
		t.Error("different providers produced the same idempotency key")
	}
}

func TestPairTaskID_OrderSensitive(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	left := strings.Repeat("1", 64)
	right := strings.Repeat("2", 64)

	id1 := PairTaskID("exp-1", left, right)
	id2 := PairTaskID("exp-1", left, right)

	if id1 != id2 {
		t.Errorf("PairTaskID() not deterministic: %s vs %s", id1, id2)
	}

	// Callers canonicalize the pair before deriving the ID; the function
	// itself distinguishes orderings.
	if PairTaskID("exp-1", right, left) == id1 {
		t.Error("swapped pair produced the same task ID")
	}
}

// ==============================================================================
// Unit Tests: Seed Derivation
// ==============================================================================

func TestSeedFromVariantKey_ExplicitSeed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if got := SeedFromVariantKey("seed=42"); got != 42 {
		t.Errorf("SeedFromVariantKey(\"seed=42\") = %d, expected 42", got)
	}

	if got := SeedFromVariantKey("seed=-1"); got != -1 {
		t.Errorf("SeedFromVariantKey(\"seed=-1\") = %d, expected -1", got)
	}

	if got := SeedFromVariantKey("seed=0"); got != 0 {
		t.Errorf("SeedFromVariantKey(\"seed=0\") = %d, expected 0", got)
	}
}

func TestSeedFromVariantKey_HashFallback(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Non-numeric suffix falls back to the hash path.
	got := SeedFromVariantKey("seed=abc")
	if got < 0 {
		t.Errorf("hash-path seed must be a non-negative uint32 value, got %d", got)
	}

	if again := SeedFromVariantKey("seed=abc"); again != got {
		t.Errorf("hash-path seed not deterministic: %d vs %d", got, again)
	}

	// Distinct keys land on distinct seeds for these fixtures.
	if SeedFromVariantKey("voice=alt") == SeedFromVariantKey("voice=base") {
		t.Error("distinct variant keys collided on the hash path")
	}
}

func TestSeedFromVariantKey_OverflowFallsBack(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// A decimal that overflows int64 takes the hash path rather than failing.
	got := SeedFromVariantKey("seed=99999999999999999999999999")
	if got < 0 {
		t.Errorf("overflow fallback must be a non-negative uint32 value, got %d", got)
	}
}

// ==============================================================================
// Unit Tests: File Hashing
// ==============================================================================

func TestSHA256File_KnownDigest(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, []byte("hello world"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	got, err := SHA256File(path)
	if err != nil {
		t.Fatalf("SHA256File() error: %v", err)
	}

	const want = "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Errorf("SHA256File() = %s, expected %s", got, want)
	}
}

func TestSHA256File_MissingFile(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if _, err := SHA256File(filepath.Join(t.TempDir(), "absent.bin")); err == nil {
		t.Error("SHA256File() expected error for missing file")
	}
}

// ==============================================================================
// Unit Tests: Artifact Paths
// ==============================================================================

func TestArtifactPaths_Layout(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	runID := strings.Repeat("a", 64)

	if got, want := CanonPath("/data", runID), filepath.Join("/data", "runs", runID, "output_canon.mp4"); got != want {
		t.Errorf("CanonPath() = %s, expected %s", got, want)
	}

	if got, want := RawDir("/data", runID), filepath.Join("/data", "runs", runID, "raw"); got != want {
		t.Errorf("RawDir() = %s, expected %s", got, want)
	}

	if got, want := CanonURI(runID), "runs/"+runID+"/output_canon.mp4"; got != want {
		t.Errorf("CanonURI() = %s, expected %s", got, want)
	}
}

func TestIsDigest(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	if !IsDigest(strings.Repeat("0", 64)) {
		t.Error("IsDigest() rejected a valid digest")
	}

	invalid := []string{
		"",
		strings.Repeat("0", 63),
		strings.Repeat("0", 65),
		strings.Repeat("G", 64),
		strings.Repeat("A", 64), // uppercase hex is not canonical
		"../../../etc/passwd",
	}

	for _, s := range invalid {
		if IsDigest(s) {
			t.Errorf("IsDigest(%q) accepted an invalid digest", s)
		}
	}
}
