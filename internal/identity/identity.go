// Package identity provides content-addressed ID generation for the run pipeline.
//
// Every durable object in the system is addressed by a deterministic hex
// SHA-256 digest so that independent processes agree on identity without
// coordination:
//
//   - SpecHash: content-address of a fully-instantiated generation request
//   - RunID: content-address of an (experiment, item, variant) slot
//   - ProviderIdempotencyKey: cost gate for provider calls
//   - PairTaskID: content-address of a canonical comparison pair
//
// This package operates on primitives (strings, ints) rather than domain
// types, making it reusable from the worker, the store, and tests alike.
package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"

	"github.com/gowebpki/jcs"
)

// HashLength is the length of every identity digest (hex-encoded SHA-256).
// Must match the database schema: runs.run_id CHAR(64).
const HashLength = 64

var (
	seedPattern = regexp.MustCompile(`^seed=(-?[0-9]+)$`)
	hexPattern  = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// SpecHashInput carries the fields that define a generation request.
// Optional fields are pointers; nil is preserved as JSON null in the
// canonical document, so switching a null field to a value changes the hash.
type SpecHashInput struct {
	Provider         string
	Model            string
	ModelVersion     *string
	RenderedPrompt   string
	ParamsJSON       string
	Seed             int64
	InputAudioSHA256 string
	RefImageSHA256   *string
}

// SpecHash computes the content-address of a generation request.
//
// The input fields are assembled into a JSON document with a fixed key set,
// canonicalized per RFC 8785 (sorted keys, no insignificant whitespace,
// canonical number form), and hashed. Two callers that agree on all fields
// produce the same digest; changing any field, including switching a null
// optional to a value, produces a different digest.
//
// Returns: 64-character lowercase hex string.
func SpecHash(in SpecHashInput) (string, error) {
	doc := map[string]any{
		"provider":           in.Provider,
		"model":              in.Model,
		"model_version":      nullable(in.ModelVersion),
		"rendered_prompt":    in.RenderedPrompt,
		"params_json":        in.ParamsJSON,
		"seed":               in.Seed,
		"input_audio_sha256": in.InputAudioSHA256,
		"ref_image_sha256":   nullable(in.RefImageSHA256),
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal spec document: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize spec document: %w", err)
	}

	return hashBytes(canonical), nil
}

// RunID computes the content-address of an (experiment, item, variant) slot.
//
// Formula: SHA256(experimentID | itemID | variantKey | specHash), parts
// joined by a pipe. None of the inputs may contain a pipe; experiment and
// item IDs are caller-chosen short identifiers and spec hashes are hex.
//
// Returns: 64-character lowercase hex string.
func RunID(experimentID, itemID, variantKey, specHash string) string {
	return hashString(experimentID + "|" + itemID + "|" + variantKey + "|" + specHash)
}

// ProviderIdempotencyKey computes the cost gate for a provider call.
//
// Formula: SHA256(provider | specHash). Two runs with the same provider and
// spec hash share the key, so the generation cost is incurred at most once
// across the cluster regardless of how many run slots reference it.
//
// Returns: 64-character lowercase hex string.
func ProviderIdempotencyKey(provider, specHash string) string {
	return hashString(provider + "|" + specHash)
}

// PairTaskID computes the content-address of a canonical comparison pair.
//
// Formula: SHA256(experimentID | leftRunID | rightRunID) with left < right
// in the canonical ordering. Content-addressed task IDs make repeated pair
// generation produce identical IDs for identical succeeded-run sets.
//
// Returns: 64-character lowercase hex string.
func PairTaskID(experimentID, leftRunID, rightRunID string) string {
	return hashString(experimentID + "|" + leftRunID + "|" + rightRunID)
}

// SHA256File computes the streaming digest of a file's bytes.
//
// Returns: 64-character lowercase hex string.
func SHA256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// SeedFromVariantKey derives a deterministic seed from a variant key.
//
// Keys of the form "seed=<signed decimal>" return that integer directly.
// Any other key (including decimals that overflow int64) falls back to the
// hash path: the first 4 bytes of SHA256(variantKey) interpreted as a
// big-endian unsigned integer. Deterministic across processes and OS.
func SeedFromVariantKey(variantKey string) int64 {
	if m := seedPattern.FindStringSubmatch(variantKey); m != nil {
		if n, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return n
		}
	}

	sum := sha256.Sum256([]byte(variantKey))

	return int64(binary.BigEndian.Uint32(sum[:4]))
}

// IsDigest reports whether s is a well-formed identity digest
// (64 lowercase hex characters).
func IsDigest(s string) bool {
	return hexPattern.MatchString(s)
}

func nullable(s *string) any {
	if s == nil {
		return nil
	}

	return *s
}

func hashString(input string) string {
	return hashBytes([]byte(input))
}

func hashBytes(input []byte) string {
	hash := sha256.Sum256(input)

	return hex.EncodeToString(hash[:])
}
