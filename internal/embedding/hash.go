package embedding

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
)

// HashEngine is the deterministic fallback embedder. It derives a pseudo
// embedding from an HMAC-SHA256 keystream over the input text. Similarity is
// only meaningful for byte-identical inputs (which map to identical vectors),
// which is exactly what signature-cache lookup needs when no real embedding
// backend is reachable.
type HashEngine struct {
	secret     []byte
	dimensions int
}

// NewHashEngine creates a keyed-hash embedder with the given dimension.
func NewHashEngine(secret string, dimensions int) *HashEngine {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashEngine{
		secret:     []byte(secret),
		dimensions: dimensions,
	}
}

// Embed derives a unit-length pseudo embedding. Never fails.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dimensions)

	// Expand an HMAC keystream: block i = HMAC(secret, text || i).
	// Each 4-byte word maps to a component in [-1, 1).
	var counter [4]byte
	filled := 0
	for block := 0; filled < e.dimensions; block++ {
		binary.BigEndian.PutUint32(counter[:], uint32(block))
		mac := hmac.New(sha256.New, e.secret)
		mac.Write([]byte(text))
		mac.Write(counter[:])
		sum := mac.Sum(nil)

		for off := 0; off+4 <= len(sum) && filled < e.dimensions; off += 4 {
			word := binary.BigEndian.Uint32(sum[off : off+4])
			vec[filled] = float32(int32(word)) / float32(1<<31)
			filled++
		}
	}
	return vec, nil
}

// Dimensions returns the configured dimension.
func (e *HashEngine) Dimensions() int {
	return e.dimensions
}

// Name returns the engine name.
func (e *HashEngine) Name() string {
	return "hash-fallback"
}
