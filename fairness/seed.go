// Package fairness generates the per-round provably-fair audit artifacts:
// a random server seed, its SHA-256 reveal hash, and a seeded PRNG derived
// from it. None of this is part of the closed wire-protocol tag namespace —
// it exists purely for the operator-facing audit log and for the optional
// seeded explosion-formula strategy in package engine.
//
// Grounded on the teacher's crypto.GenerateServerSeed/VerifySeed and
// game.NewSeededRNG.
package fairness

import (
	cryptorand "crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math/rand"
)

// GenerateServerSeed returns a fresh random seed and its SHA-256 hash.
func GenerateServerSeed() (seed, hash string) {
	raw := make([]byte, 32)
	cryptorand.Read(raw)
	seed = hex.EncodeToString(raw)

	sum := sha256.Sum256([]byte(seed))
	hash = hex.EncodeToString(sum[:])
	return seed, hash
}

// VerifySeed reports whether seed hashes to hash.
func VerifySeed(seed, hash string) bool {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:]) == hash
}

// SeededRNG derives a deterministic PRNG from an arbitrary seed string, the
// same way the source's game.NewSeededRNG does: hash the seed, take the
// first 8 bytes as an int64 source.
func SeededRNG(seed string) *rand.Rand {
	sum := sha256.Sum256([]byte(seed))
	seedInt := int64(binary.BigEndian.Uint64(sum[:8]))
	return rand.New(rand.NewSource(seedInt))
}
