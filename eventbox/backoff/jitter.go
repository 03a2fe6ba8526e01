package backoff

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"math/big"
	mrand "math/rand/v2"
	"time"
)

// maxShift caps the doubling in Exponential so the multiplier cannot
// overflow int64.
const maxShift = 32

// Exponential returns base * 2^attempt, saturating at the int64 ceiling.
// Negative attempts count as zero.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1 << attempt)
	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(int64(base) * multiplier)
}

// ExponentialWithJitter returns a random duration in [0, base * 2^attempt),
// the full-jitter variant of exponential backoff. Reconnect loops use it to
// keep herds of clients from retrying in lockstep.
func ExponentialWithJitter(base time.Duration, attempt int) time.Duration {
	return FullJitter(Exponential(base, attempt))
}

// FullJitter returns a random duration in [0, delay). Connection recovery
// uses it to spread reconnect storms across replicas; the retry Policy
// itself stays deterministic. Randomness comes from crypto/rand with a
// seeded PRNG fallback.
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	n, err := rand.Int(rand.Reader, big.NewInt(int64(delay)))
	if err != nil {
		return time.Duration(fallbackRand(int64(delay)))
	}

	return time.Duration(n.Int64())
}

// fallbackRand is used when crypto/rand.Int fails. rand.Read takes a
// different code path and may still succeed as a PRNG seed; if even that
// fails, the midpoint keeps jitter from stalling under entropy exhaustion.
func fallbackRand(maxValue int64) int64 {
	var seed [8]byte

	_, err := rand.Read(seed[:])
	if err != nil {
		return maxValue / 2
	}

	rng := mrand.New(
		mrand.NewPCG(binary.LittleEndian.Uint64(seed[:]), 0),
	) // #nosec G404 -- fallback when crypto/rand fails

	return rng.Int64N(maxValue)
}
