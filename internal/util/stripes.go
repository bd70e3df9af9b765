package util

import (
	"math/bits"
	"runtime"
)

// IsPowerOfTwo reports whether x is a power of two (> 0).
func IsPowerOfTwo(x uint64) bool { return x != 0 && x&(x-1) == 0 }

// NextPow2 returns the smallest power of two >= x; 0 and 1 map to 1 and
// values above 1<<63 clamp to 1<<63.
func NextPow2(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	n := bits.Len64(x - 1)
	if n >= 64 {
		return 1 << 63
	}
	return 1 << n
}

// ReasonableStripeCount returns the lock stripe count: 2*GOMAXPROCS rounded
// up to a power of two, at most 256.
func ReasonableStripeCount() int {
	n := int(NextPow2(uint64(max(runtime.GOMAXPROCS(0), 1) * 2)))
	return min(n, 256)
}

// Index maps a 64-bit hash to a slot in [0, n): a mask for power-of-two n,
// modulo otherwise, so node counts need not be powers of two.
func Index(hash uint64, n int) int {
	switch {
	case n <= 1:
		return 0
	case IsPowerOfTwo(uint64(n)):
		return int(hash & uint64(n-1))
	default:
		return int(hash % uint64(n))
	}
}
