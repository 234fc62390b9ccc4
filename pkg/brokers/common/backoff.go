package common

import (
	"math/rand"
	"time"
)

// Backoff computes the delay before retry attempt n (1-based): base * 2^(n-1),
// capped at cap, plus up to jitter of random spread. Negative or zero attempts
// return the base delay.
func Backoff(attempt int, base, cap, jitter time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	// 2^62ns already exceeds any sane cap; avoid shifting into overflow.
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}

	d := base * time.Duration(1<<shift)
	if cap > 0 && d > cap {
		d = cap
	}
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter)))
	}
	return d
}
