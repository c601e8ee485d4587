package wsdriver

import (
	"crypto/sha256"
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// deterministicDelay reproduces the teacher's internal/attractor/engine/
// backoff.go DelayForAttempt jitter technique (sha256-seeded, mapped to
// [0.5,1.5]) as a test-only helper for reproducing a fixed reconnect delay
// sequence, independent of the production cenkalti/backoff ticker used by
// Driver.Run.
func deterministicDelay(attempt int, initialMS, maxMS int, factor float64, seed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(initialMS) * math.Pow(factor, float64(attempt-1))
	if maxMS > 0 && base > float64(maxMS) {
		base = float64(maxMS)
	}
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	unit := float64(u) / float64(^uint64(0))
	base *= 0.5 + unit
	return time.Duration(base * float64(time.Millisecond))
}

func TestDeterministicDelaySequenceIsReproducible(t *testing.T) {
	a := deterministicDelay(3, 200, 60_000, 2.0, "run1:driverA:3")
	b := deterministicDelay(3, 200, 60_000, 2.0, "run1:driverA:3")
	require.Equal(t, a, b, "same seed must produce the same delay")

	c := deterministicDelay(3, 200, 60_000, 2.0, "run1:driverA:4")
	require.NotEqual(t, a, c, "different attempt must change the seed and therefore the delay")
}

func TestDeterministicDelayCappedAtMax(t *testing.T) {
	d := deterministicDelay(20, 200, 1000, 2.0, "seed")
	require.LessOrEqual(t, d, time.Duration(1500)*time.Millisecond, "jitter may push up to 1.5x the capped base")
}
