// services/fleet/internal/sim/scanner.go
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"

	"example.com/bpr/services/fleet/internal/core"
)

// RandomScanner emulates a WiFi radio roaming through a neighborhood of
// synthetic access points. Each device drifts through the pool so that
// consecutive scans share networks, which is what the signal-drift distance
// estimate feeds on.
type RandomScanner struct {
	mu       sync.Mutex
	rng      *rand.Rand
	pool     []core.Network
	position int
}

// NewRandomScanner creates a scanner over a pool of poolSize synthetic
// networks.
func NewRandomScanner(seed int64, poolSize int) *RandomScanner {
	rng := rand.New(rand.NewSource(seed))
	pool := make([]core.Network, poolSize)
	for i := range pool {
		pool[i] = core.Network{
			SSID:    fmt.Sprintf("net-%02d", i),
			BSSID:   fmt.Sprintf("02:00:00:%02x:%02x:%02x", rng.Intn(256), rng.Intn(256), i),
			Channel: 1 + rng.Intn(11),
		}
	}
	return &RandomScanner{rng: rng, pool: pool}
}

// Scan returns the networks visible from the current virtual position, with
// jittered signal strengths. The position drifts a little on every call.
func (s *RandomScanner) Scan(_ context.Context) ([]core.Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Drift forward, occasionally standing still.
	s.position = (s.position + s.rng.Intn(3)) % len(s.pool)

	visible := 3 + s.rng.Intn(5)
	out := make([]core.Network, 0, visible)
	for i := 0; i < visible; i++ {
		n := s.pool[(s.position+i)%len(s.pool)]
		// Closer networks are stronger; jitter models fading.
		n.RSSI = -40 - i*8 - s.rng.Intn(10)
		out = append(out, n)
	}
	return out, nil
}
