package ports

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestPoolOccupancyReturnsToBaseline verifies that for any sequence of
// acquires followed by releases (including duplicate releases), the pool
// returns to full availability and no port is ever handed out twice.
func TestPoolOccupancyReturnsToBaseline(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("acquire/release round trip restores baseline", prop.ForAll(
		func(size int, acquires int, doubleRelease bool) bool {
			pool, err := NewPool(30000, 30000+size-1)
			if err != nil {
				return false
			}

			seen := make(map[int]bool)
			var leases []*Lease
			for i := 0; i < acquires; i++ {
				lease, err := pool.Acquire()
				if err != nil {
					// Only legitimate when the pool is drained.
					if pool.Available() != 0 {
						return false
					}
					break
				}
				if seen[lease.Port()] {
					return false // same port handed out twice
				}
				seen[lease.Port()] = true
				leases = append(leases, lease)
			}

			for _, lease := range leases {
				lease.Release()
				if doubleRelease {
					lease.Release()
				}
			}

			return pool.Available() == pool.Size()
		},
		gen.IntRange(1, 64),
		gen.IntRange(0, 128),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestPoolExhaustion verifies the distinct exhaustion error surfaces once
// every slot is taken and clears after a single release.
func TestPoolExhaustion(t *testing.T) {
	pool, err := NewPool(40000, 40003)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	var leases []*Lease
	for i := 0; i < 4; i++ {
		lease, err := pool.Acquire()
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		leases = append(leases, lease)
	}

	if _, err := pool.Acquire(); err != ErrExhausted {
		t.Fatalf("expected ErrExhausted, got %v", err)
	}

	leases[2].Release()
	lease, err := pool.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if lease.Port() != 40002 {
		t.Fatalf("expected released port 40002, got %d", lease.Port())
	}
}
