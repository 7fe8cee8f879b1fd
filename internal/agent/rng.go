package agent

import (
	"cmp"
	"hash/fnv"
	"math/rand/v2"
	"slices"

	"basegraph.app/scheduler/internal/model"
)

// NewRNG builds the generator one agent run threads through its destroy/repair
// loop. The stream separates levels (and operational identities) that share a
// seed.
func NewRNG(seed uint64, level model.Level, id model.Id) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(level.String()))
	_, _ = h.Write([]byte(id))
	return rand.New(rand.NewPCG(seed, h.Sum64()))
}

// Sample picks up to k items from candidates. Candidates must arrive in a
// deterministic order for runs to be reproducible.
func Sample[T any](rng *rand.Rand, candidates []T, k int) []T {
	if k <= 0 || len(candidates) == 0 {
		return nil
	}
	pool := slices.Clone(candidates)
	rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if k > len(pool) {
		k = len(pool)
	}
	return pool[:k]
}

// RepairOrder shuffles items and then stably sorts them by descending weight,
// so equally weighted items are reinserted in a seeded random order.
func RepairOrder[T any](rng *rand.Rand, items []T, weight func(T) float64) []T {
	out := slices.Clone(items)
	rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	slices.SortStableFunc(out, func(a, b T) int {
		return cmp.Compare(weight(b), weight(a))
	})
	return out
}
