package dataset

import (
	"math/rand/v2"
	"sort"
)

// BalancerConfig configures class balancing.
type BalancerConfig struct {
	// AgeBinSize is the width of an age group in years.
	AgeBinSize int

	// MaxPerGroup is the number of examples every group is resampled to.
	// Zero means the size of the largest group.
	MaxPerGroup int

	Seed int64
}

type groupKey struct {
	gender int32
	bin    int32
}

// Balance groups examples by gender and age bin and resamples every group
// to the same size: larger groups are subsampled, smaller ones are
// oversampled with replacement after keeping each example once. The result
// depends only on the input order and the seed.
func Balance(examples []Example, cfg BalancerConfig) []Example {
	bin := int32(cfg.AgeBinSize)
	if bin <= 0 {
		bin = 1
	}
	groups := make(map[groupKey][]Example)
	for _, e := range examples {
		k := groupKey{gender: e.Gender, bin: e.Age / bin}
		groups[k] = append(groups[k], e)
	}
	keys := make([]groupKey, 0, len(groups))
	largest := 0
	for k, g := range groups {
		keys = append(keys, k)
		if len(g) > largest {
			largest = len(g)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].gender != keys[j].gender {
			return keys[i].gender < keys[j].gender
		}
		return keys[i].bin < keys[j].bin
	})

	target := cfg.MaxPerGroup
	if target <= 0 {
		target = largest
	}
	rng := newRand(cfg.Seed)
	out := make([]Example, 0, target*len(keys))
	for _, k := range keys {
		g := append([]Example(nil), groups[k]...)
		rng.Shuffle(len(g), func(i, j int) { g[i], g[j] = g[j], g[i] })
		if len(g) >= target {
			out = append(out, g[:target]...)
			continue
		}
		out = append(out, g...)
		for i := len(g); i < target; i++ {
			out = append(out, g[rng.IntN(len(g))])
		}
	}
	return out
}

func newRand(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), uint64(seed)>>1|1))
}
