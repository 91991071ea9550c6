package dataset

import (
	"math"
	"math/rand"
)

// SubSeed derives the shuffle seed for one class from the run seed, so the
// split of a class does not depend on the other classes.
func SubSeed(seed int64, classIndex int) int64 {
	z := uint64(seed) + uint64(classIndex+1)*0x9E3779B97F4A7C15
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return int64(z ^ (z >> 31))
}

// ValCount returns the validation share of n items: round(f*n), at least 1
// when n > 0 and never more than n.
func ValCount(n int, valFraction float64) int {
	if n <= 0 {
		return 0
	}
	k := int(math.Round(valFraction * float64(n)))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return k
}

// SplitFiles shuffles files with seed and splits them. The first ValCount
// entries of the permutation form the validation set, the rest the
// training set. The input slice is not modified.
func SplitFiles(files []string, valFraction float64, seed int64) (train, val []string) {
	shuffled := append([]string(nil), files...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	k := ValCount(len(shuffled), valFraction)
	return shuffled[k:], shuffled[:k]
}
