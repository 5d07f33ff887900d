package engine

import "hash/fnv"

// fnv1a32 hashes s with 32-bit FNV-1a over its UTF-8 bytes.
func fnv1a32(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// Bucket maps an identity to a stable bucket in 1..100 for one flag.
// The flag key is part of the hash input so the same identity does not
// occupy the same bucket across flags.
func Bucket(identity, flagKey string) int {
	return int(fnv1a32(identity+":"+flagKey)%100) + 1
}

// InRollout reports whether the identity falls inside a percentage rollout.
// pct 100 admits everyone without hashing; pct 0 (or less) admits no one.
func InRollout(identity, flagKey string, pct int) bool {
	if pct >= 100 {
		return true
	}
	if pct <= 0 {
		return false
	}
	return Bucket(identity, flagKey) <= pct
}

// ChooseVariant walks the variations in declared order, accumulating
// weights, and returns the first one whose cumulative weight reaches the
// identity's bucket. If the weights sum below the bucket (underflow) it
// returns nil and the caller falls back to the default variant.
func ChooseVariant(identity, flagKey string, variations []Variation) *Variation {
	if len(variations) == 0 {
		return nil
	}

	bucket := Bucket(identity, flagKey)
	cumulative := 0
	for i := range variations {
		cumulative += variations[i].Weight
		if bucket <= cumulative {
			return &variations[i]
		}
	}

	return nil
}
