package utils

import "hash/fnv"

// StableBucket maps s onto [0, n) with FNV-1a so the same input always lands
// in the same bucket across processes. n of zero returns zero.
func StableBucket(s string, n uint64) uint64 {
	if n == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64() % n
}
