package sharded

import "hash/fnv"

// DefaultShards is the shard count used by the scanner. It must stay a power of two.
const DefaultShards = 64

// shardIndex picks the shard for key with FNV-1a. numShards must be a power
// of two so the modulus reduces to a mask.
func shardIndex(key string, numShards int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() & uint32(numShards-1))
}

func isPowerOfTwo(n int) bool {
	return n > 0 && (n&(n-1)) == 0
}
