package record

import "hash/fnv"

func hash(value string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(value))
	return h.Sum32()
}

// PartitionFor routes a shuffle key to one of numPartitions buckets.
// The hash is stable across processes so that re-executed producers
// write byte-equal buckets.
func PartitionFor(key string, numPartitions int) int {
	if numPartitions <= 0 {
		return 0
	}
	return int(hash(key) % uint32(numPartitions))
}
