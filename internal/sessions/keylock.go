package sessions

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// keyedMutex serializes read-modify-write cycles per session key. The
// backing store's atomic GetDel covers single-use consumption across
// processes; this lock covers multi-step transitions within one process.
type keyedMutex struct {
	shards [lockShards]sync.Mutex
}

// lock acquires the shard for key and returns its unlock func.
func (k *keyedMutex) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.shards[h.Sum32()%lockShards]
	m.Lock()
	return m.Unlock
}
