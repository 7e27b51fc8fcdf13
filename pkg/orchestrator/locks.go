package orchestrator

import (
	"hash/fnv"
	"sync"
)

const lockStripes = 64

// keyedMutex serializes operations per transaction ID. Striping bounds memory
// while keeping contention across distinct transactions negligible.
type keyedMutex struct {
	stripes [lockStripes]sync.Mutex
}

// lock acquires the stripe for id and returns the unlock func.
func (k *keyedMutex) lock(id string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	m := &k.stripes[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}
