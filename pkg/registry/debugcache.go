package registry

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stateflowio/stateflow/pkg/fsm"
)

// debugCache remembers the last snapshot of recently evicted machines so
// operators inspecting a parked machine see its final in-memory picture
// without a provider round-trip. It only fills while observers are attached
// and is purged when the last observer detaches.
type debugCache struct {
	cache *lru.Cache[string, fsm.Snapshot]
}

func newDebugCache(size int) *debugCache {
	if size < 1 {
		size = 1024
	}
	c, _ := lru.New[string, fsm.Snapshot](size)
	return &debugCache{cache: c}
}

func (d *debugCache) remember(snap fsm.Snapshot) {
	d.cache.Add(snap.MachineID, snap)
}

func (d *debugCache) lookup(machineID string) (fsm.Snapshot, bool) {
	return d.cache.Get(machineID)
}

func (d *debugCache) forget(machineID string) {
	d.cache.Remove(machineID)
}

func (d *debugCache) purge() {
	d.cache.Purge()
}

func (d *debugCache) len() int {
	return d.cache.Len()
}
