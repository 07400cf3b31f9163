package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"sockrpc/registry"
)

// ConsistentHashBalancer maps keys to instances on a hash ring with virtual
// nodes, so a peer keeps landing on the same hub until the hub set changes.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int // Virtual nodes per real instance

	mu    sync.Mutex
	sig   string                        // instance IDs the ring was built from
	ring  []uint32                      // Sorted hash values on the ring
	nodes map[uint32]*registry.Instance // Hash value → instance
}

// NewConsistentHashBalancer creates a ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.Instance),
	}
}

// Pick hashes key and walks clockwise to the first virtual node. The ring is
// rebuilt only when the instance set differs from the previous call.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.Instance) (*registry.Instance, error) {
	if len(instances) == 0 {
		return nil, registry.ErrNoInstances
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if sig := signature(instances); sig != b.sig {
		b.rebuild(instances)
		b.sig = sig
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	// Wrap around: if key's hash > all nodes, go to the first node
	if idx == len(b.ring) {
		idx = 0
	}
	inst := *b.nodes[b.ring[idx]]
	return &inst, nil
}

func (b *ConsistentHashBalancer) rebuild(instances []registry.Instance) {
	b.ring = b.ring[:0]
	b.nodes = make(map[uint32]*registry.Instance, len(instances)*b.replicas)
	for i := range instances {
		inst := instances[i]
		for r := 0; r < b.replicas; r++ {
			hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", inst.ID, r)))
			b.ring = append(b.ring, hash)
			b.nodes[hash] = &inst
		}
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

func signature(instances []registry.Instance) string {
	ids := make([]string, len(instances))
	for i, inst := range instances {
		ids[i] = inst.ID + "@" + inst.Addr
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
