package client

import (
	"fmt"
	"sort"

	"github.com/spaolacci/murmur3"
)

// defaultVirtualNodes is the number of ring positions per server.
const defaultVirtualNodes = 150

type vnode struct {
	hash uint64 // position on the ring
	addr string // owning server
}

// hashRing maps keys to servers by consistent hashing with virtual nodes.
type hashRing struct {
	vnodes       []vnode // sorted by hash
	addrs        map[string]struct{}
	virtualCount int
}

func newHashRing(virtualNodes int) *hashRing {
	if virtualNodes < 1 {
		virtualNodes = defaultVirtualNodes
	}
	return &hashRing{
		addrs:        make(map[string]struct{}),
		virtualCount: virtualNodes,
	}
}

func hashKey(key string) uint64 {
	return murmur3.Sum64([]byte(key))
}

func (r *hashRing) add(addr string) {
	if _, exists := r.addrs[addr]; exists {
		return
	}
	r.addrs[addr] = struct{}{}

	for i := 0; i < r.virtualCount; i++ {
		r.vnodes = append(r.vnodes, vnode{
			hash: hashKey(fmt.Sprintf("%s#vnode%d", addr, i)),
			addr: addr,
		})
	}
	sort.Slice(r.vnodes, func(i, j int) bool {
		return r.vnodes[i].hash < r.vnodes[j].hash
	})
}

// owner returns the server responsible for key.
func (r *hashRing) owner(key string) (string, bool) {
	if len(r.vnodes) == 0 {
		return "", false
	}

	h := hashKey(key)
	idx := sort.Search(len(r.vnodes), func(i int) bool {
		return r.vnodes[i].hash >= h
	})
	// Wrap around.
	if idx >= len(r.vnodes) {
		idx = 0
	}
	return r.vnodes[idx].addr, true
}

// share returns the fraction of the hash space each server owns.
func (r *hashRing) share() map[string]float64 {
	if len(r.vnodes) == 0 {
		return nil
	}

	owned := make(map[string]float64, len(r.addrs))
	prev := r.vnodes[len(r.vnodes)-1].hash
	for _, vn := range r.vnodes {
		// Unsigned subtraction handles the wrap from the last vnode.
		owned[vn.addr] += float64(vn.hash-prev) / (1 << 64)
		prev = vn.hash
	}
	if len(r.vnodes) == 1 {
		for a := range owned {
			owned[a] = 1
		}
	}
	return owned
}
