package keepalive

import (
	"sort"
	"time"

	"github.com/khenidak/leasekeeper/pkg/types"
)

type leaseEntry struct {
	lease    types.Lease
	handle   *Handle
	interval time.Duration
	lastSent time.Time
}

// registry maps lease id to its tracked state. Only the supervisor
// loop reads or writes it.
type registry struct {
	leases map[int64]*leaseEntry
}

func newRegistry() *registry {
	return &registry{
		leases: make(map[int64]*leaseEntry),
	}
}

func (r *registry) get(id int64) *leaseEntry {
	return r.leases[id]
}

func (r *registry) add(e *leaseEntry) {
	r.leases[e.lease.ID] = e
}

func (r *registry) remove(id int64) {
	delete(r.leases, id)
}

func (r *registry) len() int {
	return len(r.leases)
}

// ids are sorted to keep resend order stable across reconnects
func (r *registry) ids() []int64 {
	all := make([]int64, 0, len(r.leases))
	for id := range r.leases {
		all = append(all, id)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return all
}

func (r *registry) snapshot() []types.Lease {
	all := make([]types.Lease, 0, len(r.leases))
	for _, id := range r.ids() {
		all = append(all, r.leases[id].lease)
	}
	return all
}
