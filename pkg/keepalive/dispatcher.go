package keepalive

import (
	"time"

	"go.etcd.io/etcd/api/v3/etcdserverpb"

	"github.com/khenidak/leasekeeper/pkg/types"
)

// dispatch applies one keep-alive response. Correlation is by id only.
func (m *Manager) dispatch(resp *etcdserverpb.LeaseKeepAliveResponse, now time.Time) {
	// any well formed response proves the stream is healthy
	m.backoff.Reset()

	e := m.reg.get(resp.ID)
	if e == nil {
		// canceled locally while the request was in flight
		m.metrics.unknownResponses.Inc()
		m.log.V(4).Info("ignoring keep-alive response for untracked lease", "lease", resp.ID)
		return
	}

	if resp.TTL <= 0 {
		m.terminate(e, types.EventRevoked)
		return
	}

	e.lease.GrantedTTL = resp.TTL
	e.lease.Deadline = now.Add(m.ttlDuration(resp.TTL))
	e.lease.State = types.ActiveLease
	e.interval = renewInterval(m.ttlDuration(resp.TTL), m.minInterval)
	m.sched.schedule(resp.ID, now.Add(e.interval))
	m.metrics.renewalsAcked.Inc()

	m.log.V(6).Info("lease renewed", "lease", resp.ID, "ttl", resp.TTL)
	e.handle.publish(types.Event{
		Kind:     types.EventRenewed,
		ID:       resp.ID,
		TTL:      resp.TTL,
		Deadline: e.lease.Deadline,
	})
}

// terminate moves a lease to its final state exactly once and forgets it
func (m *Manager) terminate(e *leaseEntry, kind types.EventKind) {
	id := e.lease.ID
	switch kind {
	case types.EventExpired:
		e.lease.State = types.ExpiredLease
		m.metrics.expired.Inc()
	case types.EventRevoked:
		e.lease.State = types.RevokedLease
		m.metrics.revoked.Inc()
	}

	m.reg.remove(id)
	m.sched.remove(id)
	m.metrics.trackedLeases.Set(float64(m.reg.len()))

	m.log.Info("lease is no longer kept alive", "lease", id, "reason", kind.String())
	e.handle.finish(types.Event{
		Kind:     kind,
		ID:       id,
		TTL:      e.lease.GrantedTTL,
		Deadline: e.lease.Deadline,
	})
}

func (m *Manager) register(req *registerRequest) {
	if m.reg.get(req.id) != nil {
		req.reply <- registerResult{err: ErrLeaseTracked}
		return
	}

	now := time.Now()
	e := &leaseEntry{
		lease: types.Lease{
			ID:           req.id,
			State:        types.PendingLease,
			RequestedTTL: req.requestedTTL,
			GrantedTTL:   req.grantedTTL,
			Deadline:     now.Add(m.ttlDuration(req.grantedTTL)),
		},
		interval: renewInterval(m.ttlDuration(req.grantedTTL), m.minInterval),
		handle:   newHandle(req.id, m.cancels),
	}

	m.reg.add(e)
	m.sched.schedule(req.id, now.Add(e.interval))
	m.metrics.trackedLeases.Set(float64(m.reg.len()))
	m.log.V(2).Info("tracking lease", "lease", req.id, "ttl", req.grantedTTL, "interval", e.interval)

	req.reply <- registerResult{handle: e.handle}
}

// applyCancels forgets canceled leases. A cancel for a handle that is
// no longer the tracked one (already ended, or id registered again) is
// ignored.
func (m *Manager) applyCancels() {
	for _, h := range m.cancels.take() {
		e := m.reg.get(h.id)
		if e == nil || e.handle != h {
			continue
		}

		m.reg.remove(h.id)
		m.sched.remove(h.id)
		m.metrics.canceled.Inc()
		m.metrics.trackedLeases.Set(float64(m.reg.len()))
		m.log.V(2).Info("lease canceled", "lease", h.id)
		h.close()
	}
}
