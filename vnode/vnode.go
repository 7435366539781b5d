// Package vnode implements one Chord ring participant (spec §3 "VirtualNode"
// and §4.3): the mutable state a node carries, the server-side handlers that
// answer inbound RPCs as pure functions of that state, and the periodic
// stabilization sweep that keeps predecessor, successor, finger table and
// swarm converging without any global membership list.
package vnode

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/mod/chordswarm/id"
	"github.com/mod/chordswarm/remotenode"
	"github.com/mod/chordswarm/wire"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	set "gopkg.in/fatih/set.v0"
)

// Router is the ring-wide routing primitive a VirtualNode calls out through
// during stabilization. It is an interface, not a concrete pool reference,
// to break a reference cycle: the pool owns VirtualNodes and VirtualNodes
// route through the pool, so neither package may import the concrete type
// of the other.
type Router interface {
	FindNodeBelowOrEqual(ctx context.Context, query id.Id) (remotenode.RemoteNode, error)
}

// Config bundles stabilization knobs. See package config for the process
// defaults that populate this.
type Config struct {
	TStab      time.Duration // base stabilization period, jittered ±20%
	FingerFanout int         // bounded concurrency for finger refresh
}

// VirtualNode is one ring participant. All mutable fields are guarded by
// mu; the stabilization loop and inbound RPC handlers are the two producers
// that must be serialized against each other.
type VirtualNode struct {
	ID        id.Id
	self      remotenode.RemoteNode
	requester remotenode.Requester
	router    Router
	cfg       Config
	log       log15.Logger

	mu          sync.Mutex
	value       []byte
	predecessor *remotenode.RemoteNode
	successor   *remotenode.RemoteNode
	fingers     [id.M]*remotenode.RemoteNode
	swarm       *set.Set // members other than self; self is implicit (spec §3)

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// newBase constructs the shared skeleton for both lifecycle modes (spec §3
// "Lifecycle").
func newBase(nodeID id.Id, localAddr wire.Address, requester remotenode.Requester, router Router, cfg Config) *VirtualNode {
	if cfg.FingerFanout <= 0 {
		cfg.FingerFanout = 16
	}
	return &VirtualNode{
		ID:        nodeID,
		self:      remotenode.New(nodeID, localAddr),
		requester: requester,
		router:    router,
		cfg:       cfg,
		log:       log15.New("module", "vnode", "id", nodeID.String()[:12]),
		swarm:     set.New(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// NewHost creates a VirtualNode in host mode: id = hash(value), the value is
// present from birth, and the swarm starts as {self} (spec §3, §4.5 host).
func NewHost(value []byte, localAddr wire.Address, requester remotenode.Requester, router Router, cfg Config) *VirtualNode {
	nodeID := id.Hash(value)
	v := newBase(nodeID, localAddr, requester, router, cfg)
	v.value = value
	return v
}

// NewJoin creates a VirtualNode in join mode: id is supplied, value is
// absent, and stabilization will eventually pull content from the swarm
// (spec §3, §4.5 join).
func NewJoin(nodeID id.Id, localAddr wire.Address, requester remotenode.Requester, router Router, cfg Config) *VirtualNode {
	return newBase(nodeID, localAddr, requester, router, cfg)
}

// Self returns this node's own descriptor.
func (v *VirtualNode) Self() remotenode.RemoteNode { return v.self }

// Value returns the node's content and whether it has been set.
func (v *VirtualNode) Value() ([]byte, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value, v.value != nil
}

// Snapshot is a read-only view of a VirtualNode's state, for diagnostics.
type Snapshot struct {
	ID          id.Id
	HasValue    bool
	Predecessor *remotenode.RemoteNode
	Successor   *remotenode.RemoteNode
	SwarmSize   int
}

// Snapshot takes a consistent point-in-time read of the node's state.
func (v *VirtualNode) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Snapshot{
		ID:          v.ID,
		HasValue:    v.value != nil,
		Predecessor: v.predecessor,
		Successor:   v.successor,
		SwarmSize:   v.swarm.Size(),
	}
}

// Start launches the stabilization loop in its own goroutine (spec §5
// "each VirtualNode owns one logical stabilization task").
func (v *VirtualNode) Start(ctx context.Context) {
	go v.stabilizeLoop(ctx)
}

// Stop cancels the stabilization task at its next suspension point and
// waits for it to exit (spec §5 "Cancellation").
func (v *VirtualNode) Stop() {
	v.stopOnce.Do(func() { close(v.stopCh) })
	<-v.doneCh
}

// OnPing answers PingRequest (spec §4.3 on_ping). The response carries no
// payload; this exists mainly so the dispatch table has a uniform shape.
func (v *VirtualNode) OnPing() {}

// OnGetNode implements get_node(query_id) (spec §4.3): the closest known
// RemoteNode with id in (…, query_id] reachable from this node's local
// state. The predecessor-tested-twice redundancy noted in spec §9's open
// questions is normalized away here; a finger equal to self is skipped
// rather than ever being offered as an answer.
func (v *VirtualNode) OnGetNode(queryID id.Id) remotenode.RemoteNode {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.predecessor != nil && id.InHalfOpenRight(queryID, v.predecessor.ID, v.ID) {
		return *v.predecessor
	}
	for k := id.M - 1; k >= 0; k-- {
		f := v.fingers[k]
		if f == nil || f.ID == v.ID {
			continue
		}
		if id.InHalfOpenRight(queryID, f.ID, v.ID) {
			return *f
		}
	}
	return v.self
}

// OnGetSwarm answers GetSwarmRequest with the current swarm, self included
// (spec §4.3 on_get_swarm).
func (v *VirtualNode) OnGetSwarm() []remotenode.RemoteNode {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]remotenode.RemoteNode, 0, v.swarm.Size()+1)
	out = append(out, v.self)
	v.swarm.Each(func(item interface{}) bool {
		out = append(out, item.(remotenode.RemoteNode))
		return true
	})
	return out
}

// OnGetContent answers GetContentRequest with node_value, or nil if absent
// (spec §4.3 on_get_content).
func (v *VirtualNode) OnGetContent() []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

func (v *VirtualNode) swarmMembersLocked() []remotenode.RemoteNode {
	out := make([]remotenode.RemoteNode, 0, v.swarm.Size())
	v.swarm.Each(func(item interface{}) bool {
		out = append(out, item.(remotenode.RemoteNode))
		return true
	})
	return out
}

func (v *VirtualNode) stabilizeLoop(ctx context.Context) {
	defer close(v.doneCh)
	for {
		select {
		case <-time.After(jitter(v.cfg.TStab)):
		case <-v.stopCh:
			return
		case <-ctx.Done():
			return
		}

		stepCtx, cancel := context.WithTimeout(ctx, v.cfg.TStab)
		v.stabilizeOnce(stepCtx)
		cancel()

		select {
		case <-v.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
	}
}

// stabilizeOnce runs the six ordered steps of spec §4.3 exactly once.
// Steps run strictly in order within one node; a lock is taken and released
// per-step so inbound handlers see a consistent snapshot at each step
// boundary, never a half-updated one (spec §5 "Ordering").
func (v *VirtualNode) stabilizeOnce(ctx context.Context) {
	v.refreshPredecessor(ctx)
	v.refreshFingers(ctx)
	v.searchSuccessor(ctx)
	v.discoverSwarm(ctx)
	v.refreshSwarm(ctx)
	v.pullContent(ctx)
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	delta := float64(base) * 0.2
	offset := (rand.Float64()*2 - 1) * delta
	return base + time.Duration(offset)
}

func (v *VirtualNode) refreshPredecessor(ctx context.Context) {
	n, err := v.router.FindNodeBelowOrEqual(ctx, v.ID.PrevOf())
	if err != nil {
		v.log.Debug("predecessor refresh failed", "err", err)
		return
	}
	v.mu.Lock()
	v.predecessor = &n
	v.mu.Unlock()
}

func (v *VirtualNode) refreshFingers(ctx context.Context) {
	results := make([]*remotenode.RemoteNode, id.M)
	sem := semaphore.NewWeighted(int64(v.cfg.FingerFanout))
	g, _ := errgroup.WithContext(ctx)

	for k := 0; k < id.M; k++ {
		k := k
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			target := v.ID.Add(id.PowerOfTwo(k))
			n, err := v.router.FindNodeBelowOrEqual(ctx, target)
			if err != nil {
				v.log.Debug("finger refresh failed", "k", k, "err", err)
				return nil
			}
			results[k] = &n
			return nil
		})
	}
	_ = g.Wait()

	v.mu.Lock()
	for k, n := range results {
		if n != nil {
			v.fingers[k] = n
		}
	}
	v.mu.Unlock()
}

// searchSuccessor walks backward from finger_table[0] until the walk closes
// on self or stalls for two consecutive hops (spec §4.3 step 3).
func (v *VirtualNode) searchSuccessor(ctx context.Context) {
	v.mu.Lock()
	f0 := v.fingers[0]
	v.mu.Unlock()

	successor := v.self
	if f0 != nil && f0.ID != v.ID {
		candidate := *f0
		unchanged := 0
		for hop := 0; hop < id.M*2; hop++ {
			successor = candidate
			next, err := v.router.FindNodeBelowOrEqual(ctx, candidate.ID.PrevOf())
			if err != nil {
				break
			}
			if next.ID == v.ID {
				break
			}
			if next.Equal(candidate) {
				unchanged++
				if unchanged >= 2 {
					break
				}
			} else {
				unchanged = 0
			}
			candidate = next
		}
	}

	v.mu.Lock()
	v.successor = &successor
	v.mu.Unlock()
}

func (v *VirtualNode) discoverSwarm(ctx context.Context) {
	v.mu.Lock()
	empty := v.swarm.Size() == 0
	v.mu.Unlock()
	if !empty {
		return
	}
	n, err := v.router.FindNodeBelowOrEqual(ctx, v.ID)
	if err != nil {
		v.log.Debug("swarm discovery failed", "err", err)
		return
	}
	if n.ID != v.ID || n.Equal(v.self) {
		return
	}
	v.mu.Lock()
	v.swarm.Add(n)
	v.mu.Unlock()
}

func (v *VirtualNode) refreshSwarm(ctx context.Context) {
	v.mu.Lock()
	members := v.swarmMembersLocked()
	v.mu.Unlock()
	if len(members) == 0 {
		return
	}

	candidates := set.New()
	for _, m := range members {
		candidates.Add(m)
	}
	for _, m := range members {
		peers, err := m.GetSwarm(ctx, v.ID, v.requester)
		if err != nil {
			v.log.Debug("get_swarm failed", "peer", m, "err", err)
			continue
		}
		for _, p := range peers {
			if p.ID == v.ID && !p.Equal(v.self) {
				candidates.Add(p)
			}
		}
	}

	alive := set.New()
	candidates.Each(func(item interface{}) bool {
		n := item.(remotenode.RemoteNode)
		if err := n.Ping(ctx, v.ID, v.requester); err == nil {
			alive.Add(n)
		}
		return true
	})

	v.mu.Lock()
	v.swarm = alive
	v.mu.Unlock()
}

func (v *VirtualNode) pullContent(ctx context.Context) {
	v.mu.Lock()
	hasValue := v.value != nil
	members := v.swarmMembersLocked()
	v.mu.Unlock()
	if hasValue || len(members) == 0 {
		return
	}

	for _, m := range members {
		body, err := m.GetContent(ctx, v.ID, v.requester)
		if err != nil || body == nil {
			continue
		}
		if id.Hash(body) != v.ID {
			v.log.Debug("rejecting content with mismatched hash", "peer", m)
			continue
		}
		v.mu.Lock()
		v.value = body
		v.mu.Unlock()
		return
	}
}
