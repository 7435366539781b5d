// Package pool implements the per-process NodePool (spec §2.6, §4.4): the
// owner of every local VirtualNode, the inbound RPC dispatcher that routes a
// datagram to its addressee by to_id, and find_node_below_or_equal, the
// ring-wide routing primitive built from nothing but locally known state.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/inconshreveable/log15"
	cache "github.com/patrickmn/go-cache"

	"github.com/mod/chordswarm/id"
	"github.com/mod/chordswarm/remotenode"
	"github.com/mod/chordswarm/transport"
	"github.com/mod/chordswarm/vnode"
	"github.com/mod/chordswarm/wire"
)

// Errors surfaced by the pool (spec §7).
var (
	ErrRoutingUnavailable = errors.New("pool: routing unavailable: empty pool and no usable bootstrap")
	ErrIDCollision        = errors.New("pool: a local virtual node with this id already exists")
)

const (
	memoTTL       = 2 * time.Second  // short enough that a dead candidate isn't cached past one stabilization step
	memoCleanup   = 10 * time.Second
	failedCandCap = 256
)

// Config bundles pool-level routing knobs.
type Config struct {
	HopLimit    int // H, default 2m (spec §4.4 "a bounded hop limit H (default 2m)")
	DatagramCap int // configured cap enforced on encoded response bodies, default 64KiB
}

// NodePool owns every local VirtualNode and the bound local Address they
// share (spec §3 "NodePool").
type NodePool struct {
	mu        sync.RWMutex
	nodes     map[id.Id]*vnode.VirtualNode
	localAddr wire.Address
	requester remotenode.Requester
	bootstrap []remotenode.RemoteNode
	cfg       Config
	log       log15.Logger

	memo   *cache.Cache
	failed *lru.Cache
}

// New constructs an empty pool bound to localAddr. requester is the
// transport used for all outbound routing hops; bootstrap is the static
// routing hint used only when the pool has no other knowledge of the ring
// (spec §4.4 "Bootstrap interaction").
func New(localAddr wire.Address, requester remotenode.Requester, bootstrap []remotenode.RemoteNode, cfg Config) *NodePool {
	if cfg.HopLimit <= 0 {
		cfg.HopLimit = 2 * id.M
	}
	if cfg.DatagramCap <= 0 {
		cfg.DatagramCap = wire.MaxDatagramSize
	}
	failed, _ := lru.New(failedCandCap)
	return &NodePool{
		nodes:     make(map[id.Id]*vnode.VirtualNode),
		localAddr: localAddr,
		requester: requester,
		bootstrap: bootstrap,
		cfg:       cfg,
		log:       log15.New("module", "pool", "addr", localAddr.String()),
		memo:      cache.New(memoTTL, memoCleanup),
		failed:    failed,
	}
}

// Add inserts v under the pool's id→node map. Only the controller is
// permitted to call this (spec §4.5).
func (p *NodePool) Add(v *vnode.VirtualNode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.nodes[v.ID]; exists {
		return ErrIDCollision
	}
	p.nodes[v.ID] = v
	return nil
}

// Remove stops and forgets the local virtual node with the given id, if any.
func (p *NodePool) Remove(nodeID id.Id) {
	p.mu.Lock()
	v, ok := p.nodes[nodeID]
	delete(p.nodes, nodeID)
	p.mu.Unlock()
	if ok {
		v.Stop()
	}
}

// SetRequester wires the transport in after construction, breaking the
// pool/transport chicken-and-egg at startup: the transport's dispatcher
// must be the pool, but the pool's outbound routing hops need the
// transport. Call once, before the pool starts serving routing calls.
func (p *NodePool) SetRequester(r remotenode.Requester) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requester = r
}

func (p *NodePool) getRequester() remotenode.Requester {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.requester
}

// Get returns the local virtual node for nodeID, if this pool owns one.
func (p *NodePool) Get(nodeID id.Id) (*vnode.VirtualNode, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.nodes[nodeID]
	return v, ok
}

// ListEntry is one row of `list()` (spec §4.5).
type ListEntry struct {
	ID       id.Id
	HasValue bool
}

// List returns every locally hosted or joined id, and whether it has
// acquired a value yet.
func (p *NodePool) List() []ListEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]ListEntry, 0, len(p.nodes))
	for nodeID, v := range p.nodes {
		_, has := v.Value()
		out = append(out, ListEntry{ID: nodeID, HasValue: has})
	}
	return out
}

// Dispatch implements transport.Dispatcher: it finds the addressed local
// virtual node and calls its pure server-side handler (spec §4.3).
func (p *NodePool) Dispatch(from wire.Address, hdr wire.Header, body []byte) ([]byte, error) {
	v, ok := p.Get(hdr.ToID)
	if !ok {
		return nil, transport.ErrUnknownNode
	}
	switch hdr.Type {
	case wire.PingRequest:
		v.OnPing()
		return wire.EncodePingResponse(), nil

	case wire.GetNodeRequest:
		queryID, err := wire.DecodeGetNodeRequest(body)
		if err != nil {
			return nil, err
		}
		n := v.OnGetNode(queryID)
		return wire.EncodeGetNodeResponse(n.ToWire())

	case wire.GetSwarmRequest:
		members := v.OnGetSwarm()
		wireNodes := make([]wire.RemoteNode, len(members))
		for i, m := range members {
			wireNodes[i] = m.ToWire()
		}
		return wire.EncodeGetSwarmResponse(wireNodes, p.cfg.DatagramCap)

	case wire.GetContentRequest:
		return wire.EncodeGetContentResponse(v.OnGetContent(), p.cfg.DatagramCap), nil

	default:
		return nil, errors.New("pool: dispatch received a response-typed message")
	}
}

// FindNodeBelowOrEqual implements spec §4.4: seed from local knowledge, then
// iteratively hop toward query via GetNode RPCs, stopping at the hop limit,
// a timeout, or a regression.
func (p *NodePool) FindNodeBelowOrEqual(ctx context.Context, query id.Id) (remotenode.RemoteNode, error) {
	if cached, ok := p.memoGet(query); ok {
		return cached, nil
	}

	ownerID, candidate, ok := p.seedLocal(query)
	if !ok {
		return remotenode.RemoteNode{}, ErrRoutingUnavailable
	}
	requester := p.getRequester()

	for hop := 0; hop < p.cfg.HopLimit; hop++ {
		next, err := candidate.GetNode(ctx, ownerID, requester, query)
		if err != nil {
			p.markFailed(candidate.Addr)
			break // safeguard (b): RPC timeout, return candidate as best known
		}
		if next.ID == candidate.ID {
			break // safeguard (c): candidate regressed
		}
		if !id.InHalfOpenIncl(next.ID, candidate.ID, query) {
			break // not strictly advancing clockwise toward query
		}
		candidate = next
	}

	p.memoSet(query, candidate)
	return candidate, nil
}

// seedLocal asks every local VirtualNode for its on_get_node(query) answer
// and keeps the closest. If every local answer was "self" (a fresh pool
// with no ring knowledge), it substitutes a bootstrap hint instead (spec
// §4.4 "Bootstrap interaction"). The returned id.Id is the local node that
// produced the winning candidate, used as from_id for subsequent hops so
// the transport's per-(local,remote,type) correlation key stays correct.
func (p *NodePool) seedLocal(query id.Id) (id.Id, remotenode.RemoteNode, bool) {
	p.mu.RLock()
	nodes := make(map[id.Id]*vnode.VirtualNode, len(p.nodes))
	for k, v := range p.nodes {
		nodes[k] = v
	}
	bootstrap := append([]remotenode.RemoteNode(nil), p.bootstrap...)
	localAddr := p.localAddr
	p.mu.RUnlock()

	if len(nodes) == 0 {
		return id.Id{}, remotenode.RemoteNode{}, false
	}

	var (
		ownerID id.Id
		best    remotenode.RemoteNode
		found   bool
		allSelf = true
	)
	for localNodeID, v := range nodes {
		c := v.OnGetNode(query)
		if c.ID != localNodeID {
			allSelf = false
		}
		if !found || closer(query, c.ID, best.ID) {
			ownerID, best, found = localNodeID, c, true
		}
	}

	if allSelf {
		for _, b := range bootstrap {
			if b.Addr != localAddr && !p.isFailed(b.Addr) {
				return ownerID, b, true
			}
		}
	}
	return ownerID, best, true
}

func closer(query, a, b id.Id) bool {
	if a == b {
		return false
	}
	winner, _ := id.ClosestTo(query, []id.Id{a, b})
	return winner == a
}

func (p *NodePool) memoGet(query id.Id) (remotenode.RemoteNode, bool) {
	v, ok := p.memo.Get(query.String())
	if !ok {
		return remotenode.RemoteNode{}, false
	}
	return v.(remotenode.RemoteNode), true
}

func (p *NodePool) memoSet(query id.Id, n remotenode.RemoteNode) {
	p.memo.Set(query.String(), n, cache.DefaultExpiration)
}

func (p *NodePool) isFailed(addr wire.Address) bool {
	_, ok := p.failed.Get(addr.String())
	return ok
}

func (p *NodePool) markFailed(addr wire.Address) {
	p.failed.Add(addr.String(), time.Now())
}
