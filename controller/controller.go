// Package controller implements the external-facing façade (spec §4.5):
// the only component permitted to mutate the pool's id→node map. The CLI and
// scenario code in cmd/chordswarm talk to the ring exclusively through this
// type.
package controller

import (
	"context"
	"errors"
	"time"

	"github.com/inconshreveable/log15"

	"github.com/mod/chordswarm/id"
	"github.com/mod/chordswarm/pool"
	"github.com/mod/chordswarm/remotenode"
	"github.com/mod/chordswarm/vnode"
	"github.com/mod/chordswarm/wire"
)

// ErrFetchTimeout is returned by Fetch when T_fetch elapses with no content
// received (spec §7 "timeout ... surfaced by fetch").
var ErrFetchTimeout = errors.New("controller: fetch timed out waiting for content")

// Config bundles the process-wide timing constants the controller hands
// down to every VirtualNode it creates.
type Config struct {
	TStab       time.Duration // stabilization period
	TFetch      time.Duration // fetch deadline, default 60s
	FetchPoll   time.Duration // how often Fetch checks the transient node's state
}

// Controller is the per-process façade over one NodePool. It also holds the
// transport handle VirtualNodes need to make outbound RPCs, since the pool
// itself is purely a router and dispatcher, not a requester.
type Controller struct {
	pool      *pool.NodePool
	localAddr wire.Address
	requester remotenode.Requester
	cfg       Config
	log       log15.Logger
}

// New builds a Controller over an already-constructed pool sharing the
// given transport and local address.
func New(p *pool.NodePool, requester remotenode.Requester, localAddr wire.Address, cfg Config) *Controller {
	if cfg.TFetch <= 0 {
		cfg.TFetch = 60 * time.Second
	}
	if cfg.FetchPoll <= 0 {
		cfg.FetchPoll = 200 * time.Millisecond
	}
	return &Controller{pool: p, localAddr: localAddr, requester: requester, cfg: cfg, log: log15.New("module", "controller")}
}

// Host creates a VirtualNode in host mode: id = hash(value), and inserts it
// into the pool (spec §4.5 host). It fails with pool.ErrIDCollision if a
// local node with that id already exists.
func (c *Controller) Host(ctx context.Context, value []byte) (*vnode.VirtualNode, error) {
	v := vnode.NewHost(value, c.localAddr, c.requester, c.pool, vnode.Config{TStab: c.cfg.TStab})
	if err := c.pool.Add(v); err != nil {
		return nil, err
	}
	v.Start(ctx)
	c.log.Info("hosted content", "id", v.ID)
	return v, nil
}

// Join creates a VirtualNode in join mode; stabilization will pull content
// from the swarm over time (spec §4.5 join).
func (c *Controller) Join(ctx context.Context, nodeID id.Id) (*vnode.VirtualNode, error) {
	v := vnode.NewJoin(nodeID, c.localAddr, c.requester, c.pool, vnode.Config{TStab: c.cfg.TStab})
	if err := c.pool.Add(v); err != nil {
		return nil, err
	}
	v.Start(ctx)
	c.log.Info("joined ring", "id", v.ID)
	return v, nil
}

// List reports every locally known id and whether it has acquired a value
// (spec §4.5 list).
func (c *Controller) List() []pool.ListEntry {
	return c.pool.List()
}

// decodeErrorCounter is implemented by transport.Transport. Controller
// type-asserts its requester against it rather than importing transport
// directly, since remotenode.Requester is already the narrow interface used
// for outbound RPCs.
type decodeErrorCounter interface {
	DecodeErrorCount() int64
}

// DecodeErrorCount reports the transport's running count of datagrams
// dropped for failing to decode, surfaced as a diagnostic for `ls` (spec
// §7's decode_error counted in a local metric). ok is false if the
// underlying requester doesn't expose the counter.
func (c *Controller) DecodeErrorCount() (count int64, ok bool) {
	d, ok := c.requester.(decodeErrorCounter)
	if !ok {
		return 0, false
	}
	return d.DecodeErrorCount(), true
}

// Fetch waits until nodeID's value arrives or T_fetch elapses (spec §4.5
// fetch). If a local node for nodeID already exists — hosted, or joined by
// an earlier Fetch or Join that hasn't pulled content yet — Fetch polls that
// node in place rather than trying to join it again, which would otherwise
// fail with pool.ErrIDCollision. Only a node Fetch itself creates is
// transient and torn down afterward; a pre-existing node is left in the
// pool for the caller to manage.
func (c *Controller) Fetch(ctx context.Context, nodeID id.Id) ([]byte, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.TFetch)
	defer cancel()

	v, ok := c.pool.Get(nodeID)
	if !ok {
		joined, err := c.Join(fetchCtx, nodeID)
		if err != nil {
			return nil, err
		}
		v = joined
		defer c.pool.Remove(nodeID)
	}

	if value, has := v.Value(); has {
		return value, nil
	}

	ticker := time.NewTicker(c.cfg.FetchPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if value, has := v.Value(); has {
				return value, nil
			}
		case <-fetchCtx.Done():
			return nil, ErrFetchTimeout
		}
	}
}

