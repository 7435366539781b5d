// Package remotenode implements the RemoteNode handle (spec §2.4, §3): a
// descriptive (id, address) pair bundling the four RPC calls as async
// operations against a transport. Constructing one performs no I/O.
package remotenode

import (
	"context"

	"github.com/mod/chordswarm/id"
	"github.com/mod/chordswarm/wire"
)

// Requester is the subset of transport.Transport a RemoteNode needs to make
// calls; kept as an interface here so this package never imports
// transport, avoiding a cycle with the concrete Transport type used by
// higher layers.
type Requester interface {
	Request(ctx context.Context, peer wire.Address, localID, remoteID id.Id, reqType wire.Type, body []byte) ([]byte, error)
}

// RemoteNode is the (Id, Address) pair described in spec §3. Two
// RemoteNodes are equal iff both fields match.
type RemoteNode struct {
	ID   id.Id
	Addr wire.Address
}

// New builds a RemoteNode descriptor. It performs no I/O.
func New(remoteID id.Id, addr wire.Address) RemoteNode {
	return RemoteNode{ID: remoteID, Addr: addr}
}

// FromWire adapts a wire.RemoteNode, the codec's representation, to this
// package's type.
func FromWire(n wire.RemoteNode) RemoteNode {
	return RemoteNode{ID: n.ID, Addr: n.Addr}
}

// ToWire is the inverse of FromWire.
func (r RemoteNode) ToWire() wire.RemoteNode {
	return wire.RemoteNode{ID: r.ID, Addr: r.Addr}
}

// Equal reports whether r and o denote the same node.
func (r RemoteNode) Equal(o RemoteNode) bool {
	return r.ID == o.ID && r.Addr == o.Addr
}

func (r RemoteNode) String() string {
	return r.ID.String() + "@" + r.Addr.String()
}

// Ping performs the PingRequest/PingResponse exchange (spec §4.2).
func (r RemoteNode) Ping(ctx context.Context, localID id.Id, t Requester) error {
	_, err := t.Request(ctx, r.Addr, localID, r.ID, wire.PingRequest, wire.EncodePingRequest())
	return err
}

// GetNode performs the GetNodeRequest/GetNodeResponse exchange, asking r
// for its locally-best node for queryID (spec §4.3 on_get_node).
func (r RemoteNode) GetNode(ctx context.Context, localID id.Id, t Requester, queryID id.Id) (RemoteNode, error) {
	body, err := t.Request(ctx, r.Addr, localID, r.ID, wire.GetNodeRequest, wire.EncodeGetNodeRequest(queryID))
	if err != nil {
		return RemoteNode{}, err
	}
	n, err := wire.DecodeGetNodeResponse(body)
	if err != nil {
		return RemoteNode{}, err
	}
	return FromWire(n), nil
}

// GetSwarm performs the GetSwarmRequest/GetSwarmResponse exchange.
func (r RemoteNode) GetSwarm(ctx context.Context, localID id.Id, t Requester) ([]RemoteNode, error) {
	body, err := t.Request(ctx, r.Addr, localID, r.ID, wire.GetSwarmRequest, wire.EncodeGetSwarmRequest())
	if err != nil {
		return nil, err
	}
	nodes, err := wire.DecodeGetSwarmResponse(body)
	if err != nil {
		return nil, err
	}
	out := make([]RemoteNode, len(nodes))
	for i, n := range nodes {
		out[i] = FromWire(n)
	}
	return out, nil
}

// GetContent performs the GetContentRequest/GetContentResponse exchange.
// A nil, nil return means the content is not yet available there.
func (r RemoteNode) GetContent(ctx context.Context, localID id.Id, t Requester) ([]byte, error) {
	body, err := t.Request(ctx, r.Addr, localID, r.ID, wire.GetContentRequest, wire.EncodeGetContentRequest())
	if err != nil {
		return nil, err
	}
	return wire.DecodeGetContentResponse(body)
}
