package remotenode

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mod/chordswarm/id"
	"github.com/mod/chordswarm/wire"
)

// fakeServer decodes the request body the way pool.Dispatch would and
// returns a genuinely wire-encoded response, so these tests exercise the
// real codec round trip rather than a canned byte slice.
type fakeServer struct {
	node  RemoteNode
	swarm []RemoteNode
	calls []wire.Type
}

func (s *fakeServer) Request(ctx context.Context, peer wire.Address, localID, remoteID id.Id, reqType wire.Type, body []byte) ([]byte, error) {
	s.calls = append(s.calls, reqType)
	switch reqType {
	case wire.PingRequest:
		return wire.EncodePingResponse(), nil
	case wire.GetNodeRequest:
		if _, err := wire.DecodeGetNodeRequest(body); err != nil {
			return nil, err
		}
		return wire.EncodeGetNodeResponse(s.node.ToWire())
	case wire.GetSwarmRequest:
		wireNodes := make([]wire.RemoteNode, len(s.swarm))
		for i, n := range s.swarm {
			wireNodes[i] = n.ToWire()
		}
		return wire.EncodeGetSwarmResponse(wireNodes, wire.MaxDatagramSize)
	default:
		return nil, nil
	}
}

func TestPingSucceedsAgainstLiveResponder(t *testing.T) {
	target := New(id.Hash([]byte("b")), wire.Address{Host: "127.0.0.1", Port: 2})
	server := &fakeServer{}

	err := target.Ping(context.Background(), id.Hash([]byte("a")), server)
	require.NoError(t, err)
	require.Equal(t, []wire.Type{wire.PingRequest}, server.calls)
}

func TestGetNodeDecodesRealEncodedResponse(t *testing.T) {
	target := New(id.Hash([]byte("b")), wire.Address{Host: "127.0.0.1", Port: 2})
	want := New(id.Hash([]byte("c")), wire.Address{Host: "127.0.0.1", Port: 3})
	server := &fakeServer{node: want}

	got, err := target.GetNode(context.Background(), id.Hash([]byte("a")), server, id.Hash([]byte("query")))
	require.NoError(t, err)
	require.True(t, got.Equal(want))
}

func TestGetSwarmDecodesRealEncodedResponse(t *testing.T) {
	target := New(id.Hash([]byte("b")), wire.Address{Host: "127.0.0.1", Port: 2})
	members := []RemoteNode{
		New(id.Hash([]byte("m1")), wire.Address{Host: "127.0.0.1", Port: 4}),
		New(id.Hash([]byte("m2")), wire.Address{Host: "127.0.0.1", Port: 5}),
	}
	server := &fakeServer{swarm: members}

	got, err := target.GetSwarm(context.Background(), id.Hash([]byte("a")), server)
	require.NoError(t, err)
	require.Len(t, got, len(members))
	for i, m := range members {
		require.True(t, got[i].Equal(m))
	}
}
