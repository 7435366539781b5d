package pool

import (
	"context"
	"testing"
	"time"

	"github.com/mod/chordswarm/id"
	"github.com/mod/chordswarm/remotenode"
	"github.com/mod/chordswarm/vnode"
	"github.com/mod/chordswarm/wire"
	"github.com/stretchr/testify/require"
)

type noopRequester struct{}

func (noopRequester) Request(ctx context.Context, peer wire.Address, localID, remoteID id.Id, reqType wire.Type, body []byte) ([]byte, error) {
	return nil, context.DeadlineExceeded
}

func addr(port uint16) wire.Address { return wire.Address{Host: "127.0.0.1", Port: port} }

func TestFindNodeBelowOrEqualEmptyPoolFails(t *testing.T) {
	p := New(addr(1), noopRequester{}, nil, Config{})
	_, err := p.FindNodeBelowOrEqual(context.Background(), id.Hash([]byte("x")))
	require.ErrorIs(t, err, ErrRoutingUnavailable)
}

func TestFindNodeBelowOrEqualSeedsFromLocalNode(t *testing.T) {
	p := New(addr(1), noopRequester{}, nil, Config{})
	v := vnode.NewHost([]byte("hello"), addr(1), noopRequester{}, p, vnode.Config{TStab: time.Second})
	require.NoError(t, p.Add(v))

	got, err := p.FindNodeBelowOrEqual(context.Background(), v.ID)
	require.NoError(t, err)
	require.True(t, got.Equal(v.Self()))
}

func TestAddRejectsDuplicateID(t *testing.T) {
	p := New(addr(1), noopRequester{}, nil, Config{})
	v1 := vnode.NewHost([]byte("dup"), addr(1), noopRequester{}, p, vnode.Config{TStab: time.Second})
	v2 := vnode.NewJoin(v1.ID, addr(1), noopRequester{}, p, vnode.Config{TStab: time.Second})

	require.NoError(t, p.Add(v1))
	require.ErrorIs(t, p.Add(v2), ErrIDCollision)
}

func TestDispatchUnknownDestination(t *testing.T) {
	p := New(addr(1), noopRequester{}, nil, Config{})
	_, err := p.Dispatch(addr(2), wire.Header{ToID: id.Hash([]byte("nobody")), Type: wire.PingRequest}, nil)
	require.Error(t, err)
}

func TestDispatchPing(t *testing.T) {
	p := New(addr(1), noopRequester{}, nil, Config{})
	v := vnode.NewHost([]byte("ping-target"), addr(1), noopRequester{}, p, vnode.Config{TStab: time.Second})
	require.NoError(t, p.Add(v))

	body, err := p.Dispatch(addr(2), wire.Header{ToID: v.ID, Type: wire.PingRequest}, nil)
	require.NoError(t, err)
	require.Empty(t, body)
}

func TestDispatchGetContent(t *testing.T) {
	p := New(addr(1), noopRequester{}, nil, Config{})
	v := vnode.NewHost([]byte("payload"), addr(1), noopRequester{}, p, vnode.Config{TStab: time.Second})
	require.NoError(t, p.Add(v))

	body, err := p.Dispatch(addr(2), wire.Header{ToID: v.ID, Type: wire.GetContentRequest}, nil)
	require.NoError(t, err)
	got, err := wire.DecodeGetContentResponse(body)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), got)
}

func TestBootstrapSubstitutedWhenAllLocalAnswersAreSelf(t *testing.T) {
	boot := remotenode.New(id.Hash([]byte("bootstrap")), addr(9))
	p := New(addr(1), noopRequester{}, []remotenode.RemoteNode{boot}, Config{HopLimit: 1})
	v := vnode.NewJoin(id.Hash([]byte("fresh")), addr(1), noopRequester{}, p, vnode.Config{TStab: time.Second})
	require.NoError(t, p.Add(v))

	got, err := p.FindNodeBelowOrEqual(context.Background(), id.Hash([]byte("whatever")))
	require.NoError(t, err)
	require.True(t, got.Equal(boot), "a fresh pool with no ring knowledge must route through its bootstrap hint")
}

func TestListReportsValuePresence(t *testing.T) {
	p := New(addr(1), noopRequester{}, nil, Config{})
	hosted := vnode.NewHost([]byte("v"), addr(1), noopRequester{}, p, vnode.Config{TStab: time.Second})
	joined := vnode.NewJoin(id.Hash([]byte("j")), addr(1), noopRequester{}, p, vnode.Config{TStab: time.Second})
	require.NoError(t, p.Add(hosted))
	require.NoError(t, p.Add(joined))

	entries := p.List()
	require.Len(t, entries, 2)
	byID := map[id.Id]bool{}
	for _, e := range entries {
		byID[e.ID] = e.HasValue
	}
	require.True(t, byID[hosted.ID])
	require.False(t, byID[joined.ID])
}
