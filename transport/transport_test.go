package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/mod/chordswarm/id"
	"github.com/mod/chordswarm/wire"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	localID id.Id
	onPing  func() []byte
}

func (d *fakeDispatcher) Dispatch(from wire.Address, hdr wire.Header, body []byte) ([]byte, error) {
	if hdr.ToID != d.localID {
		return nil, ErrUnknownNode
	}
	switch hdr.Type {
	case wire.PingRequest:
		return wire.EncodePingResponse(), nil
	default:
		return nil, errors.New("unsupported in test dispatcher")
	}
}

func mustListen(t *testing.T, localID id.Id) (*Transport, *fakeDispatcher) {
	t.Helper()
	d := &fakeDispatcher{localID: localID}
	cfg := DefaultConfig()
	cfg.RPCTimeout = 200 * time.Millisecond
	tr, err := Listen(wire.Address{Host: "127.0.0.1", Port: 0}, d, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr, d
}

func TestPingRoundTrip(t *testing.T) {
	idA := id.Hash([]byte("a"))
	idB := id.Hash([]byte("b"))
	trA, _ := mustListen(t, idA)
	trB, _ := mustListen(t, idB)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := trA.Request(ctx, trB.LocalAddr(), idA, idB, wire.PingRequest, wire.EncodePingRequest())
	require.NoError(t, err)
	if len(reply) != 0 {
		t.Errorf("ping reply should be empty, got %s", spew.Sdump(reply))
	}
}

func TestRequestTimesOutAgainstDeadNode(t *testing.T) {
	idA := id.Hash([]byte("a"))
	trA, _ := mustListen(t, idA)

	deadAddr := wire.Address{Host: "127.0.0.1", Port: 1}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := trA.Request(ctx, deadAddr, idA, id.Hash([]byte("nobody")), wire.PingRequest, nil)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSecondRequestCancelsFirst(t *testing.T) {
	idA := id.Hash([]byte("a"))
	trA, _ := mustListen(t, idA)

	deadAddr := wire.Address{Host: "127.0.0.1", Port: 1}
	remote := id.Hash([]byte("nobody"))

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, err := trA.Request(ctx, deadAddr, idA, remote, wire.PingRequest, nil)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	_, err2 := trA.Request(ctx2, deadAddr, idA, remote, wire.PingRequest, nil)
	require.ErrorIs(t, err2, ErrTimeout)

	firstErr := <-errCh
	require.ErrorIs(t, firstErr, ErrCancelled)
}

func TestUnknownDestinationDroppedSilently(t *testing.T) {
	idA := id.Hash([]byte("a"))
	idB := id.Hash([]byte("b"))
	trA, _ := mustListen(t, idA)
	trB, _ := mustListen(t, idB)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := trA.Request(ctx, trB.LocalAddr(), idA, id.Hash([]byte("not-b")), wire.PingRequest, nil)
	require.ErrorIs(t, err, ErrTimeout, "request to a real address but wrong id must time out, not error loudly")
}

func TestDecodeErrorCountedAndDropped(t *testing.T) {
	idA := id.Hash([]byte("a"))
	trA, _ := mustListen(t, idA)

	before := trA.DecodeErrorCount()
	udpAddr, err := net.ResolveUDPAddr("udp", trA.LocalAddr().String())
	require.NoError(t, err)
	conn, err := net.DialUDP("udp", nil, udpAddr)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.Greater(t, trA.DecodeErrorCount(), before)
}
