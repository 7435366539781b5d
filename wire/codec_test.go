package wire

import (
	"testing"

	"github.com/kylelemons/godebug/pretty"
	"github.com/mod/chordswarm/id"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{FromID: id.Hash([]byte("a")), ToID: id.Hash([]byte("b")), Type: GetNodeRequest}
	datagram := append(EncodeHeader(h), EncodeGetNodeRequest(id.Hash([]byte("target")))...)

	got, body, err := DecodeHeader(datagram)
	require.NoError(t, err)
	if diff := pretty.Compare(h, got); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
	queryID, err := DecodeGetNodeRequest(body)
	require.NoError(t, err)
	require.Equal(t, id.Hash([]byte("target")), queryID)
}

func TestGetNodeResponseRoundTrip(t *testing.T) {
	n := RemoteNode{ID: id.Hash([]byte("n")), Addr: Address{Host: "127.0.0.1", Port: 4000}}
	body, err := EncodeGetNodeResponse(n)
	require.NoError(t, err)
	got, err := DecodeGetNodeResponse(body)
	require.NoError(t, err)
	require.True(t, n.Equal(got))
}

func TestGetSwarmResponseRoundTrip(t *testing.T) {
	nodes := []RemoteNode{
		{ID: id.Hash([]byte("1")), Addr: Address{Host: "10.0.0.1", Port: 1}},
		{ID: id.Hash([]byte("2")), Addr: Address{Host: "10.0.0.2", Port: 2}},
		{ID: id.Hash([]byte("3")), Addr: Address{Host: "10.0.0.3", Port: 3}},
	}
	body, err := EncodeGetSwarmResponse(nodes, MaxDatagramSize)
	require.NoError(t, err)
	got, err := DecodeGetSwarmResponse(body)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for _, n := range nodes {
		found := false
		for _, g := range got {
			if n.Equal(g) {
				found = true
			}
		}
		require.True(t, found, "missing %v after round trip", n)
	}
}

func TestGetSwarmResponseTruncatesDeterministically(t *testing.T) {
	nodes := []RemoteNode{
		{ID: id.Hash([]byte("z")), Addr: Address{Host: "9.9.9.9", Port: 9}},
		{ID: id.Hash([]byte("a")), Addr: Address{Host: "1.1.1.1", Port: 1}},
	}
	// cap so small only one entry fits; it must be the lexicographically
	// lowest address (spec §9 open question resolution).
	header := make([]byte, 2)
	one, err := EncodeGetSwarmResponse(nodes[:1], MaxDatagramSize)
	require.NoError(t, err)
	cap := len(header) + (len(one) - 2)

	body, err := EncodeGetSwarmResponse(nodes, cap)
	require.NoError(t, err)
	got, err := DecodeGetSwarmResponse(body)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "1.1.1.1:1", got[0].Addr.String())
}

func TestGetContentResponseRoundTrip(t *testing.T) {
	body := EncodeGetContentResponse([]byte("hello"), MaxDatagramSize)
	got, err := DecodeGetContentResponse(body)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
}

func TestGetContentResponseAbsent(t *testing.T) {
	body := EncodeGetContentResponse(nil, MaxDatagramSize)
	got, err := DecodeGetContentResponse(body)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestGetContentResponseOverflowBecomesAbsent(t *testing.T) {
	value := make([]byte, 100)
	body := EncodeGetContentResponse(value, 10)
	got, err := DecodeGetContentResponse(body)
	require.NoError(t, err)
	require.Nil(t, got, "oversize value must be signalled as not-available, not sent truncated")
}

func TestDecodeHeaderTruncated(t *testing.T) {
	_, _, err := DecodeHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestValidateTypeRejectsUnknown(t *testing.T) {
	require.NoError(t, ValidateType(GetContentResponse))
	require.Error(t, ValidateType(Type(8)))
}
