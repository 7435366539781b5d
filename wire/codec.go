package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/mod/chordswarm/id"
)

// ErrDecode wraps any malformed-datagram condition (spec §7 decode_error).
// It is an error type, not a single sentinel value, so callers match it
// with errors.As (which also gives them the detail).
type ErrDecode struct{ Reason string }

func (e *ErrDecode) Error() string { return "wire: decode error: " + e.Reason }

func decodeErr(format string, args ...interface{}) error {
	return &ErrDecode{Reason: fmt.Sprintf(format, args...)}
}

// MaxDatagramSize is the configurable cap mentioned in spec §4.2; UDP's own
// ceiling of 64KiB is the default (set by config, exposed here only as a
// library default for code that never customizes it).
const MaxDatagramSize = 64 * 1024

// Address is a transport endpoint: IP literal plus UDP port, compared
// byte-for-byte and never canonicalized (spec §3).
type Address struct {
	Host string
	Port uint16
}

func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// ParseAddress parses "host:port" into an Address.
func ParseAddress(s string) (Address, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, err
	}
	return Address{Host: host, Port: uint16(port)}, nil
}

func (a Address) encode(buf *[]byte) error {
	s := a.String()
	if len(s) > 255 {
		return decodeErr("address %q exceeds 255-byte wire limit", s)
	}
	*buf = append(*buf, byte(len(s)))
	*buf = append(*buf, s...)
	return nil
}

func decodeAddress(r *reader) (Address, error) {
	n, err := r.byte()
	if err != nil {
		return Address{}, err
	}
	raw, err := r.bytes(int(n))
	if err != nil {
		return Address{}, err
	}
	return ParseAddress(string(raw))
}

// RemoteNode is the (Id, Address) pair (spec §3). Encoded as Id then
// Address.
type RemoteNode struct {
	ID   id.Id
	Addr Address
}

func (n RemoteNode) Equal(o RemoteNode) bool {
	return n.ID == o.ID && n.Addr == o.Addr
}

func (n RemoteNode) encode(buf *[]byte) error {
	*buf = append(*buf, n.ID[:]...)
	return n.Addr.encode(buf)
}

func decodeRemoteNode(r *reader) (RemoteNode, error) {
	idBytes, err := r.bytes(id.Bytes)
	if err != nil {
		return RemoteNode{}, err
	}
	var out RemoteNode
	copy(out.ID[:], idBytes)
	out.Addr, err = decodeAddress(r)
	return out, err
}

// reader is a small cursor over a decode buffer that turns short-read
// conditions into ErrDecode instead of panicking.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, decodeErr("truncated: expected 1 byte at offset %d", r.pos)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, decodeErr("truncated: expected %d bytes at offset %d", n, r.pos)
	}
	out := r.buf[r.pos : r.pos+n]
	r.pos += n
	return out, nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) remaining() int { return len(r.buf) - r.pos }

// EncodeHeader writes the fixed (from_id, to_id, type) prefix.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = append(buf, h.FromID[:]...)
	buf = append(buf, h.ToID[:]...)
	buf = append(buf, byte(h.Type))
	return buf
}

// DecodeHeader parses the fixed prefix and returns the remaining body bytes.
func DecodeHeader(datagram []byte) (Header, []byte, error) {
	r := &reader{buf: datagram}
	fromBytes, err := r.bytes(id.Bytes)
	if err != nil {
		return Header{}, nil, err
	}
	toBytes, err := r.bytes(id.Bytes)
	if err != nil {
		return Header{}, nil, err
	}
	typeByte, err := r.byte()
	if err != nil {
		return Header{}, nil, err
	}
	var h Header
	copy(h.FromID[:], fromBytes)
	copy(h.ToID[:], toBytes)
	h.Type = Type(typeByte)
	return h, datagram[r.pos:], nil
}

// EncodePingRequest/EncodePingResponse bodies are empty (spec §4.2 table).
func EncodePingRequest() []byte  { return nil }
func EncodePingResponse() []byte { return nil }

// EncodeGetNodeRequest encodes the query_id body.
func EncodeGetNodeRequest(queryID id.Id) []byte {
	out := make([]byte, id.Bytes)
	copy(out, queryID[:])
	return out
}

func DecodeGetNodeRequest(body []byte) (id.Id, error) {
	r := &reader{buf: body}
	b, err := r.bytes(id.Bytes)
	if err != nil {
		return id.Id{}, err
	}
	var out id.Id
	copy(out[:], b)
	return out, nil
}

// EncodeGetNodeResponse encodes the node field.
func EncodeGetNodeResponse(n RemoteNode) ([]byte, error) {
	var buf []byte
	if err := n.encode(&buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func DecodeGetNodeResponse(body []byte) (RemoteNode, error) {
	r := &reader{buf: body}
	return decodeRemoteNode(r)
}

func EncodeGetSwarmRequest() []byte { return nil }

// EncodeGetSwarmResponse encodes the sequence of RemoteNode. If the encoded
// sequence would exceed capBytes, it is truncated deterministically by
// lowest address lexicographically (spec §9 open question resolution) until
// it fits.
func EncodeGetSwarmResponse(nodes []RemoteNode, capBytes int) ([]byte, error) {
	sorted := make([]RemoteNode, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Addr.String() < sorted[j].Addr.String() })

	encodeAll := func(ns []RemoteNode) ([]byte, error) {
		if len(ns) > 0xFFFF {
			return nil, decodeErr("swarm too large to encode: %d members", len(ns))
		}
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(len(ns)))
		for _, n := range ns {
			if err := n.encode(&buf); err != nil {
				return nil, err
			}
		}
		return buf, nil
	}

	buf, err := encodeAll(sorted)
	if err != nil {
		return nil, err
	}
	for len(buf) > capBytes && len(sorted) > 0 {
		sorted = sorted[:len(sorted)-1]
		buf, err = encodeAll(sorted)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func DecodeGetSwarmResponse(body []byte) ([]RemoteNode, error) {
	r := &reader{buf: body}
	count, err := r.uint16()
	if err != nil {
		return nil, err
	}
	out := make([]RemoteNode, 0, count)
	for i := 0; i < int(count); i++ {
		n, err := decodeRemoteNode(r)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func EncodeGetContentRequest() []byte { return nil }

// EncodeGetContentResponse encodes node_value as a 4-byte length followed by
// raw bytes; a value that would exceed capBytes is instead encoded as
// empty/absent (spec §4.2: "deliberate simplification inherited from the
// protocol").
func EncodeGetContentResponse(value []byte, capBytes int) []byte {
	if len(value)+4 > capBytes {
		value = nil
	}
	buf := make([]byte, 4, 4+len(value))
	binary.BigEndian.PutUint32(buf, uint32(len(value)))
	buf = append(buf, value...)
	return buf
}

func DecodeGetContentResponse(body []byte) ([]byte, error) {
	r := &reader{buf: body}
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return r.bytes(int(n))
}

var errUnknownType = errors.New("wire: unknown message type")

// ValidateType returns errUnknownType for any byte outside the closed
// 0..7 union (spec §9 "closed, tagged union").
func ValidateType(t Type) error {
	if t > GetContentResponse {
		return errUnknownType
	}
	return nil
}

// AddressFromUDP is a small helper used by callers that only have a
// net.Addr (e.g. from net.UDPConn.ReadFromUDP) and need a wire.Address.
func AddressFromUDP(a *net.UDPAddr) Address {
	host := a.IP.String()
	if strings.Contains(host, "%") {
		host = strings.SplitN(host, "%", 2)[0]
	}
	return Address{Host: host, Port: uint16(a.Port)}
}
