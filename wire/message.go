// Package wire implements the eight-message RPC codec described in spec
// §4.2 and §6: framing, address/RemoteNode encoding, and the variable
// length sequence convention used by GetSwarmResponse.
package wire

import (
	"fmt"

	"github.com/mod/chordswarm/id"
)

// Type is the single-byte message discriminator carried in every header.
type Type byte

// The eight RPC message types, paired request/response (spec §4.2 table).
const (
	PingRequest Type = iota
	PingResponse
	GetNodeRequest
	GetNodeResponse
	GetSwarmRequest
	GetSwarmResponse
	GetContentRequest
	GetContentResponse
)

func (t Type) String() string {
	switch t {
	case PingRequest:
		return "PingRequest"
	case PingResponse:
		return "PingResponse"
	case GetNodeRequest:
		return "GetNodeRequest"
	case GetNodeResponse:
		return "GetNodeResponse"
	case GetSwarmRequest:
		return "GetSwarmRequest"
	case GetSwarmResponse:
		return "GetSwarmResponse"
	case GetContentRequest:
		return "GetContentRequest"
	case GetContentResponse:
		return "GetContentResponse"
	default:
		return fmt.Sprintf("Type(%d)", byte(t))
	}
}

// IsRequest reports whether t is one of the four request types (even
// codes); the corresponding response is always t+1.
func (t Type) IsRequest() bool {
	return t%2 == 0 && t <= GetContentRequest
}

// ResponseType returns the response type paired with a request type.
func (t Type) ResponseType() Type {
	return t + 1
}

// Header is the fixed prefix of every datagram (spec §4.2, §6):
// (from_id, to_id, message_type).
type Header struct {
	FromID id.Id
	ToID   id.Id
	Type   Type
}

// HeaderSize is the encoded byte length of a Header.
const HeaderSize = id.Bytes + id.Bytes + 1
