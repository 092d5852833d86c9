// Package rpc encodes the requests applied to the raft log.
package rpc

import (
	"github.com/hashicorp/go-msgpack/codec"
	"github.com/nrwiersma/jobcluster/cluster/state"
	"github.com/pkg/errors"
)

// MessageType identifies the request carried by a raft log entry.
type MessageType uint8

// Raft log message types. The values are persisted and must not change.
const (
	RegisterNodeRequestType   MessageType = 0
	DeregisterNodeRequestType MessageType = 1
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case RegisterNodeRequestType:
		return "register-node"
	case DeregisterNodeRequestType:
		return "deregister-node"
	default:
		return "unknown"
	}
}

// RegisterNodeRequest inserts or updates a node.
type RegisterNodeRequest struct {
	Node state.Node
}

// DeregisterNodeRequest removes a node.
type DeregisterNodeRequest struct {
	Node state.Node
}

var handle = &codec.MsgpackHandle{}

// Encode encodes a request prefixed with its message type.
func Encode(t MessageType, msg interface{}) ([]byte, error) {
	buf := []byte{byte(t)}
	if err := codec.NewEncoderBytes(&buf, handle).Encode(msg); err != nil {
		return nil, errors.Wrapf(err, "rpc: error encoding %s request", t)
	}
	return buf, nil
}

// Decode decodes a request without its message type prefix.
func Decode(buf []byte, out interface{}) error {
	if err := codec.NewDecoderBytes(buf, handle).Decode(out); err != nil {
		return errors.Wrap(err, "rpc: error decoding request")
	}
	return nil
}
