// Package rpc carries tracker and peer operations over gRPC.
//
// Messages are encoded in protobuf wire format by hand
// and exchanged using a gRPC codec registered under the content subtype "p2psync".
// Clients in this package request that subtype on every call.
package rpc

import (
	"github.com/pkg/errors"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype for p2psync messages.
const CodecName = "p2psync"

type message interface {
	marshal() []byte
	unmarshal([]byte) error
}

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(message)
	if !ok {
		return nil, errors.Errorf("cannot marshal %T", v)
	}
	return m.marshal(), nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(message)
	if !ok {
		return errors.Errorf("cannot unmarshal into %T", v)
	}
	return m.unmarshal(data)
}

func (codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(codec{})
}
