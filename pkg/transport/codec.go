// Package transport carries placement protocol messages between nodes, as
// gRPC unary calls with msgpack bodies.
package transport

import (
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content subtype of every call in this package.
const CodecName = "msgpack"

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

func (codec) Name() string {
	return CodecName
}

func init() {
	encoding.RegisterCodec(codec{})
}

// CallOption makes a call use the msgpack codec. Pass it to
// grpc.WithDefaultCallOptions when dialing.
func CallOption() grpc.CallOption {
	return grpc.CallContentSubtype(CodecName)
}
