package rpcapi

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(Codec{})
}

// CodecName is the subtype registered with grpc's encoding package.
// Clients select it via grpc.CallContentSubtype and servers pick it up
// from the request's content subtype, so the wire stays introspectable with curl and
// grpcurl during development, unlike a binary proto codec.
const CodecName = "crocksjson"

// Codec implements encoding.Codec using encoding/json. A real proto
// codec is the usual choice, but nothing in this tree is compiled from
// .proto files, so messages.go's plain structs are marshaled directly.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpcapi: marshal %T: %w", v, err)
	}
	return b, nil
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpcapi: unmarshal into %T: %w", v, err)
	}
	return nil
}

func (Codec) Name() string { return CodecName }
