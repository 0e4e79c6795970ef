// Package rpc exposes the node manager's seven-method control surface
// over real google.golang.org/grpc, using a hand-written grpc.ServiceDesc
// in place of protobuf-generated bindings (none are available for this
// service) and a JSON wire codec registered under the content-subtype
// "json". Grounded on the teacher's internal/grpc/server.go Start/Stop/
// NewServer lifecycle and handler-method shape, with novapb request/
// response types replaced by the plain structs in messages.go.
package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// jsonCodec marshals request/response structs as JSON instead of
// protobuf wire format; registered globally so both server and client
// (cmd/nodectl) can select it via grpc.CallContentSubtype(codecName).
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rpc: marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("rpc: unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
