// Package adminrpc implements the optional admin/inspection surface named
// in SPEC_FULL.md's domain stack: a small gRPC service exposing
// ListRooms/ListWorkers/GetWorkerResourceUsage, kept entirely separate
// from the peer-facing JSON/websocket protocol (spec.md §9's "JSON-over-
// schema duality" — the gRPC types never leak into the room orchestrator).
//
// The retrieved pack carries google.golang.org/grpc and
// google.golang.org/protobuf in the teacher's go.mod but no .proto file or
// protoc-generated *.pb.go anywhere in the pack (or the example repos), so
// this service is hand-built: a plain JSON encoding.Codec registered under
// the name "json", and a grpc.ServiceDesc assembled by hand instead of by
// protoc-gen-go-grpc. See DESIGN.md for why no schema compiler was
// introduced to generate this instead.
package adminrpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// Codec implements google.golang.org/grpc/encoding.Codec using
// encoding/json instead of protobuf wire encoding, so this service's
// hand-written request/response structs can ride a real grpc.Server
// without a generated marshaler. Callers force it on both ends with
// grpc.ForceServerCodec/grpc.ForceCodec since there's no protobuf schema
// to negotiate a content-subtype from.
type Codec struct{}

func (Codec) Marshal(v interface{}) ([]byte, error)     { return json.Marshal(v) }
func (Codec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (Codec) Name() string                               { return codecName }

func init() {
	encoding.RegisterCodec(Codec{})
}
