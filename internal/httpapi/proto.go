package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// maxRequestBody caps admin request bodies. An explicit embedding is the
// largest payload: 128 float64s in JSON stay well under 16 KiB.
const maxRequestBody = 16 << 10

const protobufContentType = "application/x-protobuf"

// isProtobuf reports whether the request body is protobuf encoded.
func isProtobuf(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return ct == protobufContentType ||
		ct == "application/protobuf" ||
		ct == "application/octet-stream"
}

// wantsProtobuf reports whether the client asked for a protobuf response.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, protobufContentType) ||
		strings.Contains(accept, "application/protobuf")
}

// readProto reads the request body and unmarshals it into msg.
func readProto(r *http.Request, msg proto.Message) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return err
	}
	return proto.Unmarshal(body, msg)
}

// writeProto marshals msg and writes it with the given HTTP status.
func writeProto(w http.ResponseWriter, status int, msg proto.Message) {
	data, err := proto.Marshal(msg)
	if err != nil {
		http.Error(w, "proto marshal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", protobufContentType)
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// toStruct converts a JSON-shaped value into a google.protobuf.Struct.
// Slices are wrapped as {"items": [...]} since Struct must be an object.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	switch g := generic.(type) {
	case map[string]any:
		return structpb.NewStruct(g)
	case nil:
		return structpb.NewStruct(nil)
	default:
		return structpb.NewStruct(map[string]any{"items": g})
	}
}

// decodeStruct reads a protobuf Struct body into dst via its JSON form.
func decodeStruct(r *http.Request, dst any) error {
	var s structpb.Struct
	if err := readProto(r, &s); err != nil {
		return fmt.Errorf("decode protobuf body: %w", err)
	}
	raw, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
