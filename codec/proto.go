package codec

import (
	"encoding/json"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Proto stores V as a protobuf google.protobuf.Value built from V's JSON
// form. It lets non-Go readers decode entries with stock protobuf runtimes.
//
// Numbers travel as doubles: integers above 2^53 lose precision, so Proto
// is meant for payloads such as cached HTTP responses, not record IDs.
type Proto[V any] struct{}

var _ Codec[struct{}] = Proto[struct{}]{}

func (Proto[V]) Encode(v V) ([]byte, error) {
	js, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var tree any
	if err := json.Unmarshal(js, &tree); err != nil {
		return nil, err
	}
	pv, err := structpb.NewValue(tree)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(pv)
}

func (Proto[V]) Decode(b []byte) (V, error) {
	var v V
	var pv structpb.Value
	if err := proto.Unmarshal(b, &pv); err != nil {
		return v, err
	}
	js, err := json.Marshal(pv.AsInterface())
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(js, &v)
	return v, err
}
