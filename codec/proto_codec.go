package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtoCodec encodes structured values as a protobuf structpb.Value.
// The value is first normalized through JSON, so structs and typed maps are
// accepted the same way the JSON codec accepts them. Decode only supports
// *any targets since the wire form carries no Go type information.
type ProtoCodec struct{}

var protoMarshal = proto.MarshalOptions{Deterministic: true}

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	generic, err := normalize(v)
	if err != nil {
		return nil, err
	}
	pv, err := structpb.NewValue(generic)
	if err != nil {
		return nil, fmt.Errorf("ProtoCodec: %w", err)
	}
	return protoMarshal.Marshal(pv)
}

func (c *ProtoCodec) Decode(data []byte, v any) error {
	out, ok := v.(*any)
	if !ok {
		return fmt.Errorf("ProtoCodec: target must be *any, got %T", v)
	}
	var pv structpb.Value
	if err := proto.Unmarshal(data, &pv); err != nil {
		return err
	}
	*out = pv.AsInterface()
	return nil
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}

var normalizeCodec = &JSONCodec{}

// normalize turns v into the generic form structpb understands.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := normalizeCodec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("ProtoCodec: %w", err)
	}
	var out any
	if err := normalizeCodec.Decode(data, &out); err != nil {
		return nil, fmt.Errorf("ProtoCodec: %w", err)
	}
	return out, nil
}
