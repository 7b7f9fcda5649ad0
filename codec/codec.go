package codec

type CodecType byte

const (
	CodecTypeJSON  CodecType = 0
	CodecTypeProto CodecType = 1
)

// Codec turns structured values into frame bodies and back. Decode targets
// either a concrete type or *any, in which case the generic form
// (map[string]any, []any, float64, string, bool, nil) is produced.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Proto
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeProto {
		return &ProtoCodec{}
	}

	return &JSONCodec{}
}

// ParseCodecType maps a configuration name to a codec type.
func ParseCodecType(name string) (CodecType, bool) {
	switch name {
	case "", "json":
		return CodecTypeJSON, true
	case "proto", "protobuf":
		return CodecTypeProto, true
	}
	return 0, false
}

func (t CodecType) String() string {
	if t == CodecTypeProto {
		return "proto"
	}
	return "json"
}
