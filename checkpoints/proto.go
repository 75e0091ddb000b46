package checkpoints

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// EncodeAsset serialises v, whose JSON form must be an object. FormatJSON
// writes indented JSON; FormatProto writes the binary encoding of the
// equivalent google.protobuf.Struct.
func EncodeAsset(v interface{}, format CheckpointFormat) ([]byte, error) {
	switch format {
	case FormatJSON:
		return marshalIndent(v)
	case FormatProto:
		s, err := ToStruct(v)
		if err != nil {
			return nil, err
		}
		data, err := proto.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal struct: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported asset format: %s", format)
	}
}

// DecodeAsset is the inverse of EncodeAsset.
func DecodeAsset(data []byte, format CheckpointFormat, v interface{}) error {
	switch format {
	case FormatJSON:
		return json.Unmarshal(data, v)
	case FormatProto:
		var s structpb.Struct
		if err := proto.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("failed to unmarshal struct: %w", err)
		}
		return FromStruct(&s, v)
	default:
		return fmt.Errorf("unsupported asset format: %s", format)
	}
}

// ToStruct converts v to a protobuf Struct through its JSON form.
func ToStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal asset: %w", err)
	}
	fields := make(map[string]interface{})
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("asset is not a JSON object: %w", err)
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}
	return s, nil
}

// FromStruct fills v from a protobuf Struct.
func FromStruct(s *structpb.Struct, v interface{}) error {
	raw, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to render struct: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode struct: %w", err)
	}
	return nil
}
