package wire

import (
	"fmt"
	"slices"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	"github.com/wuayee/fitbroker/internal/runtime/jsoncodec"
)

// Serializer encodes call arguments and results in one wire Format.
// Decoded values are JSON shaped: maps, slices, strings, float64, bool and
// nil.
type Serializer interface {
	Format() identity.Format
	EncodeArgs(args []any) ([]byte, error)
	DecodeArgs(data []byte) ([]any, error)
	EncodeValue(v any) ([]byte, error)
	DecodeValue(data []byte) (any, error)
}

// Serializers holds the serializers a process can speak, in preference
// order.
type Serializers struct {
	mu    sync.RWMutex
	order []identity.Format
	by    map[identity.Format]Serializer
}

func NewSerializers(serializers ...Serializer) *Serializers {
	s := &Serializers{by: make(map[identity.Format]Serializer)}
	for _, ser := range serializers {
		s.Register(ser)
	}
	return s
}

// DefaultSerializers prefers JSON, then protobuf.
func DefaultSerializers() *Serializers {
	return NewSerializers(JSONSerializer{}, ProtobufSerializer{})
}

// Register adds ser, replacing an existing serializer of the same format
// without changing its preference.
func (s *Serializers) Register(ser Serializer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.by[ser.Format()]; !ok {
		s.order = append(s.order, ser.Format())
	}
	s.by[ser.Format()] = ser
}

// Get returns the serializer of format.
func (s *Serializers) Get(format identity.Format) (Serializer, error) {
	s.mu.RLock()
	ser, ok := s.by[format]
	s.mu.RUnlock()
	if !ok {
		return nil, errspkg.New(errspkg.KindFormatNotNegotiable, "serializer", format.String(), nil)
	}
	return ser, nil
}

// Formats lists the registered formats in preference order.
func (s *Serializers) Formats() []identity.Format {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

// Prefer returns the registered formats ordered by preferred first, then
// the remaining registration order. Unknown preferences are skipped.
func (s *Serializers) Prefer(preferred []identity.Format) []identity.Format {
	all := s.Formats()
	out := make([]identity.Format, 0, len(all))
	for _, f := range preferred {
		if slices.Contains(all, f) && !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	for _, f := range all {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JSONSerializer encodes payloads as JSON arrays and values.
type JSONSerializer struct{}

func (JSONSerializer) Format() identity.Format { return identity.FormatJSON }

func (JSONSerializer) EncodeArgs(args []any) ([]byte, error) {
	if args == nil {
		args = []any{}
	}
	data, err := jsoncodec.Marshal(args)
	if err != nil {
		return nil, encodeError(identity.FormatJSON, err)
	}
	return data, nil
}

func (JSONSerializer) DecodeArgs(data []byte) ([]any, error) {
	var args []any
	if len(data) == 0 {
		return nil, nil
	}
	if err := jsoncodec.Unmarshal(data, &args); err != nil {
		return nil, decodeError(identity.FormatJSON, err)
	}
	if len(args) == 0 {
		return nil, nil
	}
	return args, nil
}

func (JSONSerializer) EncodeValue(v any) ([]byte, error) {
	data, err := jsoncodec.Marshal(v)
	if err != nil {
		return nil, encodeError(identity.FormatJSON, err)
	}
	return data, nil
}

func (JSONSerializer) DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := jsoncodec.Unmarshal(data, &v); err != nil {
		return nil, decodeError(identity.FormatJSON, err)
	}
	return v, nil
}

// ProtobufSerializer encodes payloads as google.protobuf.ListValue and
// google.protobuf.Value messages. Go values are first normalized to their
// JSON shape so structs are accepted.
type ProtobufSerializer struct{}

func (ProtobufSerializer) Format() identity.Format { return identity.FormatProtobuf }

func (ProtobufSerializer) EncodeArgs(args []any) ([]byte, error) {
	var plain []any
	if err := normalize(args, &plain); err != nil {
		return nil, encodeError(identity.FormatProtobuf, err)
	}
	list, err := structpb.NewList(plain)
	if err != nil {
		return nil, encodeError(identity.FormatProtobuf, err)
	}
	data, err := proto.Marshal(list)
	if err != nil {
		return nil, encodeError(identity.FormatProtobuf, err)
	}
	return data, nil
}

func (ProtobufSerializer) DecodeArgs(data []byte) ([]any, error) {
	var list structpb.ListValue
	if err := proto.Unmarshal(data, &list); err != nil {
		return nil, decodeError(identity.FormatProtobuf, err)
	}
	if len(list.GetValues()) == 0 {
		return nil, nil
	}
	return list.AsSlice(), nil
}

func (ProtobufSerializer) EncodeValue(v any) ([]byte, error) {
	var plain any
	if err := normalize(v, &plain); err != nil {
		return nil, encodeError(identity.FormatProtobuf, err)
	}
	value, err := structpb.NewValue(plain)
	if err != nil {
		return nil, encodeError(identity.FormatProtobuf, err)
	}
	data, err := proto.Marshal(value)
	if err != nil {
		return nil, encodeError(identity.FormatProtobuf, err)
	}
	return data, nil
}

func (ProtobufSerializer) DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var value structpb.Value
	if err := proto.Unmarshal(data, &value); err != nil {
		return nil, decodeError(identity.FormatProtobuf, err)
	}
	return value.AsInterface(), nil
}

func normalize(src, dst any) error {
	return jsoncodec.Convert(src, dst)
}

func encodeError(format identity.Format, err error) error {
	return errspkg.New(errspkg.KindInvalid, "encode", format.String(), err)
}

func decodeError(format identity.Format, err error) error {
	return errspkg.New(errspkg.KindInvalid, "decode", format.String(), fmt.Errorf("malformed payload: %w", err))
}
