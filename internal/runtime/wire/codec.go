package wire

import (
	"context"

	"github.com/wuayee/fitbroker/internal/runtime/dispatch"
	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
)

// Dispatcher is the receiving side of a call.
type Dispatcher interface {
	Dispatch(ctx context.Context, meta dispatch.RequestMetadata, args []any) dispatch.Response
}

// EncodeCall serializes args in meta.Format and frames the request.
func (s *Serializers) EncodeCall(meta dispatch.RequestMetadata, args []any) ([]byte, error) {
	ser, err := s.Get(meta.Format)
	if err != nil {
		return nil, err
	}
	payload, err := ser.EncodeArgs(args)
	if err != nil {
		return nil, err
	}
	return EncodeRequest(RequestFrame{Metadata: meta, Payload: payload}), nil
}

// DecodeCall parses a request frame and its arguments.
func (s *Serializers) DecodeCall(data []byte) (dispatch.RequestMetadata, []any, error) {
	frame, err := DecodeRequest(data)
	if err != nil {
		return dispatch.RequestMetadata{}, nil, err
	}
	ser, err := s.Get(frame.Metadata.Format)
	if err != nil {
		return frame.Metadata, nil, err
	}
	args, err := ser.DecodeArgs(frame.Payload)
	if err != nil {
		return frame.Metadata, nil, err
	}
	return frame.Metadata, args, nil
}

// EncodeResult frames resp, encoding its data in the request format. A
// result that cannot be encoded becomes an invalid response.
func (s *Serializers) EncodeResult(meta dispatch.RequestMetadata, resp dispatch.Response) []byte {
	frame := ResponseFrame{Code: resp.Code, Message: resp.Message, Format: meta.Format}
	if resp.Code == errspkg.KindNone && resp.Data != nil {
		payload, err := s.encodeValue(meta, resp.Data)
		if err != nil {
			failed := dispatch.Failure(err)
			frame.Code, frame.Message = failed.Code, failed.Message
		}
		frame.Payload = payload
	}
	return EncodeResponse(frame)
}

func (s *Serializers) encodeValue(meta dispatch.RequestMetadata, v any) ([]byte, error) {
	ser, err := s.Get(meta.Format)
	if err != nil {
		return nil, err
	}
	return ser.EncodeValue(v)
}

// DecodeResult parses a response frame into a Response.
func (s *Serializers) DecodeResult(data []byte) (dispatch.Response, error) {
	frame, err := DecodeResponse(data)
	if err != nil {
		return dispatch.Response{}, err
	}
	resp := dispatch.Response{Code: frame.Code, Message: frame.Message}
	if frame.Code != errspkg.KindNone || len(frame.Payload) == 0 {
		return resp, nil
	}
	ser, err := s.Get(frame.Format)
	if err != nil {
		return dispatch.Response{}, err
	}
	if resp.Data, err = ser.DecodeValue(frame.Payload); err != nil {
		return dispatch.Response{}, err
	}
	return resp, nil
}

// Handle decodes a request frame, dispatches it and returns the response
// frame. Malformed requests are answered with a failure response.
func (s *Serializers) Handle(ctx context.Context, d Dispatcher, data []byte) []byte {
	meta, args, err := s.DecodeCall(data)
	if err != nil {
		return s.EncodeResult(meta, dispatch.Failure(err))
	}
	return s.EncodeResult(meta, d.Dispatch(ctx, meta, args))
}
