package wire

import (
	"fmt"

	"github.com/wuayee/fitbroker/internal/runtime/dispatch"
	errspkg "github.com/wuayee/fitbroker/internal/runtime/errors"
	"github.com/wuayee/fitbroker/internal/runtime/identity"
	"github.com/wuayee/fitbroker/internal/runtime/varint"
)

// Version is the first byte of every frame.
const Version byte = 1

// RequestFrame is a call as it travels to a worker. Payload holds the
// arguments encoded in Metadata.Format.
type RequestFrame struct {
	Metadata dispatch.RequestMetadata
	Payload  []byte
}

// ResponseFrame is the answer to a RequestFrame. Payload holds the result
// encoded in Format and is empty on failure.
type ResponseFrame struct {
	Code    errspkg.Kind
	Message string
	Format  identity.Format
	Payload []byte
}

// EncodeRequest lays out a request frame:
//
//	version | genericableId | genericableVersion | fitableId | fitableVersion |
//	format | mode | correlationId | callerId | payload
//
// Strings and the payload carry a varint length prefix; format and mode are
// varints.
func EncodeRequest(f RequestFrame) []byte {
	m := f.Metadata
	size := 1 + len(m.GenericableID) + len(m.GenericableVersion) + len(m.FitableID) +
		len(m.FitableVersion) + len(m.CorrelationID) + len(m.CallerID) + len(f.Payload) + 8*varint.MaxLen[uint64]()
	buf := make([]byte, 0, size)
	buf = append(buf, Version)
	buf = varint.AppendString(buf, m.GenericableID)
	buf = varint.AppendString(buf, m.GenericableVersion)
	buf = varint.AppendString(buf, m.FitableID)
	buf = varint.AppendString(buf, m.FitableVersion)
	buf = varint.Append(buf, uint8(m.Format))
	buf = varint.Append(buf, uint8(m.Mode))
	buf = varint.AppendString(buf, m.CorrelationID)
	buf = varint.AppendString(buf, m.CallerID)
	return varint.AppendBytes(buf, f.Payload)
}

// DecodeRequest parses a frame produced by EncodeRequest. The payload
// aliases data.
func DecodeRequest(data []byte) (RequestFrame, error) {
	r, err := open(data)
	if err != nil {
		return RequestFrame{}, err
	}

	var f RequestFrame
	m := &f.Metadata
	for _, field := range []*string{&m.GenericableID, &m.GenericableVersion, &m.FitableID, &m.FitableVersion} {
		if *field, err = r.Text(); err != nil {
			return RequestFrame{}, err
		}
	}
	format, err := varint.Next[uint8](r)
	if err != nil {
		return RequestFrame{}, err
	}
	m.Format = identity.Format(format)
	mode, err := varint.Next[uint8](r)
	if err != nil {
		return RequestFrame{}, err
	}
	m.Mode = dispatch.CallMode(mode)
	if m.CorrelationID, err = r.Text(); err != nil {
		return RequestFrame{}, err
	}
	if m.CallerID, err = r.Text(); err != nil {
		return RequestFrame{}, err
	}
	if f.Payload, err = r.Bytes(); err != nil {
		return RequestFrame{}, err
	}
	return f, closeFrame(r)
}

// EncodeResponse lays out a response frame:
//
//	version | code | message | format | payload
func EncodeResponse(f ResponseFrame) []byte {
	buf := make([]byte, 0, 1+len(f.Message)+len(f.Payload)+4*varint.MaxLen[uint64]())
	buf = append(buf, Version)
	buf = varint.Append(buf, uint8(f.Code))
	buf = varint.AppendString(buf, f.Message)
	buf = varint.Append(buf, uint8(f.Format))
	return varint.AppendBytes(buf, f.Payload)
}

// DecodeResponse parses a frame produced by EncodeResponse.
func DecodeResponse(data []byte) (ResponseFrame, error) {
	r, err := open(data)
	if err != nil {
		return ResponseFrame{}, err
	}

	var f ResponseFrame
	code, err := varint.Next[uint8](r)
	if err != nil {
		return ResponseFrame{}, err
	}
	f.Code = errspkg.Kind(code)
	if f.Message, err = r.Text(); err != nil {
		return ResponseFrame{}, err
	}
	format, err := varint.Next[uint8](r)
	if err != nil {
		return ResponseFrame{}, err
	}
	f.Format = identity.Format(format)
	if f.Payload, err = r.Bytes(); err != nil {
		return ResponseFrame{}, err
	}
	return f, closeFrame(r)
}

func open(data []byte) (*varint.Reader, error) {
	if len(data) == 0 {
		return nil, errspkg.New(errspkg.KindInvalidVarint, "wire.decode", "", fmt.Errorf("empty frame"))
	}
	if data[0] != Version {
		return nil, errspkg.New(errspkg.KindInvalid, "wire.decode", "", fmt.Errorf("unsupported frame version %d", data[0]))
	}
	return varint.NewReader(data[1:]), nil
}

func closeFrame(r *varint.Reader) error {
	if n := r.Remaining(); n != 0 {
		return errspkg.New(errspkg.KindInvalidVarint, "wire.decode", "", fmt.Errorf("%d trailing bytes", n))
	}
	return nil
}
