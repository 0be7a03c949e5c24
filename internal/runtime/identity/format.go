package identity

import (
	"fmt"
	"strconv"
	"strings"
)

// Format is the wire serialization code of a call payload.
type Format uint8

const (
	FormatProtobuf Format = 0
	FormatJSON     Format = 1
	FormatCBOR     Format = 2
)

var formatNames = map[Format]string{
	FormatProtobuf: "protobuf",
	FormatJSON:     "json",
	FormatCBOR:     "cbor",
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return "format(" + strconv.Itoa(int(f)) + ")"
}

// ParseFormat accepts a format name (case-insensitive) or its numeric code.
func ParseFormat(s string) (Format, error) {
	s = strings.TrimSpace(s)
	for code, name := range formatNames {
		if strings.EqualFold(name, s) {
			return code, nil
		}
	}
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		return Format(n), nil
	}
	return 0, fmt.Errorf("unknown format %q", s)
}

// Protocol is the transport code of an Endpoint.
type Protocol uint8

const (
	ProtocolSocket  Protocol = 1
	ProtocolHTTP    Protocol = 2
	ProtocolGRPC    Protocol = 3
	ProtocolHTTPS   Protocol = 4
	ProtocolChannel Protocol = 10
	ProtocolNATS    Protocol = 11
	ProtocolAMQP    Protocol = 12
	ProtocolKafka   Protocol = 13
)

var protocolNames = map[Protocol]string{
	ProtocolSocket:  "socket",
	ProtocolHTTP:    "http",
	ProtocolGRPC:    "grpc",
	ProtocolHTTPS:   "https",
	ProtocolChannel: "channel",
	ProtocolNATS:    "nats",
	ProtocolAMQP:    "amqp",
	ProtocolKafka:   "kafka",
}

func (p Protocol) String() string {
	if name, ok := protocolNames[p]; ok {
		return name
	}
	return "protocol(" + strconv.Itoa(int(p)) + ")"
}

// ParseProtocol resolves a protocol name case-insensitively. "rabbitmq" is
// accepted as an alias of amqp.
func ParseProtocol(s string) (Protocol, bool) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "rabbitmq") {
		return ProtocolAMQP, true
	}
	for code, name := range protocolNames {
		if strings.EqualFold(name, s) {
			return code, true
		}
	}
	return 0, false
}
