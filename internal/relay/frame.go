// Package relay implements the "stupid protocol" wire framing (§3, §4.6):
// an 11-byte little-endian header followed by data_length bytes of
// payload, carried over a single multiplexed TCP control channel.
package relay

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/lunixbochs/struc"
)

// HeaderLen is the fixed size of the relay framing header.
const HeaderLen = 11

// Type identifies what a relay message carries.
type Type uint8

const (
	TypeTCPData    Type = 0
	TypeUDPData    Type = 1
	TypeTCPConnect Type = 2
	TypeTCPFinish  Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeTCPData:
		return "TCP"
	case TypeUDPData:
		return "UDP"
	case TypeTCPConnect:
		return "TcpConnect"
	case TypeTCPFinish:
		return "TcpFinish"
	default:
		return "invalid"
	}
}

// ErrInvalidType is returned when a header's ty byte doesn't match a
// known Type.
var ErrInvalidType = errors.New("relay: invalid message type")

// ErrTruncated is returned when fewer than HeaderLen bytes are available.
var ErrTruncated = errors.New("relay: truncated header")

type wireHeader struct {
	Type       uint8
	RemoteIPv4 [4]byte
	RemotePort uint16
	LocalPort  uint16
	DataLength uint16
}

// Header is the decoded view of a relay framing header.
type Header struct {
	Type       Type
	RemoteIPv4 [4]byte
	RemotePort uint16
	LocalPort  uint16
	DataLength uint16
}

// Remote renders the header's remote endpoint as a UDPAddr (address
// family doesn't matter for formatting; callers dial with whichever
// socket type Type implies).
func (h Header) Remote() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(h.RemoteIPv4[:]), Port: int(h.RemotePort)}
}

var littleEndian = &struc.Options{Order: binary.LittleEndian}

// Encode serializes a full relay message: the framing header followed by
// data. data_length in the header is taken from len(data).
func Encode(ty Type, remote net.IP, remotePort, localPort uint16, data []byte) ([]byte, error) {
	if len(data) > 0xffff {
		return nil, fmt.Errorf("relay: payload of %d bytes exceeds 65535-byte frame limit", len(data))
	}
	v4 := remote.To4()
	if v4 == nil {
		return nil, fmt.Errorf("relay: remote address %s is not IPv4", remote)
	}

	w := wireHeader{
		Type:       uint8(ty),
		RemotePort: remotePort,
		LocalPort:  localPort,
		DataLength: uint16(len(data)),
	}
	copy(w.RemoteIPv4[:], v4)

	var buf bytes.Buffer
	if err := struc.PackWithOptions(&buf, &w, littleEndian); err != nil {
		return nil, fmt.Errorf("relay: pack: %w", err)
	}
	buf.Write(data)
	return buf.Bytes(), nil
}

// Decode parses the 11-byte header at the front of buf, then splits the
// following data_length bytes of data from any further trailing bytes.
func Decode(buf []byte) (Header, []byte, []byte, error) {
	if len(buf) < HeaderLen {
		return Header{}, nil, nil, ErrTruncated
	}

	var w wireHeader
	if err := struc.UnpackWithOptions(bytes.NewReader(buf[:HeaderLen]), &w, littleEndian); err != nil {
		return Header{}, nil, nil, fmt.Errorf("relay: unpack: %w", err)
	}

	h := Header{
		Type:       Type(w.Type),
		RemoteIPv4: w.RemoteIPv4,
		RemotePort: w.RemotePort,
		LocalPort:  w.LocalPort,
		DataLength: w.DataLength,
	}

	rest := buf[HeaderLen:]
	if int(h.DataLength) > len(rest) {
		return Header{}, nil, nil, ErrTruncated
	}
	return h, rest[:h.DataLength], rest[h.DataLength:], nil
}

// ValidType reports whether ty is one of the four wire-protocol message
// types.
func ValidType(ty uint8) (Type, error) {
	switch Type(ty) {
	case TypeTCPData, TypeUDPData, TypeTCPConnect, TypeTCPFinish:
		return Type(ty), nil
	default:
		return 0, ErrInvalidType
	}
}
