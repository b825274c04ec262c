// Package ipv6 implements the fixed 40-byte IPv6 header codec: decode of
// a raw TUN frame and emission of a freshly-built header for synthesized
// return traffic.
package ipv6

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/lunixbochs/struc"
)

const (
	// HeaderLen is the fixed size of an IPv6 header in bytes.
	HeaderLen = 40

	version = 6

	// Next-header values this tunnel understands.
	NextHeaderTCP   = 6
	NextHeaderUDP   = 17
	NextHeaderICMP6 = 58
)

// ErrTruncated is returned when the input is shorter than HeaderLen.
var ErrTruncated = errors.New("ipv6: truncated header")

// ErrBadVersion is returned when the top nibble of the first byte isn't 6.
type ErrBadVersion struct{ Version uint8 }

func (e ErrBadVersion) Error() string {
	return fmt.Sprintf("ipv6: bad version %d", e.Version)
}

// wireHeader is the struc-tagged layout of the 40-byte header. struc
// defaults to big-endian, which matches the wire format directly.
type wireHeader struct {
	VersionClassFlow [4]byte
	PayloadLength    uint16
	NextHeader       uint8
	HopLimit         uint8
	Source           [16]byte
	Destination      [16]byte
}

// Header is the decoded, mutable view of an IPv6 header used by this
// tunnel. Traffic class and flow label are always zero on emit (§3) so
// they are not exposed here.
type Header struct {
	PayloadLength uint16
	NextHeader    uint8
	HopLimit      uint8
	Source        [16]byte
	Destination   [16]byte
}

// Decode parses the 40-byte IPv6 header at the front of raw and returns
// it along with the remainder of raw following the header. The caller
// must further trim rest to PayloadLength when walking a chain of
// packets coalesced into a single TUN read.
func Decode(raw []byte) (Header, []byte, error) {
	if len(raw) < HeaderLen {
		return Header{}, nil, ErrTruncated
	}

	var w wireHeader
	if err := struc.Unpack(bytes.NewReader(raw[:HeaderLen]), &w); err != nil {
		return Header{}, nil, fmt.Errorf("ipv6: unpack: %w", err)
	}

	v := w.VersionClassFlow[0] >> 4
	if v != version {
		return Header{}, nil, ErrBadVersion{Version: v}
	}

	h := Header{
		PayloadLength: w.PayloadLength,
		NextHeader:    w.NextHeader,
		HopLimit:      w.HopLimit,
		Source:        w.Source,
		Destination:   w.Destination,
	}
	return h, raw[HeaderLen:], nil
}

// Encode produces a 40-byte header with version 6 and all traffic-class /
// flow-label bits zero.
func Encode(payloadLength uint16, nextHeader, hopLimit uint8, src, dst [16]byte) []byte {
	w := wireHeader{
		VersionClassFlow: [4]byte{version << 4, 0, 0, 0},
		PayloadLength:    payloadLength,
		NextHeader:       nextHeader,
		HopLimit:         hopLimit,
		Source:           src,
		Destination:      dst,
	}
	var buf bytes.Buffer
	if err := struc.Pack(&buf, &w); err != nil {
		// struc can only fail here on reflection errors against a type we
		// control; a malformed wireHeader is a programming error.
		panic(fmt.Sprintf("ipv6: pack: %v", err))
	}
	return buf.Bytes()
}
